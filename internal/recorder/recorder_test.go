package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Waupie/home-security-camera/internal/capture"
	"github.com/Waupie/home-security-camera/internal/notify"
)

// fakeSession is an encoder session writing a marker file on Close.
type fakeSession struct {
	path     string
	mu       sync.Mutex
	pushed   int
	closeErr error
	closed   bool
}

func (s *fakeSession) Push(f capture.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.closeErr != nil {
		return s.closeErr
	}
	return os.WriteFile(s.path, []byte("h264"), 0o644)
}

type fakeOpener struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErr  error
	closeErr error
}

func (o *fakeOpener) open(path string) (EncoderSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	s := &fakeSession{path: path, closeErr: o.closeErr}
	o.sessions = append(o.sessions, s)
	return s, nil
}

func newTestRecorder(t *testing.T, opener *fakeOpener, duration time.Duration) *Recorder {
	t.Helper()
	r, err := New(Config{
		Dir:         t.TempDir(),
		Duration:    duration,
		ResultGrace: time.Hour, // tests control resets explicitly
	}, opener.open, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func waitTerminal(t *testing.T, r *Recorder) Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if job, ok := r.Status(); ok && job.Status.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatal("Job never reached a terminal state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestCompletedLifecycle walks a job through the happy path.
func TestCompletedLifecycle(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRecorder(t, opener, 30*time.Millisecond)

	job, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if job.Status != StateStarting {
		t.Errorf("Expected starting, got %s", job.Status)
	}
	if !strings.HasPrefix(job.Filename, "recording-") || !strings.HasSuffix(job.Filename, ".mp4") {
		t.Errorf("Unexpected filename %q", job.Filename)
	}

	done := waitTerminal(t, r)
	if done.Status != StateCompleted {
		t.Fatalf("Expected completed, got %s (err=%v)", done.Status, done.Err)
	}
	if r.LastRecording() != job.Filename {
		t.Errorf("Expected last recording %q, got %q", job.Filename, r.LastRecording())
	}

	// The final file exists; no temp artifact remains.
	final := filepath.Join(r.cfg.Dir, job.Filename)
	if _, err := os.Stat(final); err != nil {
		t.Errorf("Final file missing: %v", err)
	}
	if _, err := os.Stat(final + tempSuffix); !os.IsNotExist(err) {
		t.Errorf("Temp artifact still present")
	}
}

// TestBusyWhileRecording is the single-job invariant: a second request
// during an active job yields ErrBusy, never a second job.
func TestBusyWhileRecording(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRecorder(t, opener, 100*time.Millisecond)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if _, err := r.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}

	waitTerminal(t, r)

	opener.mu.Lock()
	n := len(opener.sessions)
	opener.mu.Unlock()
	if n != 1 {
		t.Errorf("Expected exactly 1 encoder session, got %d", n)
	}
}

// TestConcurrentStarts verifies the invariant under racing requests.
func TestConcurrentStarts(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRecorder(t, opener, 100*time.Millisecond)

	const attempts = 16
	var wg sync.WaitGroup
	var started, busy int32
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(context.Background())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("Expected exactly 1 accepted start, got %d", started)
	}
	if busy != attempts-1 {
		t.Errorf("Expected %d busy rejections, got %d", attempts-1, busy)
	}
}

// TestOpenFailure verifies Starting → Failed on a device error.
func TestOpenFailure(t *testing.T) {
	opener := &fakeOpener{openErr: fmt.Errorf("encoder offline")}
	r := newTestRecorder(t, opener, 30*time.Millisecond)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := waitTerminal(t, r)
	if done.Status != StateFailed {
		t.Fatalf("Expected failed, got %s", done.Status)
	}
	if done.Err == nil || !strings.Contains(done.Err.Error(), "encoder offline") {
		t.Errorf("Failure cause not retained: %v", done.Err)
	}
	if r.LastRecording() != "" {
		t.Errorf("Failed job must not become last recording")
	}
}

// TestFinalizeFailureCleansTemp verifies flush failure marks the job Failed
// and removes the partial file.
func TestFinalizeFailureCleansTemp(t *testing.T) {
	opener := &fakeOpener{closeErr: fmt.Errorf("flush error")}
	r := newTestRecorder(t, opener, 20*time.Millisecond)

	job, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Simulate a partial write.
	temp := filepath.Join(r.cfg.Dir, job.Filename+tempSuffix)
	os.WriteFile(temp, []byte("partial"), 0o644)

	done := waitTerminal(t, r)
	if done.Status != StateFailed {
		t.Fatalf("Expected failed, got %s", done.Status)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Error("Partial temp file not cleaned up")
	}
	if _, err := os.Stat(filepath.Join(r.cfg.Dir, job.Filename)); !os.IsNotExist(err) {
		t.Error("Final filename must never appear for a failed job")
	}
}

// TestAtomicVisibility: while recording, the final name is never visible;
// only the temp name exists until the flush succeeds.
func TestAtomicVisibility(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRecorder(t, opener, 60*time.Millisecond)

	job, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := filepath.Join(r.cfg.Dir, job.Filename)
	for i := 0; i < 10; i++ {
		if j, ok := r.Status(); ok && j.Status.Terminal() {
			break
		}
		if _, err := os.Stat(final); err == nil {
			t.Fatal("Final filename visible mid-write")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := waitTerminal(t, r)
	if done.Status != StateCompleted {
		t.Fatalf("Expected completed, got %s", done.Status)
	}
	if _, err := os.Stat(final); err != nil {
		t.Errorf("Final file missing after completion: %v", err)
	}
}

// TestFeedReachesActiveSession verifies frames flow into the encoder only
// during the recording window.
func TestFeedReachesActiveSession(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRecorder(t, opener, 80*time.Millisecond)

	// Idle: feeding is a no-op.
	r.Feed(capture.Frame{Seq: 1})

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for Recording, then feed.
	deadline := time.After(2 * time.Second)
	for {
		if job, ok := r.Status(); ok && job.Status == StateRecording {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Never reached recording state")
		case <-time.After(2 * time.Millisecond):
		}
	}
	for seq := uint64(2); seq <= 5; seq++ {
		r.Feed(capture.Frame{Seq: seq})
	}

	waitTerminal(t, r)

	opener.mu.Lock()
	session := opener.sessions[0]
	opener.mu.Unlock()
	session.mu.Lock()
	pushed := session.pushed
	session.mu.Unlock()
	if pushed != 4 {
		t.Errorf("Expected 4 pushed frames, got %d", pushed)
	}

	// Terminal: feeding is a no-op again.
	r.Feed(capture.Frame{Seq: 6})
	session.mu.Lock()
	after := session.pushed
	session.mu.Unlock()
	if after != pushed {
		t.Error("Feed reached a closed session")
	}
}

// TestResultRetrievedExactlyOnce verifies the slot resets on retrieval.
func TestResultRetrievedExactlyOnce(t *testing.T) {
	opener := &fakeOpener{}
	r := newTestRecorder(t, opener, 20*time.Millisecond)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, r)

	job, ok := r.Result()
	if !ok || job.Status != StateCompleted {
		t.Fatalf("Expected completed result, got ok=%v status=%s", ok, job.Status)
	}
	if _, ok := r.Result(); ok {
		t.Error("Result available twice")
	}
	if r.State() != StateIdle {
		t.Errorf("Expected idle after retrieval, got %s", r.State())
	}

	// Slot is free: a new job is accepted immediately.
	if _, err := r.Start(context.Background()); err != nil {
		t.Errorf("Start after retrieval failed: %v", err)
	}
}

// TestGracePeriodResets verifies an unretrieved terminal job expires.
func TestGracePeriodResets(t *testing.T) {
	opener := &fakeOpener{}
	r, err := New(Config{
		Dir:         t.TempDir(),
		Duration:    20 * time.Millisecond,
		ResultGrace: 50 * time.Millisecond,
	}, opener.open, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, r)

	deadline := time.After(2 * time.Second)
	for r.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatal("Slot never reset after grace period")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestRecordingEventsPublished verifies state transitions reach the notifier.
func TestRecordingEventsPublished(t *testing.T) {
	events := notify.New(50 * time.Millisecond)
	defer events.Close()
	sub := events.Subscribe()

	opener := &fakeOpener{}
	r, err := New(Config{
		Dir:         t.TempDir(),
		Duration:    20 * time.Millisecond,
		ResultGrace: time.Hour,
	}, opener.open, events, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, r)

	want := []string{"starting", "recording", "finalizing", "completed"}
	for _, state := range want {
		select {
		case ev := <-sub.C:
			if ev.Type != notify.EventRecording || ev.State != state {
				t.Errorf("Expected %s event, got %+v", state, ev)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("Timeout waiting for %s event", state)
		}
	}
}

// TestCompletionHandoff verifies metadata reaches the uploader hook and a
// failing upload can never flip the terminal status.
func TestCompletionHandoff(t *testing.T) {
	metaCh := make(chan Metadata, 1)

	opener := &fakeOpener{}
	r, err := New(Config{
		Dir:         t.TempDir(),
		Duration:    20 * time.Millisecond,
		ResultGrace: time.Hour,
	}, opener.open, nil, func(m Metadata) {
		metaCh <- m
		// An uploader that fails internally simply returns; there is no
		// path by which it could mutate the job.
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	job, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, r)

	select {
	case m := <-metaCh:
		if m.Filename != job.Filename {
			t.Errorf("Expected %q, got %q", job.Filename, m.Filename)
		}
		if m.SizeBytes == 0 {
			t.Error("Expected non-zero size for completed recording")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Completion handoff never fired")
	}

	if got, ok := r.Status(); !ok || got.Status != StateCompleted {
		t.Errorf("Terminal status changed after handoff: %+v", got)
	}
}
