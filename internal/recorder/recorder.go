// Package recorder multiplexes the single camera resource between live
// preview and file capture.
//
// The state machine is Idle → Starting → Recording → Finalizing →
// {Completed | Failed} → Idle. Exactly one job may be in flight, enforced by
// a single current-job slot under a lock: a second request while the slot
// holds a non-terminal job is rejected with ErrBusy, never queued. Recording
// length is wall clock, not frame count, since frame delivery can stutter.
//
// The output is written under a temporary name and renamed only after a
// successful flush, so a crash mid-write never leaves a file that looks
// complete. "Completed" means locally captured: the asynchronous upload
// handoff never changes a terminal status.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Waupie/home-security-camera/internal/capture"
	"github.com/Waupie/home-security-camera/internal/notify"
)

var (
	// ErrBusy rejects a record request while one is already active.
	ErrBusy = errors.New("recorder: recording already in progress")
)

// tempSuffix marks in-progress output files. The lister ignores them.
const tempSuffix = ".part"

// EncoderSession is the stateful hardware encoder opened for one job.
type EncoderSession interface {
	// Push feeds one raw frame, in capture order.
	Push(f capture.Frame) error
	// Close flushes and finalizes the output container.
	Close() error
}

// SessionOpener opens an encoder session writing to the given path.
type SessionOpener func(path string) (EncoderSession, error)

// Config tunes the recorder.
type Config struct {
	// Dir is the recordings directory.
	Dir string
	// Duration is the fixed length of each recording.
	Duration time.Duration
	// ResultGrace resets a terminal job back to Idle if nobody retrieves
	// the result.
	ResultGrace time.Duration
}

// Recorder owns the recording state machine.
type Recorder struct {
	cfg    Config
	open   SessionOpener
	events *notify.Notifier

	// onComplete receives metadata of completed recordings,
	// fire-and-forget. May be nil.
	onComplete func(Metadata)

	mu           sync.Mutex
	job          *Job
	tempPath     string
	finalPath    string
	session      EncoderSession
	lastFilename string
	graceTimer   *time.Timer
	dropped      uint64
}

// New creates a recorder. events and onComplete may be nil.
func New(cfg Config, open SessionOpener, events *notify.Notifier, onComplete func(Metadata)) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recorder: recordings directory is required")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("recorder: invalid duration %s", cfg.Duration)
	}
	if open == nil {
		return nil, fmt.Errorf("recorder: session opener is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: failed to create recordings dir: %w", err)
	}
	if cfg.ResultGrace <= 0 {
		cfg.ResultGrace = 60 * time.Second
	}
	return &Recorder{cfg: cfg, open: open, events: events, onComplete: onComplete}, nil
}

// Start accepts a recording request and returns immediately once the job is
// in Starting. Returns ErrBusy while another job is non-terminal.
func (r *Recorder) Start(ctx context.Context) (Job, error) {
	r.mu.Lock()
	if r.job != nil && !r.job.Status.Terminal() {
		r.mu.Unlock()
		return Job{}, ErrBusy
	}
	// A lingering terminal job is superseded by the new one.
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		StartedAt: now,
		Duration:  r.cfg.Duration,
		Filename:  fmt.Sprintf("recording-%s.mp4", now.UTC().Format("20060102-150405")),
		Status:    StateStarting,
	}
	r.job = job
	r.finalPath = filepath.Join(r.cfg.Dir, job.Filename)
	r.tempPath = r.finalPath + tempSuffix
	snapshot := *job
	r.mu.Unlock()

	slog.Info("recorder: job accepted",
		"job_id", job.ID,
		"filename", job.Filename,
		"duration", job.Duration,
	)
	r.publish(snapshot)

	go r.run(ctx, job)
	return snapshot, nil
}

// run executes the state machine for one job on its own goroutine, so a
// record request never blocks the frame loop or the HTTP handler.
func (r *Recorder) run(ctx context.Context, job *Job) {
	r.mu.Lock()
	tempPath, finalPath := r.tempPath, r.finalPath
	r.mu.Unlock()

	// Starting → Recording
	session, err := r.open(tempPath)
	if err != nil {
		r.fail(job, fmt.Errorf("open encoder session: %w", err))
		return
	}

	r.mu.Lock()
	r.session = session
	job.Status = StateRecording
	snapshot := *job
	r.mu.Unlock()
	r.publish(snapshot)

	// Recording: suspend on the wall-clock timer, not on frame count.
	timer := time.NewTimer(job.Duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		// Shutdown mid-recording: finalize what we have.
		slog.Warn("recorder: recording interrupted by shutdown", "job_id", job.ID)
	}

	// Recording → Finalizing: detach the session first so the frame loop
	// stops feeding it before the flush.
	r.mu.Lock()
	r.session = nil
	job.Status = StateFinalizing
	snapshot = *job
	r.mu.Unlock()
	r.publish(snapshot)

	if err := session.Close(); err != nil {
		r.fail(job, fmt.Errorf("finalize: %w", err))
		return
	}

	// Rename only after a successful flush: a listing taken at any time
	// either sees the complete file or nothing.
	if err := os.Rename(tempPath, finalPath); err != nil {
		r.fail(job, fmt.Errorf("rename into place: %w", err))
		return
	}

	info, err := os.Stat(finalPath)
	var size int64
	if err == nil {
		size = info.Size()
	}

	r.mu.Lock()
	job.Status = StateCompleted
	r.lastFilename = job.Filename
	snapshot = *job
	r.mu.Unlock()
	r.publish(snapshot)
	r.scheduleGraceReset(job)

	slog.Info("recorder: job completed",
		"job_id", job.ID,
		"filename", job.Filename,
		"size_bytes", size,
		"elapsed", time.Since(job.StartedAt),
	)

	if r.onComplete != nil {
		// Completed means locally captured; mirroring runs detached and
		// can never change the job's terminal status.
		go r.onComplete(Metadata{
			Filename:  job.Filename,
			Path:      finalPath,
			CreatedAt: job.StartedAt,
			SizeBytes: size,
		})
	}
}

// fail marks the job Failed, cleans up temp artifacts and retains the error
// for the next status query.
func (r *Recorder) fail(job *Job, err error) {
	r.mu.Lock()
	r.session = nil
	job.Status = StateFailed
	job.Err = err
	tempPath := r.tempPath
	snapshot := *job
	r.mu.Unlock()

	if tempPath != "" {
		if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("recorder: failed to remove temp artifact", "path", tempPath, "error", rmErr)
		}
	}

	slog.Error("recorder: job failed", "job_id", job.ID, "error", err)
	r.publish(snapshot)
	r.scheduleGraceReset(job)
}

// Feed hands one raw frame to the active encoder session. No-op outside the
// Recording window. Called from the frame loop on every frame; a push error
// is a gap, tolerated and counted, never an abort.
func (r *Recorder) Feed(f capture.Frame) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Push(f); err != nil {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		slog.Debug("recorder: frame not recorded", "seq", f.Seq, "error", err)
	}
}

// Status returns a snapshot of the current job, or ok=false when Idle.
func (r *Recorder) Status() (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job == nil {
		return Job{}, false
	}
	return *r.job, true
}

// Result retrieves a terminal job exactly once, resetting the slot to Idle.
func (r *Recorder) Result() (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job == nil || !r.job.Status.Terminal() {
		return Job{}, false
	}
	job := *r.job
	r.job = nil
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	return job, true
}

// LastRecording returns the filename of the most recently completed job,
// or "" if none yet.
func (r *Recorder) LastRecording() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFilename
}

// State returns the current state for status reporting.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job == nil {
		return StateIdle
	}
	return r.job.Status
}

// scheduleGraceReset returns the slot to Idle after the grace period if
// nobody retrieves the result first.
func (r *Recorder) scheduleGraceReset(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.graceTimer = time.AfterFunc(r.cfg.ResultGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.job == job && r.job.Status.Terminal() {
			r.job = nil
			slog.Debug("recorder: terminal job expired", "job_id", job.ID)
		}
	})
}

func (r *Recorder) publish(job Job) {
	if r.events == nil {
		return
	}
	r.events.Publish(notify.Event{
		Type:  notify.EventRecording,
		At:    time.Now(),
		JobID: job.ID,
		State: job.Status.String(),
	})
}
