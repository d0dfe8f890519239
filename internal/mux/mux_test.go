package mux

import (
	"sync"
	"testing"
	"time"

	"github.com/Waupie/home-security-camera/internal/encode"
)

func frame(seq uint64) encode.EncodedFrame {
	return encode.EncodedFrame{Seq: seq, Timestamp: time.Now()}
}

// TestBasicFanOut verifies every subscriber sees a published frame.
func TestBasicFanOut(t *testing.T) {
	m := New(3)
	defer m.Close()

	a, err := m.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	b, err := m.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	m.Publish(frame(1))

	for _, sub := range []*Subscription{a, b} {
		select {
		case got := <-sub.C:
			if got.Seq != 1 {
				t.Errorf("Expected seq 1, got %d", got.Seq)
			}
		case <-time.After(1 * time.Second):
			t.Fatal("Timeout waiting for frame")
		}
	}
}

// TestDropOldestOnOverflow verifies at-most-latest semantics: a full queue
// drops the oldest frame, never the newest.
func TestDropOldestOnOverflow(t *testing.T) {
	m := New(2)
	defer m.Close()

	sub, _ := m.Subscribe()

	// Nobody receiving: 4 frames into a depth-2 queue.
	for seq := uint64(1); seq <= 4; seq++ {
		m.Publish(frame(seq))
	}

	// Queue must hold the two most recent frames, in order.
	got := []uint64{(<-sub.C).Seq, (<-sub.C).Seq}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("Expected [3 4], got %v", got)
	}

	stats := m.Stats()
	s := stats.Subscribers[sub.ID]
	if s.Sent != 4 {
		t.Errorf("Expected 4 sent, got %d", s.Sent)
	}
	if s.Dropped != 2 {
		t.Errorf("Expected 2 dropped, got %d", s.Dropped)
	}
}

// TestPublishNeverBlocks verifies a completely stuck subscriber cannot
// stall frame production.
func TestPublishNeverBlocks(t *testing.T) {
	m := New(1)
	defer m.Close()

	m.Subscribe() // never received from

	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 100; seq++ {
			m.Publish(frame(seq))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}
}

// TestOrderPreservedAcrossDrops verifies frames reach a subscriber in
// non-decreasing sequence order with no duplicates, even while its queue
// overflows concurrently.
func TestOrderPreservedAcrossDrops(t *testing.T) {
	m := New(3)
	defer m.Close()

	sub, _ := m.Subscribe()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= total; seq++ {
			m.Publish(frame(seq))
		}
		sub.Close()
	}()

	var last uint64
	for f := range sub.C {
		if f.Seq <= last {
			t.Fatalf("Order violation: seq %d after %d", f.Seq, last)
		}
		last = f.Seq
	}
	wg.Wait()
}

// TestUnsubscribeIsolated verifies removing one subscriber leaves the
// others receiving.
func TestUnsubscribeIsolated(t *testing.T) {
	m := New(3)
	defer m.Close()

	gone, _ := m.Subscribe()
	stay, _ := m.Subscribe()

	gone.Close()

	m.Publish(frame(7))

	select {
	case got := <-stay.C:
		if got.Seq != 7 {
			t.Errorf("Expected seq 7, got %d", got.Seq)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Surviving subscriber received nothing")
	}

	if n := m.SubscriberCount(); n != 1 {
		t.Errorf("Expected 1 subscriber, got %d", n)
	}
}

// TestZeroSubscribers verifies publishing with no viewers is a no-op that
// still counts frames.
func TestZeroSubscribers(t *testing.T) {
	m := New(3)
	defer m.Close()

	m.Publish(frame(1))
	m.Publish(frame(2))

	if got := m.Stats().TotalPublished; got != 2 {
		t.Errorf("Expected 2 published, got %d", got)
	}
}

// TestConcurrentSubscribeUnsubscribe hammers the registry while publishing.
func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	m := New(2)
	defer m.Close()

	stop := make(chan struct{})
	pubDone := make(chan struct{})

	go func() {
		defer close(pubDone)
		var seq uint64
		for {
			select {
			case <-stop:
				return
			default:
				seq++
				m.Publish(frame(seq))
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := m.Subscribe()
				if err != nil {
					t.Errorf("Subscribe failed: %v", err)
					return
				}
				// Drain a little, then leave.
				select {
				case <-sub.C:
				case <-time.After(1 * time.Millisecond):
				}
				sub.Close()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Concurrency test timed out")
	}
	close(stop)
	<-pubDone
}

// TestSubscribeAfterClose verifies the closed multiplexer rejects viewers.
func TestSubscribeAfterClose(t *testing.T) {
	m := New(3)
	m.Close()

	if _, err := m.Subscribe(); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
