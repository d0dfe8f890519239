// Package notify publishes motion and recording state transitions to
// long-lived subscribers.
//
// Delivery is best-effort: a subscriber that cannot accept an event within
// the send timeout is evicted rather than backpressuring the motion detector
// or the recorder. Polling clients read current state from those components
// directly; this package only carries transitions.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// EventType discriminates the payload of an Event.
type EventType string

const (
	// EventMotion is a debounced motion-state transition.
	EventMotion EventType = "motion"
	// EventRecording is a recording-state transition.
	EventRecording EventType = "recording"
)

// Event is one state transition.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// Movement is set for EventMotion.
	Movement bool `json:"movement"`

	// JobID and State are set for EventRecording.
	JobID string `json:"job_id,omitempty"`
	State string `json:"state,omitempty"`
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers the event within the timeout. Returns false when the
// subscriber should be evicted. A closed subscriber swallows the event.
func (s *subscriber) send(ev Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscription is one subscriber's handle. Receive from C until it is
// closed; call Close when done.
type Subscription struct {
	C <-chan Event
	s *subscriber
	n *Notifier
}

// Close removes the subscription from the registry. Idempotent.
func (s *Subscription) Close() {
	s.n.remove(s.s)
}

// Notifier is the pub/sub registry.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	sendTimeout time.Duration
	closed      bool
}

// New creates a notifier. sendTimeout bounds how long a blocked subscriber
// may hold up delivery before being evicted; <= 0 uses 100ms.
func New(sendTimeout time.Duration) *Notifier {
	if sendTimeout <= 0 {
		sendTimeout = 100 * time.Millisecond
	}
	return &Notifier{
		subscribers: make(map[*subscriber]struct{}),
		sendTimeout: sendTimeout,
	}
}

// Subscribe registers a new subscriber with a small buffer.
func (n *Notifier) Subscribe() *Subscription {
	s := &subscriber{ch: make(chan Event, 8)}

	n.mu.Lock()
	if n.closed {
		s.closed = true
		close(s.ch)
	} else {
		n.subscribers[s] = struct{}{}
	}
	n.mu.Unlock()

	return &Subscription{C: s.ch, s: s, n: n}
}

func (n *Notifier) remove(s *subscriber) {
	n.mu.Lock()
	delete(n.subscribers, s)
	n.mu.Unlock()
	s.close()
}

// Publish delivers the event to every subscriber, best-effort. A subscriber
// whose buffer stays full past the send timeout is dropped.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(n.subscribers))
	for s := range n.subscribers {
		targets = append(targets, s)
	}
	n.mu.Unlock()

	for _, s := range targets {
		if !s.send(ev, n.sendTimeout) {
			n.remove(s)
			slog.Warn("notify: evicted blocked subscriber", "event", ev.Type)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}

// Close evicts all subscribers and rejects future ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	targets := make([]*subscriber, 0, len(n.subscribers))
	for s := range n.subscribers {
		targets = append(targets, s)
		delete(n.subscribers, s)
	}
	n.mu.Unlock()

	for _, s := range targets {
		s.close()
	}
}
