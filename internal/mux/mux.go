// Package mux fans encoded preview frames out to concurrent viewers.
//
// Core philosophy: drop frames, never queue. A slow viewer must not stall
// frame production, so every subscriber owns a small bounded queue with
// drop-oldest overflow: delivery is at-most-latest, not at-least-once.
// Frames delivered to a single subscriber always preserve capture order.
package mux

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Waupie/home-security-camera/internal/encode"
)

var (
	// ErrClosed is returned when subscribing to a closed multiplexer.
	ErrClosed = errors.New("mux: multiplexer is closed")
	// ErrSubscriberNotFound is returned when unsubscribing an unknown id.
	ErrSubscriberNotFound = errors.New("mux: subscriber not found")
)

// SubscriberStats tracks per-viewer delivery metrics.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a point-in-time snapshot of the multiplexer.
type Stats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	id      string
	ch      chan encode.EncodedFrame
	sent    uint64
	dropped uint64
}

// Multiplexer distributes each published frame to all current subscribers.
type Multiplexer struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	depth       int
	published   uint64
	closed      bool
}

// New creates a multiplexer whose subscribers each get a bounded queue of
// the given depth.
func New(depth int) *Multiplexer {
	if depth < 1 {
		depth = 1
	}
	return &Multiplexer{
		subscribers: make(map[string]*subscriber),
		depth:       depth,
	}
}

// Subscription is one viewer's handle: receive from C, Close when done.
type Subscription struct {
	ID string
	C  <-chan encode.EncodedFrame
	m  *Multiplexer
}

// Close removes the subscriber. The channel is closed; pending frames are
// discarded. Safe to call once per subscription.
func (s *Subscription) Close() {
	s.m.unsubscribe(s.ID)
}

// Subscribe registers a new viewer and returns its subscription.
func (m *Multiplexer) Subscribe() (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan encode.EncodedFrame, m.depth),
	}
	m.subscribers[sub.id] = sub

	return &Subscription{ID: sub.id, C: sub.ch, m: m}, nil
}

func (m *Multiplexer) unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(m.subscribers, id)
	// Publish holds the read lock while sending, so closing under the
	// write lock cannot race a send.
	close(sub.ch)
	return nil
}

// Publish fans the frame out to every subscriber without ever blocking.
// On a full queue the oldest queued frame is dropped and the new one
// enqueued, so each viewer converges on the latest frames.
func (m *Multiplexer) Publish(frame encode.EncodedFrame) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return
	}

	atomic.AddUint64(&m.published, 1)

	for _, sub := range m.subscribers {
		select {
		case sub.ch <- frame:
			atomic.AddUint64(&sub.sent, 1)
			continue
		default:
		}

		// Queue full: evict the oldest, then retry once. The retry can
		// still lose to a concurrent receive draining the queue, in
		// which case the send below succeeds anyway.
		select {
		case <-sub.ch:
			atomic.AddUint64(&sub.dropped, 1)
		default:
		}

		select {
		case sub.ch <- frame:
			atomic.AddUint64(&sub.sent, 1)
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// SubscriberCount returns the number of connected viewers.
func (m *Multiplexer) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Stats returns a snapshot of delivery metrics.
func (m *Multiplexer) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Stats{
		TotalPublished: atomic.LoadUint64(&m.published),
		Subscribers:    make(map[string]SubscriberStats, len(m.subscribers)),
	}
	for id, sub := range m.subscribers {
		out.Subscribers[id] = SubscriberStats{
			Sent:    atomic.LoadUint64(&sub.sent),
			Dropped: atomic.LoadUint64(&sub.dropped),
		}
	}
	return out
}

// Close shuts down the multiplexer and closes all subscriber channels.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for id, sub := range m.subscribers {
		close(sub.ch)
		delete(m.subscribers, id)
	}
}
