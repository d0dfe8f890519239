// Package engine owns the single consumer loop over the frame source and
// fans the stream out to the detector, the recorder and the preview
// multiplexer. The sensor is not safely concurrently readable, so every
// downstream consumer hangs off this one loop.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Waupie/home-security-camera/internal/capture"
	"github.com/Waupie/home-security-camera/internal/encode"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/mux"
	"github.com/Waupie/home-security-camera/internal/recorder"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("engine: already started")

// FrameSource is the camera abstraction the loop consumes.
type FrameSource interface {
	Start(ctx context.Context) (<-chan capture.Frame, error)
	Stop() error
	Unavailable() bool
	Stats() capture.Stats
}

// Config holds the loop's encoding parameters.
type Config struct {
	JPEGQuality int
}

// Stats summarizes the loop's own counters.
type Stats struct {
	FramesProcessed uint64 `json:"frames_processed"`
	EncodeErrors    uint64 `json:"encode_errors"`
	Unavailable     bool   `json:"unavailable"`
}

// Engine runs the frame loop.
type Engine struct {
	cfg      Config
	source   FrameSource
	detector *motion.Detector
	recorder *recorder.Recorder
	streams  *mux.Multiplexer

	latest      atomic.Pointer[encode.EncodedFrame]
	processed   atomic.Uint64
	encodeFails atomic.Uint64
	unavailable atomic.Bool

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New wires the loop. All collaborators are required.
func New(cfg Config, source FrameSource, detector *motion.Detector, rec *recorder.Recorder, streams *mux.Multiplexer) (*Engine, error) {
	if source == nil || detector == nil || rec == nil || streams == nil {
		return nil, errors.New("engine: all collaborators are required")
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		return nil, errors.New("engine: jpeg quality must be in (0,100]")
	}
	return &Engine{
		cfg:      cfg,
		source:   source,
		detector: detector,
		recorder: rec,
		streams:  streams,
	}, nil
}

// Start opens the frame source and launches the consumer loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	frames, err := e.source.Start(ctx)
	if err != nil {
		return err
	}
	e.started = true

	e.wg.Add(1)
	go e.loop(frames)

	slog.Info("engine: frame loop started", "jpeg_quality", e.cfg.JPEGQuality)
	return nil
}

func (e *Engine) loop(frames <-chan capture.Frame) {
	defer e.wg.Done()

	for f := range frames {
		e.processed.Add(1)

		e.recorder.Feed(f)
		e.detector.Process(f)

		enc, err := encode.JPEG(f, e.cfg.JPEGQuality)
		if err != nil {
			// Single-frame failure; the loop continues.
			e.encodeFails.Add(1)
			slog.Debug("engine: frame encode failed", "seq", f.Seq, "error", err)
			continue
		}
		e.latest.Store(&enc)
		e.streams.Publish(enc)
	}

	// The source closes the channel on shutdown or when its restart
	// budget is exhausted; only the latter makes the stream unavailable.
	if e.source.Unavailable() {
		e.unavailable.Store(true)
		slog.Error("engine: frame source exhausted restarts, stream unavailable")
	} else {
		slog.Info("engine: frame loop stopped")
	}
}

// Snapshot returns the most recently encoded preview frame.
func (e *Engine) Snapshot() (encode.EncodedFrame, bool) {
	p := e.latest.Load()
	if p == nil {
		return encode.EncodedFrame{}, false
	}
	return *p, true
}

// Unavailable reports whether the camera is gone for good.
func (e *Engine) Unavailable() bool {
	return e.unavailable.Load()
}

// Stats returns the loop counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesProcessed: e.processed.Load(),
		EncodeErrors:    e.encodeFails.Load(),
		Unavailable:     e.unavailable.Load(),
	}
}

// SourceStats exposes the frame source counters for status reporting.
func (e *Engine) SourceStats() capture.Stats {
	return e.source.Stats()
}

// Stop shuts down the source and waits for the loop to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	err := e.source.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("engine: loop did not drain before shutdown timeout")
	}
	return err
}
