// Package capture owns the physical camera sensor and produces raw RGB
// frames at a fixed target rate.
//
// Exactly one logical consumer loop reads from a Source; all fan-out happens
// downstream. The device itself is not safely concurrently readable, so the
// Source is the single point where frames enter the process.
//
// On a device fault the Source restarts its pipeline with exponential
// backoff, bounded by Config.MaxRestarts consecutive failures. Once the
// budget is exhausted the frame channel is closed; consumers treat a closed
// channel as "stream unavailable".
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Source acquires frames from the camera through a GStreamer pipeline.
type Source struct {
	cfg Config

	elements *pipelineElements
	frames   chan Frame
	mu       sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics (atomic for thread-safety)
	frameCount    uint64
	framesDropped uint64
	restarts      uint32
	restartStreak int32
	started       time.Time
	lastFrameAt   time.Time

	unavailable atomic.Bool
	framesClosed atomic.Bool
}

// NewSource creates a camera source with fail-fast validation.
func NewSource(cfg Config) (*Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS < 0.1 || cfg.TargetFPS > 60 {
		return nil, fmt.Errorf("capture: invalid FPS %.2f (must be 0.1-60)", cfg.TargetFPS)
	}
	if cfg.MaxRestarts < 0 {
		return nil, fmt.Errorf("capture: invalid restart budget %d", cfg.MaxRestarts)
	}

	s := &Source{
		cfg:    cfg,
		frames: make(chan Frame, 10),
	}

	slog.Info("capture: source created",
		"device", cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"target_fps", cfg.TargetFPS,
		"max_restarts", cfg.MaxRestarts,
	)
	return s, nil
}

// Start builds the pipeline and returns a read-only channel of frames.
//
// This method returns immediately; frames arrive asynchronously once the
// pipeline reaches PLAYING. The channel stays open across automatic restarts
// and is closed only on Stop or once the restart budget is exhausted.
func (s *Source) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	if err := s.startPipeline(); err != nil {
		s.cancel = nil
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	slog.Info("capture: source started", "device", s.cfg.Device)
	return s.frames, nil
}

// startPipeline builds and starts one pipeline session. Caller holds s.mu.
func (s *Source) startPipeline() error {
	elements, err := buildPipeline(s.cfg)
	if err != nil {
		return fmt.Errorf("capture: failed to create pipeline: %w", err)
	}
	s.elements = elements

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(elements)
		return fmt.Errorf("capture: failed to start pipeline: %w", err)
	}
	return nil
}

// run supervises the pipeline, restarting it on faults within the budget.
// Once the budget is exhausted the frame channel is closed so the single
// consumer observes the device as gone.
func (s *Source) run() {
	defer s.wg.Done()

	pol := defaultRestartPolicy(s.cfg.MaxRestarts)
	err := runWithRestart(s.ctx, s.session, pol, &s.restartStreak, &s.restarts)

	if err != nil && !errors.Is(err, context.Canceled) {
		s.unavailable.Store(true)
		slog.Error("capture: source stopped after restart failure",
			"error", err,
			"uptime", time.Since(s.started),
			"frames_produced", atomic.LoadUint64(&s.frameCount),
			"restarts", atomic.LoadUint32(&s.restarts),
		)
		s.closeFrames()
	}
}

// session runs one pipeline lifetime: (re)build if needed, monitor the bus
// until fault or cancellation. Returns nil on graceful shutdown.
func (s *Source) session(ctx context.Context) error {
	s.mu.Lock()
	if s.elements == nil {
		if err := s.startPipeline(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	elements := s.elements
	s.mu.Unlock()

	err := s.monitorBus(ctx, elements)

	// The session is over either way; tear the pipeline down so the next
	// session rebuilds it from scratch.
	s.mu.Lock()
	destroyPipeline(s.elements)
	s.elements = nil
	s.mu.Unlock()

	return err
}

// monitorBus polls the pipeline bus until an error, EOS or cancellation.
func (s *Source) monitorBus(ctx context.Context, elements *pipelineElements) error {
	bus := elements.Pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("capture: context cancelled, stopping bus monitor")
			return nil
		default:
		}

		// Short timeout keeps shutdown responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("capture: end of stream received",
				"uptime", time.Since(s.started),
				"frames_produced", atomic.LoadUint64(&s.frameCount),
			)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"uptime", time.Since(s.started),
				"frames_produced", atomic.LoadUint64(&s.frameCount),
				"restarts", atomic.LoadUint32(&s.restarts),
			)
			return fmt.Errorf("pipeline error: %s", gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == elements.Pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("capture: pipeline state changed", "from", old, "to", next)
			}
		}
	}
}

// Stop gracefully shuts down the source. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		return fmt.Errorf("capture: shutdown timeout exceeded")
	}

	s.mu.Lock()
	destroyPipeline(s.elements)
	s.elements = nil
	s.cancel = nil
	s.mu.Unlock()

	s.closeFrames()
	slog.Info("capture: source stopped",
		"frames_produced", atomic.LoadUint64(&s.frameCount),
		"frames_dropped", atomic.LoadUint64(&s.framesDropped),
	)
	return nil
}

func (s *Source) closeFrames() {
	// Atomic flag prevents a double-close panic when Stop races the
	// restart supervisor.
	if s.framesClosed.CompareAndSwap(false, true) {
		close(s.frames)
	}
}

// Unavailable reports whether the restart budget has been exhausted.
func (s *Source) Unavailable() bool {
	return s.unavailable.Load()
}

// Stats returns current source statistics. Safe from any goroutine.
func (s *Source) Stats() Stats {
	frames := atomic.LoadUint64(&s.frameCount)

	s.mu.RLock()
	started := s.started
	lastFrameAt := s.lastFrameAt
	running := s.cancel != nil
	s.mu.RUnlock()

	var fpsReal float64
	if running && !started.IsZero() {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(frames) / elapsed
		}
	}

	connected := running && !s.unavailable.Load() &&
		!lastFrameAt.IsZero() && time.Since(lastFrameAt) < 5*time.Second

	return Stats{
		FrameCount:    frames,
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		Restarts:      atomic.LoadUint32(&s.restarts),
		FPSTarget:     s.cfg.TargetFPS,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		Connected:     connected,
	}
}
