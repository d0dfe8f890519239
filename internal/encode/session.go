package encode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Waupie/home-security-camera/internal/capture"
)

// Accel selects the H.264 encoder element for a recording session.
type Accel int

const (
	// AccelAuto tries the V4L2 hardware encoder first, then software.
	AccelAuto Accel = iota
	// AccelHardware requires v4l2h264enc.
	AccelHardware
	// AccelSoftware forces x264enc.
	AccelSoftware
)

var (
	// ErrSessionClosed is returned by Push after Close.
	ErrSessionClosed = errors.New("encode: session closed")
)

// SessionConfig describes one recording session.
type SessionConfig struct {
	// Path is the output file (normally a temporary name; the caller
	// renames after a successful flush).
	Path string
	// Width and Height must match the frames that will be pushed.
	Width  int
	Height int
	// FPS is the nominal frame rate declared to the container.
	FPS float64
	// Bitrate is the target encoder bitrate in bits per second.
	Bitrate int
	// Acceleration selects the encoder element.
	Acceleration Accel
}

// Session is a stateful H.264 encoder session writing an MP4 file.
//
// Frames are pushed in capture order; a gap (dropped frame) is tolerated and
// does not abort the recording, since appsrc timestamps buffers on arrival.
// Close flushes the encoder and finalizes the container; the file is not
// valid until Close returns nil.
type Session struct {
	cfg      SessionConfig
	pipeline *gst.Pipeline
	src      *app.Source

	mu     sync.Mutex
	closed bool
	pushed uint64
}

// OpenSession builds and starts the recording pipeline:
//
//	appsrc → videoconvert → {v4l2h264enc | x264enc} → h264parse → mp4mux → filesink
//
// The appsrc runs live with do-timestamp, so wall-clock pacing of pushes
// determines frame timing in the output.
func OpenSession(cfg SessionConfig) (*Session, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("encode: output path is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("encode: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("encode: failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("encode: failed to create appsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("block", false)
	src.SetProperty("format", int(gst.FormatTime))
	capsStr := fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		cfg.Width, cfg.Height, int(cfg.FPS),
	)
	src.SetProperty("caps", gst.NewCapsFromString(capsStr))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("encode: failed to create videoconvert: %w", err)
	}

	encoder, hardware, err := newEncoderElement(cfg)
	if err != nil {
		return nil, err
	}

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("encode: failed to create h264parse: %w", err)
	}

	muxer, err := gst.NewElement("mp4mux")
	if err != nil {
		return nil, fmt.Errorf("encode: failed to create mp4mux: %w", err)
	}

	sink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("encode: failed to create filesink: %w", err)
	}
	sink.SetProperty("location", cfg.Path)

	if err := pipeline.AddMany(src.Element, converter, encoder, parser, muxer, sink); err != nil {
		return nil, fmt.Errorf("encode: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, converter, encoder, parser, muxer, sink); err != nil {
		return nil, fmt.Errorf("encode: failed to link elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encode: failed to start recording pipeline: %w", err)
	}

	slog.Info("encode: recording session opened",
		"path", cfg.Path,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"bitrate", cfg.Bitrate,
		"hardware", hardware,
	)

	return &Session{cfg: cfg, pipeline: pipeline, src: src}, nil
}

// newEncoderElement picks the H.264 encoder per the acceleration mode.
func newEncoderElement(cfg SessionConfig) (*gst.Element, bool, error) {
	makeSoftware := func() (*gst.Element, error) {
		enc, err := gst.NewElement("x264enc")
		if err != nil {
			return nil, fmt.Errorf("encode: failed to create x264enc: %w", err)
		}
		// x264enc takes kbit/s.
		enc.SetProperty("bitrate", uint(cfg.Bitrate/1000))
		enc.SetProperty("key-int-max", 60)
		return enc, nil
	}

	switch cfg.Acceleration {
	case AccelHardware:
		enc, err := gst.NewElement("v4l2h264enc")
		if err != nil {
			return nil, false, fmt.Errorf("encode: hardware encoder not available (v4l2h264enc required): %w", err)
		}
		return enc, true, nil

	case AccelSoftware:
		enc, err := makeSoftware()
		if err != nil {
			return nil, false, err
		}
		slog.Info("encode: using x264 software encoder")
		return enc, false, nil

	default: // AccelAuto
		enc, err := gst.NewElement("v4l2h264enc")
		if err == nil {
			slog.Info("encode: using V4L2 hardware encoder")
			return enc, true, nil
		}
		slog.Warn("encode: v4l2h264enc not available, falling back to x264enc", "error", err)
		enc, err = makeSoftware()
		if err != nil {
			return nil, false, err
		}
		return enc, false, nil
	}
}

// Push feeds one raw frame into the encoder. Frames must arrive in capture
// order; Push never blocks on the encoder for long (the appsrc is
// non-blocking).
func (s *Session) Push(f capture.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	buf := gst.NewBufferFromBytes(f.Data)
	if ret := s.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("encode: push failed: flow return %v (seq %d)", ret, f.Seq)
	}
	s.pushed++
	return nil
}

// Pushed returns the number of frames accepted so far.
func (s *Session) Pushed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

// Close sends EOS, waits for the muxer to flush and finalizes the file.
// The output is only complete after Close returns nil. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pushed := s.pushed
	s.mu.Unlock()

	// EOS propagates through encoder and muxer; the muxer writes its moov
	// atom only after draining, so we must wait for EOS on the bus before
	// tearing down.
	s.src.EndStream()

	err := s.waitEOS(5 * time.Second)
	s.pipeline.SetState(gst.StateNull)

	if err != nil {
		return fmt.Errorf("encode: finalize failed: %w", err)
	}

	slog.Info("encode: recording session closed",
		"path", s.cfg.Path,
		"frames", pushed,
	)
	return nil
}

func (s *Session) waitEOS(timeout time.Duration) error {
	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error during flush: %s", gerr.Error())
		}
	}
	return fmt.Errorf("timeout waiting for EOS")
}
