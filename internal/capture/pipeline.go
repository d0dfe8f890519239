package capture

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineElements holds references to the GStreamer elements that outlive
// construction. They are needed for shutdown and bus monitoring.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Source   *gst.Element
}

// buildPipeline creates and configures the camera capture pipeline.
//
// Pipeline structure:
//
//	<source> → videoconvert → videoscale → videorate → capsfilter → appsink
//
// where <source> is libcamerasrc (Raspberry Pi sensor), v4l2src (explicit
// device path) or videotestsrc (dev mode without hardware). The capsfilter
// locks RGB format, resolution and the target frame rate, so pacing happens
// inside GStreamer and the appsink sees exactly the configured rate.
//
// The pipeline is configured but NOT started (state remains NULL).
func buildPipeline(cfg Config) (*pipelineElements, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	source, err := newSourceElement(cfg.Device)
	if err != nil {
		return nil, err
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // 0 = auto-detect cores

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)     // Only drop frames, never duplicate
	videorate.SetProperty("skip-to-first", true) // Skip to first frame on start

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := buildFramerateCaps(cfg.Width, cfg.Height, cfg.TargetFPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // No sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames
	appsink.SetProperty("qos", true)      // Upstream drop notifications

	if err := pipeline.AddMany(source, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add elements to pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(source, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Info("capture: pipeline created",
		"source", source.GetFactory().GetName(),
		"caps", capsStr,
	)

	return &pipelineElements{
		Pipeline: pipeline,
		AppSink:  appsink,
		Source:   source,
	}, nil
}

// newSourceElement selects and configures the camera source element.
func newSourceElement(device string) (*gst.Element, error) {
	switch device {
	case "test":
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		slog.Warn("capture: no camera configured, using synthetic frames (dev mode)")
		return src, nil

	case "":
		// Auto-detect: libcamera stack first (Raspberry Pi), then plain V4L2.
		src, err := gst.NewElement("libcamerasrc")
		if err == nil {
			slog.Info("capture: using libcamerasrc")
			return src, nil
		}
		slog.Warn("capture: libcamerasrc not available, falling back to v4l2src", "error", err)
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("no camera source available: %w", err)
		}
		return src, nil

	default:
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", device)
		slog.Info("capture: using v4l2src", "device", device)
		return src, nil
	}
}

// destroyPipeline sets the pipeline to NULL and releases all resources.
// Safe to call on an already destroyed pipeline.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// onNewSample is called by GStreamer when a new frame is available.
//
// It pulls the sample, copies the pixel data (GStreamer reuses the buffer),
// and hands the frame to the channel with a non-blocking send. A full channel
// drops the frame: latency beats completeness for a live preview.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad sample must not kill the whole pipeline.
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&s.frameCount, 1)

	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	// The source is healthy once frames flow: reset the restart streak so
	// only back-to-back failures count against the budget.
	atomic.StoreInt32(&s.restartStreak, 0)

	s.mu.Lock()
	s.lastFrameAt = frame.Timestamp
	s.mu.Unlock()

	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.framesDropped, 1)
		slog.Debug("capture: dropping frame, channel full",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// buildFramerateCaps builds a caps string with a framerate constraint.
//
// Handles fractional framerates:
//   - fps >= 1.0: framerate = fps/1 (e.g. 30.0 → 30/1)
//   - fps < 1.0: framerate = 1/(1/fps) (e.g. 0.5 → 1/2)
func buildFramerateCaps(width, height int, fps float64) string {
	numerator := 1
	denominator := 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator,
	)
}
