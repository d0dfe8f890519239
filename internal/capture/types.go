package capture

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyStarted is returned by Start on a running source.
	ErrAlreadyStarted = errors.New("capture: source already started")
	// ErrDeviceUnavailable is returned once the restart budget is exhausted.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
)

// Frame is a single raw RGB frame with metadata. The buffer is owned by the
// receiver once delivered; the source never retains it.
type Frame struct {
	// Seq is the monotonic sequence number.
	Seq uint64
	// Timestamp is when the frame left the pipeline.
	Timestamp time.Time
	// Width in pixels.
	Width int
	// Height in pixels.
	Height int
	// Data is the raw RGB pixel buffer (3 bytes per pixel, row-major).
	Data []byte
	// TraceID is a unique identifier for tracing a frame through the system.
	TraceID string
}

// Stats contains current source statistics. All counters are updated
// atomically during operation and safe to read from any goroutine.
type Stats struct {
	// FrameCount is the total number of frames produced.
	FrameCount uint64
	// FramesDropped is the total number of frames dropped (channel full).
	FramesDropped uint64
	// Restarts is the number of pipeline restarts after device faults.
	Restarts uint32
	// FPSTarget is the configured target FPS.
	FPSTarget float64
	// FPSReal is the measured FPS since start.
	FPSReal float64
	// Resolution is the frame resolution (e.g. "1920x1080").
	Resolution string
	// Connected reports whether the pipeline is currently producing frames.
	Connected bool
}

// Config describes the camera source.
type Config struct {
	// Device selects the sensor. "" auto-detects (libcamera first, then
	// V4L2), "test" uses a synthetic live source, anything else is used as
	// a V4L2 device path (e.g. /dev/video0).
	Device string
	// Width and Height are the capture resolution.
	Width  int
	Height int
	// TargetFPS is the target frame rate (0.1 - 60).
	TargetFPS float64
	// MaxRestarts bounds consecutive pipeline restarts after a fault.
	MaxRestarts int
}
