// Package config loads the application configuration from the environment.
//
// Every knob has a default that matches the original deployment (a single
// Raspberry Pi camera streaming 1920x1080 at 30 FPS), so a bare process with
// no environment at all comes up in a usable state. A `.env` file is honored
// when present (loaded by cmd/homecam before Load is called).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Accel selects the H.264 encoder used for recordings.
type Accel int

const (
	// AccelAuto tries the hardware encoder first and falls back to software.
	AccelAuto Accel = iota
	// AccelHardware requires the V4L2 hardware encoder (fails fast if absent).
	AccelHardware
	// AccelSoftware forces x264 software encoding.
	AccelSoftware
)

// String returns a human-readable string representation of the mode.
func (a Accel) String() string {
	switch a {
	case AccelHardware:
		return "hardware"
	case AccelSoftware:
		return "software"
	default:
		return "auto"
	}
}

// Config holds the full runtime configuration.
type Config struct {
	// HTTPAddr is the listen address for the HTTP boundary.
	HTTPAddr string

	// Stream geometry and rate.
	Width       int
	Height      int
	TargetFPS   float64
	JPEGQuality int

	// CameraDevice selects the sensor: "" auto-detects the camera,
	// "test" uses a synthetic source (dev mode, no hardware required).
	CameraDevice string

	// MaxRestarts bounds automatic pipeline restarts after a device fault.
	MaxRestarts int

	// Recording.
	RecordSeconds  int
	RecordingsDir  string
	Acceleration   Accel
	RecordBitrate  int
	ResultGrace    time.Duration

	// Remote video API. Empty URL or key disables mirroring.
	VideoAPIURL   string
	VideoAPIKey   string
	UploadRetries int

	// Motion detection tuning.
	MotionSampleEvery     int
	MotionPixelThreshold  uint8
	MotionAreaRatio       float64
	MotionActivateAfter   int
	MotionDeactivateAfter int

	// SubscriberQueueDepth is the per-viewer bounded frame queue.
	SubscriberQueueDepth int
}

// Load reads configuration from the environment, applying defaults for
// anything unset. It validates the result fail-fast: a process with a broken
// configuration should never reach the camera.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:              envStr("HTTP_ADDR", ":5000"),
		Width:                 envInt("STREAM_WIDTH", 1920),
		Height:                envInt("STREAM_HEIGHT", 1080),
		TargetFPS:             envFloat("TARGET_FPS", 30.0),
		JPEGQuality:           envInt("JPEG_QUALITY", 80),
		CameraDevice:          envStr("CAMERA_DEVICE", ""),
		MaxRestarts:           envInt("MAX_RESTARTS", 5),
		RecordSeconds:         envInt("RECORD_SECONDS", 10),
		RecordingsDir:         envStr("RECORDINGS_DIR", "./recordings"),
		RecordBitrate:         envInt("RECORD_BITRATE", 10_000_000),
		ResultGrace:           envDuration("RESULT_GRACE", 60*time.Second),
		VideoAPIURL:           envStr("VIDEO_API_URL", ""),
		VideoAPIKey:           envStr("VIDEO_API_KEY", ""),
		UploadRetries:         envInt("UPLOAD_RETRIES", 3),
		MotionSampleEvery:     envInt("MOTION_SAMPLE_EVERY", 1),
		MotionPixelThreshold:  uint8(envInt("MOTION_PIXEL_THRESHOLD", 40)),
		MotionAreaRatio:       envFloat("MOTION_AREA_RATIO", 0.05),
		MotionActivateAfter:   envInt("MOTION_ACTIVATE_AFTER", 2),
		MotionDeactivateAfter: envInt("MOTION_DEACTIVATE_AFTER", 2),
		SubscriberQueueDepth:  envInt("SUBSCRIBER_QUEUE_DEPTH", 3),
	}

	switch envStr("HWACCEL", "auto") {
	case "auto":
		cfg.Acceleration = AccelAuto
	case "hardware":
		cfg.Acceleration = AccelHardware
	case "software":
		cfg.Acceleration = AccelSoftware
	default:
		return nil, fmt.Errorf("config: invalid HWACCEL %q (must be auto, hardware or software)", os.Getenv("HWACCEL"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("config: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.TargetFPS < 0.1 || c.TargetFPS > 60 {
		return fmt.Errorf("config: invalid TARGET_FPS %.2f (must be 0.1-60)", c.TargetFPS)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: invalid JPEG_QUALITY %d (must be 1-100)", c.JPEGQuality)
	}
	if c.RecordSeconds <= 0 {
		return fmt.Errorf("config: invalid RECORD_SECONDS %d", c.RecordSeconds)
	}
	if c.MotionActivateAfter < 1 || c.MotionDeactivateAfter < 1 {
		return fmt.Errorf("config: motion debounce thresholds must be >= 1")
	}
	if c.MotionSampleEvery < 1 {
		return fmt.Errorf("config: MOTION_SAMPLE_EVERY must be >= 1")
	}
	if c.SubscriberQueueDepth < 1 {
		return fmt.Errorf("config: SUBSCRIBER_QUEUE_DEPTH must be >= 1")
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("config: UPLOAD_RETRIES must be >= 0")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
