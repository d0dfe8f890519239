package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults verifies a bare environment produces a usable config.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTPAddr != ":5000" {
		t.Errorf("Expected :5000, got %s", cfg.HTTPAddr)
	}
	if cfg.Width != 1920 || cfg.Height != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS != 30.0 {
		t.Errorf("Expected 30 FPS, got %.1f", cfg.TargetFPS)
	}
	if cfg.RecordSeconds != 10 {
		t.Errorf("Expected 10s recordings, got %d", cfg.RecordSeconds)
	}
	if cfg.Acceleration != AccelAuto {
		t.Errorf("Expected auto acceleration, got %s", cfg.Acceleration)
	}
	if cfg.SubscriberQueueDepth != 3 {
		t.Errorf("Expected queue depth 3, got %d", cfg.SubscriberQueueDepth)
	}
	if cfg.MotionActivateAfter != 2 || cfg.MotionDeactivateAfter != 2 {
		t.Errorf("Expected debounce 2/2, got %d/%d",
			cfg.MotionActivateAfter, cfg.MotionDeactivateAfter)
	}
}

// TestLoadOverrides verifies environment variables win over defaults.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("STREAM_WIDTH", "1280")
	t.Setenv("STREAM_HEIGHT", "720")
	t.Setenv("HWACCEL", "software")
	t.Setenv("RESULT_GRACE", "30s")
	t.Setenv("MOTION_AREA_RATIO", "0.10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Width != 1280 || cfg.Height != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Acceleration != AccelSoftware {
		t.Errorf("Expected software acceleration, got %s", cfg.Acceleration)
	}
	if cfg.ResultGrace != 30*time.Second {
		t.Errorf("Expected 30s grace, got %s", cfg.ResultGrace)
	}
	if cfg.MotionAreaRatio != 0.10 {
		t.Errorf("Expected area ratio 0.10, got %.2f", cfg.MotionAreaRatio)
	}
}

// TestLoadValidation verifies broken configuration is rejected fail-fast.
func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"bad fps", "TARGET_FPS", "120", "TARGET_FPS"},
		{"bad quality", "JPEG_QUALITY", "0", "JPEG_QUALITY"},
		{"bad accel", "HWACCEL", "quantum", "HWACCEL"},
		{"bad debounce", "MOTION_ACTIVATE_AFTER", "0", "debounce"},
		{"bad queue depth", "SUBSCRIBER_QUEUE_DEPTH", "0", "SUBSCRIBER_QUEUE_DEPTH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Expected error for %s=%s", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not mention %q", err, tt.want)
			}
		})
	}
}
