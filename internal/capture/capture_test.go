package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestBackoffDelay verifies the exponential schedule and its cap.
func TestBackoffDelay(t *testing.T) {
	pol := restartPolicy{
		MaxRestarts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, pol); got != tt.want {
			t.Errorf("attempt %d: expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}

// TestRunWithRestartBudget verifies persistent faults exhaust the budget and
// surface ErrDeviceUnavailable.
func TestRunWithRestartBudget(t *testing.T) {
	pol := restartPolicy{
		MaxRestarts:  2,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}

	var streak int32
	var restarts uint32
	calls := 0

	err := runWithRestart(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("simulated device fault")
	}, pol, &streak, &restarts)

	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	// Initial attempt + 2 restarts.
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if restarts != 3 {
		t.Errorf("Expected 3 recorded restarts, got %d", restarts)
	}
}

// TestRunWithRestartCleanShutdown verifies a nil session result stops the loop.
func TestRunWithRestartCleanShutdown(t *testing.T) {
	var streak int32
	var restarts uint32

	err := runWithRestart(context.Background(), func(ctx context.Context) error {
		return nil
	}, defaultRestartPolicy(5), &streak, &restarts)

	if err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if restarts != 0 {
		t.Errorf("Expected no restarts, got %d", restarts)
	}
}

// TestRunWithRestartCancellation verifies cancellation wins over backoff.
func TestRunWithRestartCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	pol := restartPolicy{
		MaxRestarts:  100,
		InitialDelay: 10 * time.Second, // long backoff: cancel must interrupt it
		MaxDelay:     10 * time.Second,
	}

	var streak int32
	var restarts uint32
	done := make(chan error, 1)
	go func() {
		done <- runWithRestart(ctx, func(ctx context.Context) error {
			return fmt.Errorf("fault")
		}, pol, &streak, &restarts)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("runWithRestart did not return after cancellation")
	}
}

// TestNewSourceValidation verifies fail-fast construction.
func TestNewSourceValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero resolution", Config{Width: 0, Height: 1080, TargetFPS: 30}},
		{"fps too low", Config{Width: 1920, Height: 1080, TargetFPS: 0.01}},
		{"fps too high", Config{Width: 1920, Height: 1080, TargetFPS: 120}},
		{"negative budget", Config{Width: 1920, Height: 1080, TargetFPS: 30, MaxRestarts: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSource(tt.cfg); err == nil {
				t.Errorf("Expected error for %+v", tt.cfg)
			}
		})
	}
}

// TestBuildFramerateCaps covers integer and fractional rates.
func TestBuildFramerateCaps(t *testing.T) {
	tests := []struct {
		fps  float64
		want string
	}{
		{30.0, "video/x-raw,format=RGB,width=1920,height=1080,framerate=30/1"},
		{1.0, "video/x-raw,format=RGB,width=1920,height=1080,framerate=1/1"},
		{0.5, "video/x-raw,format=RGB,width=1920,height=1080,framerate=1/2"},
	}

	for _, tt := range tests {
		if got := buildFramerateCaps(1920, 1080, tt.fps); got != tt.want {
			t.Errorf("fps %.1f: expected %q, got %q", tt.fps, tt.want, got)
		}
	}
}
