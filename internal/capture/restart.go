package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// restartPolicy bounds automatic pipeline restarts after device faults.
type restartPolicy struct {
	MaxRestarts  int           // Consecutive restarts before giving up
	InitialDelay time.Duration // First retry delay
	MaxDelay     time.Duration // Delay cap
}

func defaultRestartPolicy(maxRestarts int) restartPolicy {
	return restartPolicy{
		MaxRestarts:  maxRestarts,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// runFunc runs one pipeline session. It returns nil on graceful shutdown
// (context cancelled) and an error when the pipeline faulted.
type runFunc func(ctx context.Context) error

// runWithRestart executes runFn, restarting it with exponential backoff after
// each fault. A session that ends without error (clean shutdown) stops the
// loop; a fault increments the consecutive-failure counter. The counter is
// reset by the session itself once the pipeline is healthy again (see
// Source.resetRestartStreak), so only back-to-back failures count against the
// budget.
//
// Backoff schedule with defaults: 1s, 2s, 4s, 8s, 16s, then exhausted.
//
// Returns ErrDeviceUnavailable (wrapped) once the budget is exhausted, or
// ctx.Err() on cancellation.
func runWithRestart(ctx context.Context, runFn runFunc, pol restartPolicy, streak *int32, restarts *uint32) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := runFn(ctx)
		if err == nil {
			return nil
		}

		slog.Error("capture: pipeline fault", "error", err)

		attempt := atomic.AddInt32(streak, 1)
		atomic.AddUint32(restarts, 1)

		if int(attempt) > pol.MaxRestarts {
			return fmt.Errorf("%w: restart budget exhausted (%d attempts): %v",
				ErrDeviceUnavailable, pol.MaxRestarts, err)
		}

		delay := backoffDelay(int(attempt), pol)
		slog.Warn("capture: restarting pipeline",
			"attempt", attempt,
			"max_restarts", pol.MaxRestarts,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffDelay computes delay = InitialDelay * 2^(attempt-1), capped at MaxDelay.
func backoffDelay(attempt int, pol restartPolicy) time.Duration {
	delay := pol.InitialDelay * time.Duration(1<<uint(attempt-1))
	if delay > pol.MaxDelay {
		delay = pol.MaxDelay
	}
	return delay
}
