package writer

import (
	"context"
	"time"
)

// slowFilesystemMultiplier is applied when the document lives on a network or
// FUSE filesystem.
const slowFilesystemMultiplier = 3.0

// computeLockTimeout scales the base timeout with the document size and the
// host I/O factor, capped at LockTimeoutCap.
func computeLockTimeout(cfg Config, size int64, factor float64) time.Duration {
	if factor <= 0 {
		factor = 1
	}
	mib := float64(size) / float64(1<<20)

	timeout := (float64(cfg.LockTimeoutBase) + float64(cfg.LockTimeoutPerMB)*mib) * factor
	if timeout > float64(cfg.LockTimeoutCap) {
		return cfg.LockTimeoutCap
	}
	return time.Duration(timeout)
}

// backoffDelay returns the wait after the given failed attempt (1-based):
// base, 2*base, 4*base ... capped at maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
