package writer

import (
	"context"
	"time"
)

// Locker acquires the advisory lock guarding a document.
//
// Lock blocks until the lock is held, the timeout elapses or ctx is done. On
// timeout it must return an error wrapping metadata.ErrLockTimeout. The
// returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error)
}

// LockerFunc adapts a function to the Locker interface.
type LockerFunc func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error)

func (f LockerFunc) Lock(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
	return f(ctx, lockPath, timeout)
}

// waitPoll sleeps for the poll interval or until the deadline, whichever is
// sooner. It returns ctx.Err() if the context ends first.
func waitPoll(ctx context.Context, poll time.Duration, deadline time.Time) error {
	wait := min(poll, time.Until(deadline))
	if wait <= 0 {
		return nil
	}
	return sleepContext(ctx, wait)
}
