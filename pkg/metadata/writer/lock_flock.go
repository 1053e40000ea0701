//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"golang.org/x/sys/unix"
)

// flockLocker takes a BSD flock on the lock file. flock locks belong to the
// open file description, so two handles inside one process exclude each other
// just like two processes do.
type flockLocker struct {
	pollInterval time.Duration
}

func newFileLocker(pollInterval time.Duration) Locker {
	return flockLocker{pollInterval: pollInterval}
}

func (l flockLocker) Lock(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() error {
				return errors.Join(unix.Flock(fd, unix.LOCK_UN), f.Close())
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}

		if !time.Now().Before(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w after %v: %s", metadata.ErrLockTimeout, timeout, lockPath)
		}
		if err := waitPoll(ctx, l.pollInterval, deadline); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
}
