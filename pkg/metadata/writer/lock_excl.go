//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package writer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
)

// staleLockAge is how old an exclusive lock file must be before it is assumed
// to belong to a crashed process.
const staleLockAge = 5 * time.Minute

// exclLocker emulates an advisory lock with an exclusively created file on
// platforms without flock.
type exclLocker struct {
	pollInterval time.Duration
}

func newFileLocker(pollInterval time.Duration) Locker {
	return exclLocker{pollInterval: pollInterval}
}

func (l exclLocker) Lock(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_ = f.Close()
			return func() error { return os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > staleLockAge {
			logger.Warn("Removing stale lock file %s (age %v)", lockPath, time.Since(info.ModTime()))
			_ = os.Remove(lockPath)
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w after %v: %s", metadata.ErrLockTimeout, timeout, lockPath)
		}
		if err := waitPoll(ctx, l.pollInterval, deadline); err != nil {
			return nil, err
		}
	}
}
