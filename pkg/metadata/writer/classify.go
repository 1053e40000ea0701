package writer

import (
	"context"
	"errors"
	"syscall"

	"github.com/conceptfab/dirmeta/pkg/metadata"
)

// classifyIOError wraps an I/O failure in a StoreError. Exhausted resources
// (disk space, quota, file descriptors) are reported as such; everything else
// is transient.
func classifyIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var se *metadata.StoreError
	if errors.As(err, &se) {
		return err
	}

	switch {
	case errors.Is(err, metadata.ErrLockTimeout):
		return metadata.NewError(metadata.ErrTransient, op, path, "lock timeout", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metadata.NewError(metadata.ErrTransient, op, path, "cancelled", err)
	case errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE):
		return metadata.NewError(metadata.ErrResourceExhausted, op, path, "resource exhausted", err)
	default:
		return metadata.NewError(metadata.ErrTransient, op, path, "I/O failure", err)
	}
}
