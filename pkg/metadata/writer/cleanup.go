package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
)

// removeLeftovers deletes temporary files left behind by interrupted writes.
// Temporary files are only created while the lock is held, so any match seen
// under the lock is an orphan. Failures are logged and otherwise ignored.
//
// Must be called with the advisory lock held.
func (w *AtomicWriter) removeLeftovers() {
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("Failed to scan %s for leftover temporary files: %v", dir, err)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".tmp") {
			continue
		}

		leftover := filepath.Join(dir, name)
		if err := os.Remove(leftover); err != nil {
			logger.Warn("Failed to remove leftover temporary file %s: %v", leftover, err)
			continue
		}
		logger.Info("Removed leftover temporary file %s", leftover)
	}
}

// quarantine renames the current document aside so it is kept for
// inspection. Must be called with the advisory lock held.
func (w *AtomicWriter) quarantine() (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", w.path, time.Now().UnixNano())
	if err := os.Rename(w.path, dest); err != nil {
		return "", err
	}
	if w.cfg.Fsync {
		syncDir(filepath.Dir(w.path))
	}
	return dest, nil
}

// syncDir flushes directory metadata so a completed rename survives a crash.
// Best effort: not every platform supports syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer func() { _ = d.Close() }()

	if err := d.Sync(); err != nil {
		logger.Debug("Directory sync of %s failed: %v", dir, err)
	}
}
