package registry

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
)

// caseInsensitiveFS is true on platforms whose default filesystems fold case.
var caseInsensitiveFS = runtime.GOOS == "darwin" || runtime.GOOS == "windows"

var errEmptyPath = errors.New("empty directory path")

// normalizePath returns the handle-table key for dir and the cleaned absolute
// path used to open the store.
//
// Relative paths are resolved against the working directory, redundant
// separators and dot segments are removed, and symlinks are resolved when the
// path exists. On case-insensitive platforms the key is lower-cased so that
// differently cased spellings share one store.
func normalizePath(dir string) (key, cleaned string, err error) {
	if strings.TrimSpace(dir) == "" {
		return "", "", errEmptyPath
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	key = abs
	if caseInsensitiveFS {
		key = strings.ToLower(abs)
	}
	return key, abs, nil
}
