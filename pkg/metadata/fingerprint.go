package metadata

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// Fingerprint is a cheap summary of the sidecar file on disk, used to detect
// modifications made behind the engine's back.
type Fingerprint struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

// Equal compares two fingerprints.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.Exists != o.Exists {
		return false
	}
	if !f.Exists {
		return true
	}
	return f.Size == o.Size && f.ModTime.Equal(o.ModTime)
}

// FingerprintOf stats path. A missing file yields a zero fingerprint with
// Exists=false and no error.
func FingerprintOf(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Fingerprint{}, nil
		}
		return Fingerprint{}, err
	}
	return Fingerprint{Exists: true, Size: info.Size(), ModTime: info.ModTime()}, nil
}
