//go:build linux

package writer

import (
	"golang.org/x/sys/unix"
)

// Filesystem magic numbers reported by statfs(2) for remote and FUSE mounts.
const (
	nfsSuperMagic  = 0x6969
	smbSuperMagic  = 0x517b
	cifsSuperMagic = 0xff534d42
	smb2SuperMagic = 0xfe534d42
	fuseSuperMagic = 0x65735546
	afsSuperMagic  = 0x5346414f
	cephSuperMagic = 0x00c36400
)

// slowFilesystemFactor returns slowFilesystemMultiplier when dir lives on a
// network or FUSE filesystem, 1 otherwise (including when statfs fails).
func slowFilesystemFactor(dir string) float64 {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 1
	}

	switch uint32(st.Type) {
	case nfsSuperMagic, smbSuperMagic, cifsSuperMagic, smb2SuperMagic,
		fuseSuperMagic, afsSuperMagic, cephSuperMagic:
		return slowFilesystemMultiplier
	}
	return 1
}
