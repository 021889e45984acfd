//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// openFileBackend opens path through unix.Open with O_SYNC, the same
// per-OS-build-tag approach smoynes/elsie's tty package uses to reach
// golang.org/x/sys/unix directly rather than through os.OpenFile. Every
// write is synchronous, standing in for PIO's lack of a write-behind
// cache. O_DIRECT is deliberately not set: it additionally demands
// device-sector-aligned file offsets, and the backing image's required
// alignment is a property of the host filesystem this driver has no way
// to discover, so forcing it would trade one hazard for another instead
// of removing it.
func openFileBackend(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_SYNC, 0o644)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}
