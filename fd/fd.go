// Package fd models the per-process open-file-descriptor slot. The
// directory/inode layer that would back a real descriptor's read/write
// operations is an external collaborator of this kernel core, so Fd_t
// here is a trimmed placeholder: just enough state (device, permissions,
// file offset) for the process table to own an array of NOFILE slots
// and for fork to duplicate them, without depending on the
// file-operations and path-resolution packages. It has no file
// operations and no reference count; Copyfd makes an independent copy.
package fd

import "kernel/defs"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd_t represents one open file descriptor slot.
type Fd_t struct {
	Dev   uint  /// device identifier, see defs.Mkdev
	Perms int   /// permission bits
	Off   int64 /// current file offset
}

/// Copyfd duplicates an open file descriptor, the operation fork()
/// performs on every slot of the parent's Ofile array.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	if f == nil {
		return nil, 0
	}
	nfd := *f
	return &nfd, 0
}
