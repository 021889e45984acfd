package defs

/// Err_t is the kernel's error-code type: 0 means success, negative values
/// mirror errno-style failure codes returned up to a syscall boundary.
type Err_t int

const (
	EBIG   Err_t = -1 /// request too large for a fixed-size resource
	EINVAL Err_t = -2 /// invalid argument or state
	ENOMEM Err_t = -3 /// out of memory
	ENOENT Err_t = -4 /// no such process/child/entry
	EPERM  Err_t = -5 /// operation not permitted
)

/// Pid_t is a process identifier.
type Pid_t int
