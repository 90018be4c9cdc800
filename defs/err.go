package defs

import "fmt"

// Err_t is a kernel result code: 0 on success, a negative errno on failure.
// Every operation in the execution core returns one instead of Go's error
// interface so it can cross the syscall boundary verbatim as a register
// value.
type Err_t int

// Errno values surfaced at the core boundary (see spec §7). These are the
// positive magnitudes, matching vm.Sys_pgfault's "-defs.EINVAL" call
// convention: call sites negate the constant at the return statement, so
// the constant itself stays a plain positive errno.
const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	EINTR        Err_t = 4
	EIO          Err_t = 5
	ENOMEM       Err_t = 12
	EACCES       Err_t = 13
	EFAULT       Err_t = 14
	EEXIST       Err_t = 17
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	ENODEV       Err_t = 19
	EMFILE       Err_t = 24
	ENOSPC       Err_t = 28
	ESPIPE       Err_t = 29
	EPIPE        Err_t = 32
	ENAMETOOLONG Err_t = 36
	ENOSYS       Err_t = 38
	ETIMEDOUT    Err_t = 110
	// ENOHEAP is biscuit's own extension: a resource-accounting reservation
	// failed before an operation that would otherwise grow the kernel heap
	// under a caller holding locks.
	ENOHEAP Err_t = 200
)

func (e Err_t) Error() string {
	return fmt.Sprintf("errno %d", int(e))
}

// Tid_t identifies a single schedulable thread of execution within a task.
type Tid_t int

// Pid_t identifies a task (process) by its globally unique id.
type Pid_t int
