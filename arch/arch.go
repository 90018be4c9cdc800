// Package arch isolates the handful of primitives that, on real hardware,
// would be satisfied by assembly stubs linked into a patched runtime (the
// way biscuit's mem and vm packages call runtime.Cpuid, runtime.CPUHint,
// runtime.Rdtsc, and runtime.Rcr4). This module does not carry a patched
// toolchain, so the same contract is expressed as ordinary Go functions
// with a documented hardware meaning; a port to bare metal replaces only
// this package.
package arch

import (
	"sync/atomic"
	"time"
)

// MaxCPUs bounds the number of logical CPUs the scheduler and physical
// memory allocator keep per-CPU shadow state for.
const MaxCPUs = 64

// cpuTLS holds the id the scheduler's per-CPU loop last pinned with
// SetCPUHint. Go has no per-goroutine TLS, so this is a single package-wide
// slot: correct only while one goroutine per physical CPU calls SetCPUHint
// from its own dedicated run loop and no other goroutine calls CPUHint
// concurrently, which is how sched drives it (see sched's per-CPU loop).
var cpuTLS atomic.Int64

// CPUHint returns the logical CPU id the scheduler's run loop last pinned
// with SetCPUHint, used to index per-CPU free lists and run queues. Real
// hardware reads this from a per-CPU GS-relative slot.
func CPUHint() int {
	return int(cpuTLS.Load())
}

// SetCPUHint pins the reported CPU id. Called by the scheduler's per-CPU
// loop once at startup.
func SetCPUHint(id int) {
	cpuTLS.Store(int64(id))
}

// Rdtsc returns a monotonically increasing cycle-ish counter used for
// lightweight timing statistics. On real hardware this is the RDTSC
// instruction; nanosecond wall-clock time is an adequate stand-in for a
// kernel that does not promise cycle-accurate results.
func Rdtsc() uint64 {
	return uint64(time.Now().UnixNano())
}

// PagingCaps reports the paging-related CPU features the page-table
// manager conditions its huge-page and global-page strategy on (see
// mem.Dmap_init's cpuid probes for PDPE1GB and PGE).
type PagingCaps struct {
	GBPages    bool // 1GB (PDPE1GB) pages supported
	GlobalPage bool // PTE_G / CR4.PGE supported
}

// ProbeCaps reports the paging capabilities of the current CPU. A real
// port issues CPUID leaves 0x80000001 and 0x1; this module assumes the
// common baseline of a modern 64-bit CPU booted with global pages enabled.
func ProbeCaps() PagingCaps {
	return PagingCaps{GBPages: true, GlobalPage: true}
}

// Context is the saved integer register file a context switch swaps, the
// stand-in for the assembly-only struct biscuit's scheduler saves onto a
// thread's kernel stack before calling into runtime.Gptr/Setgptr. task
// uses this explicit struct instead, since this module has no patched
// runtime to hand it a goroutine-shaped continuation.
type Context struct {
	Rsp, Rbp                uintptr
	Rbx, R12, R13, R14, R15 uintptr
	Rip                     uintptr
	Cr3                     uintptr // root page-table frame, for address-space switch
	// FSBase is the per-task TLS base a context switch installs into the
	// FS segment register (task.Task.TLSBase mirrors this into new tasks
	// created by fork/exec; see spec §4.6).
	FSBase uintptr
}

// InstallTLS sets the FS-base-equivalent TLS pointer for the task about to
// run. Real hardware issues wrmsr(MSR_FS_BASE, base); this module has no
// MSR to write, so the value is recorded on the context for the caller
// (normally a per-CPU segment-register slot on real hardware) to consult.
func (c *Context) InstallTLS(base uintptr) {
	c.FSBase = base
}
