// Package fdops declares the interfaces a file descriptor's backing object
// must satisfy to be installed behind an fd.Fd_t and, where the object is
// mmap-able, behind a VM map file-backed region. Grounded on vm/as.go's use
// of fdops.Fdops_i (Vmadd_file/Vmadd_sharefile) and fdops.Userio_i
// (Userdmap8_inner-style transfers), and on vm/userbuf.go's Userbuf_t, which
// is the canonical Userio_i implementation.
package fdops

import (
	"gokernel/defs"
	"gokernel/pmm"
	"gokernel/stat"
)

// Userio_i abstracts a source or sink for a data transfer so that kernel
// code copying to or from a descriptor need not know whether the other end
// is user virtual memory (vm.Userbuf_t), an iovec array, or a kernel buffer
// standing in for one (vm.Fakeubuf_t).
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Ready_t is a bitmask of poll readiness conditions.
type Ready_t uint8

const (
	R_READ Ready_t = 1 << iota
	R_WRITE
	R_ERROR
	R_HUP
)

// Pollmsg_t carries the events a waiter cares about and identifies the
// waiting thread so a later readiness change can wake it.
type Pollmsg_t struct {
	Events Ready_t
	Tid    defs.Tid_t
}

// Mmapinfo_t describes one physical page backing a file-mapped VM region,
// returned by Fdops_i.Mmapi so the VM map's fault handler can install it
// without the backing object knowing about page tables.
type Mmapinfo_t struct {
	Pg    *pmm.Pg_t
	Phys  pmm.Pa_t
	Perms pmm.Pa_t
}

// Unpin_i is called when a shared file-backed region's page is evicted or
// unmapped, letting the backing object (normally the page cache) drop its
// pin on the frame.
type Unpin_i interface {
	Unpin(pmm.Pa_t)
}

// Dirtier_i is the backing-object half of the VM map's write-fault path on
// a shared file mapping: NotifyDirty(offset) tells the object the cached
// page covering offset has been written through a mapping, so it must be
// marked dirty and scheduled for write-back.
type Dirtier_i interface {
	NotifyDirty(offset int)
}

// Fdops_i is the set of operations every open file descriptor's backing
// object implements. Unsupported operations return -ENOSYS; this execution
// core has no filesystem or network stack, so most descriptors in practice
// wrap an anonymous VM object, a pipe, or a block device.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(*stat.Stat_t) defs.Err_t
	Lseek(off, whence int) (int, defs.Err_t)
	Mmapi(offset, len int, inhibit bool) ([]Mmapinfo_t, defs.Err_t)
	Read(dst Userio_i, offset int) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(src Userio_i, offset int) (int, defs.Err_t)
	Truncate(newlen uint) defs.Err_t
	Pollone(Pollmsg_t) (Ready_t, defs.Err_t)
}
