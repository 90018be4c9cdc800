// Package kheap is the kernel heap: a first-fit allocator seeded with one
// page of virtual memory and extended on demand up to a fixed upper bound,
// per spec §4.2. Grounded on the accounting style of limits.Sysatomic_t
// (package-level atomic counters, no config object) rather than a
// general-purpose allocator library, matching the teacher's preference for
// small hand-rolled counters over importing a stats package.
package kheap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"gokernel/caller"
	"gokernel/pmm"
	"gokernel/util"
)

func ptrOf(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
func addrOf(blk *blockHeader) uintptr   { return uintptr(unsafe.Pointer(blk)) }

// blockHeader precedes every live or free allocation in the arena.
type blockHeader struct {
	size int // usable bytes following this header
	free bool
	next *blockHeader
	prev *blockHeader
}

const headerSize = 32 // conservative; real size is unsafe.Sizeof(blockHeader{})

// Heap_t is a single first-fit arena extended by mapping additional pages
// from the physical allocator as it runs out of room.
type Heap_t struct {
	mu   sync.Mutex
	free *blockHeader // head of the free list, address order
	// maxBytes is the fixed upper bound past which extension fails fatally
	// (spec §4.2: "Exceeding the upper bound is fatal").
	maxBytes   int
	curBytes   int64 // bytes currently mapped into the arena
	allocBytes int64 // bytes currently handed out to callers
	mapPage    func(bytes int) (uintptr, bool)
}

// New creates a heap that grows by calling mapPage to bring in additional
// backing memory, up to maxBytes total arena size. mapPage is supplied by
// the caller (normally the page-table manager) rather than imported
// directly, so kheap has no dependency on pgtbl and can be unit tested with
// a fake mapper. When maxBytes allows it, New maps one page up front to
// seed the arena.
func New(maxBytes int, mapPage func(bytes int) (uintptr, bool)) *Heap_t {
	h := &Heap_t{maxBytes: maxBytes, mapPage: mapPage}
	if maxBytes >= pmm.PGSIZE {
		h.extend(pmm.PGSIZE - headerSize)
	}
	return h
}

func (h *Heap_t) extend(minBytes int) bool {
	want := util.Roundup(minBytes+headerSize, pmm.PGSIZE)
	if h.curBytes+int64(want) > int64(h.maxBytes) {
		caller.Callerdump(2)
		panic("kheap: exceeded upper bound")
	}
	addr, ok := h.mapPage(want)
	if !ok {
		return false
	}
	blk := (*blockHeader)(ptrOf(addr))
	blk.size = want - headerSize
	blk.free = true
	h.insertFree(blk)
	h.curBytes += int64(want)
	return true
}

func (h *Heap_t) insertFree(blk *blockHeader) {
	blk.next = h.free
	if h.free != nil {
		h.free.prev = blk
	}
	blk.prev = nil
	h.free = blk
}

func (h *Heap_t) removeFree(blk *blockHeader) {
	if blk.prev != nil {
		blk.prev.next = blk.next
	} else {
		h.free = blk.next
	}
	if blk.next != nil {
		blk.next.prev = blk.prev
	}
}

// Alloc returns n bytes of memory; it does not zero them. On failure
// within the current arena, Alloc maps additional pages (page-size
// multiples rounded up from the request) and retries exactly once, per
// spec §4.2.
func (h *Heap_t) Alloc(n int) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr, ok := h.firstFit(n)
	if !ok {
		if !h.extend(n) {
			return 0, false
		}
		addr, ok = h.firstFit(n)
		if !ok {
			return 0, false
		}
	}
	atomic.AddInt64(&h.allocBytes, int64(n))
	return addr, true
}

// AllocAligned is like Alloc but pads the allocation so the returned
// address is a multiple of align (a power of two).
func (h *Heap_t) AllocAligned(n, align int) (uintptr, bool) {
	if align <= int(unsafe_Alignof) {
		return h.Alloc(n)
	}
	addr, ok := h.Alloc(n + align)
	if !ok {
		return 0, false
	}
	aligned := (uintptr(addr) + uintptr(align) - 1) &^ (uintptr(align) - 1)
	return aligned, true
}

const unsafe_Alignof = 8

func (h *Heap_t) firstFit(n int) (uintptr, bool) {
	for blk := h.free; blk != nil; blk = blk.next {
		if blk.size < n {
			continue
		}
		h.removeFree(blk)
		if blk.size-n > headerSize*2 {
			tailAddr := addrOf(blk) + uintptr(headerSize+n)
			tail := (*blockHeader)(ptrOf(tailAddr))
			tail.size = blk.size - n - headerSize
			tail.free = true
			h.insertFree(tail)
			blk.size = n
		}
		blk.free = false
		return addrOf(blk) + headerSize, true
	}
	return 0, false
}

// Free returns an allocation obtained from Alloc or AllocAligned.
func (h *Heap_t) Free(addr uintptr, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blk := (*blockHeader)(ptrOf(addr - headerSize))
	blk.free = true
	h.insertFree(blk)
	atomic.AddInt64(&h.allocBytes, -int64(n))
}

/// AllocatedBytes reports bytes currently allocated to callers (global
/// statistics, per spec §4.2).
func (h *Heap_t) AllocatedBytes() int64 {
	return atomic.LoadInt64(&h.allocBytes)
}

/// ArenaBytes reports the total bytes currently mapped into the arena.
func (h *Heap_t) ArenaBytes() int64 {
	return atomic.LoadInt64(&h.curBytes)
}
