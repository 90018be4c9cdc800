// Package pmm is the physical frame allocator: a buddy allocator over the
// usable physical address range reported by the boot loader, fronted by a
// per-CPU free-list cache the way mem.Physmem_t fronts its single free list
// with mem.pcpuphys_t. Physical-page metadata (reference counts, dmap) also
// lives here, one record per page for the lifetime of the kernel.
package pmm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"gokernel/arch"
	"gokernel/oommsg"
	"gokernel/util"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// MAXORDER is the largest buddy order the allocator tracks: 2^MAXORDER
// pages, chosen so the top order covers the largest hugepage (2MB, order 9).
const MAXORDER = 9

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page.
type Pmap_t [512]Pa_t

/// Page_i abstracts physical page allocation for clients (the page cache,
/// pipes via circbuf) that only need single zeroed pages and refcounting,
/// not the full buddy interface.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pn(p Pa_t) uint32 { return uint32(p >> PGSHIFT) }

// Physpg_t is the per-physical-page metadata record required by the Data
// Model: a back-reference to whatever page-cache item occupies the frame,
// the count of distinct address spaces mapping it, and a lock serializing
// page-table updates that touch the frame.
type Physpg_t struct {
	Refcnt int32
	// Vm_use_count is the number of distinct user address spaces with a
	// present leaf mapping to this frame; a write fault requires a private
	// copy whenever this is > 1.
	Vm_use_count int32
	// Cache holds an opaque back-reference installed by the page cache;
	// nil when the frame backs an anonymous or page-table page.
	Cache unsafe.Pointer
	sync.Mutex
}

// region describes one ingested, aligned physical range managed by the
// buddy allocator.
type region struct {
	base  Pa_t // physical address of frame 0 in this region
	pages uint32
	// free[order] is a bitmap indexed by block number at that order; a set
	// bit means the block is fully free and not a sub-block of a larger
	// free block. Grounded on goos-e's BitmapAllocator, generalized from
	// one order to MAXORDER+1 orders per spec §4.1.
	free [MAXORDER + 1][]uint64
}

func (r *region) blockCount(order int) uint32 {
	return (r.pages + (1 << uint(order)) - 1) >> uint(order)
}

func (r *region) bitTest(order int, idx uint32) bool {
	return r.free[order][idx/64]&(1<<(idx%64)) != 0
}

func (r *region) bitSet(order int, idx uint32, v bool) {
	w := &r.free[order][idx/64]
	mask := uint64(1) << (idx % 64)
	if v {
		*w |= mask
	} else {
		*w &^= mask
	}
}

// Buddy_t is the physical frame allocator described by spec §4.1: allocate
// and free power-of-two runs of pages, splitting/merging blocks as needed.
// Mirrors mem.Physmem_t's shape (global lock, per-page metadata table,
// per-CPU caches) but the core allocation algorithm is a buddy system
// instead of a single free list.
type Buddy_t struct {
	sync.Mutex
	regions []*region
	// Pgs is one metadata record per physical page across all regions,
	// indexed the same way mem.Physmem_t.Pgs is: by (pfn - startn).
	Pgs    []Physpg_t
	startn uint32
	// usedPages and totalPages back UsedMem/FreeMem.
	usedPages  int64
	totalPages int64

	percpu [arch.MaxCPUs]pcpuCache
}

// pcpuCache is a small order-0 free list per CPU, exactly the optimization
// mem.pcpuphys_t applies in front of the single global free list; here it
// sits in front of the buddy core to absorb single-page alloc/free churn
// without touching the global lock.
type pcpuCache struct {
	sync.Mutex
	frames []Pa_t
}

const pcpuCacheMax = 64

/// Physmem is the global physical memory allocator instance.
var Physmem = &Buddy_t{}

// Ingest adds a physical range [base, base+bytes) to the allocator,
// greedily emitting the largest aligned blocks within it, per spec §4.1's
// ingestion algorithm. A block's alignment is measured from base, the
// offset its bitmap index is keyed by. base and bytes must be page-aligned.
func (b *Buddy_t) Ingest(base Pa_t, bytes uint64) {
	if base&PGOFFSET != 0 || bytes%uint64(PGSIZE) != 0 {
		panic("pmm.Ingest: misaligned range")
	}
	pages := uint32(bytes / uint64(PGSIZE))
	if pages == 0 {
		return
	}

	b.Lock()
	defer b.Unlock()

	if b.startn == 0 || pg2pn(base) < b.startn {
		if len(b.Pgs) == 0 {
			b.startn = pg2pn(base)
		}
	}
	r := &region{base: base, pages: pages}
	for ord := 0; ord <= MAXORDER; ord++ {
		nwords := (r.blockCount(ord) + 63) / 64
		if nwords == 0 {
			nwords = 1
		}
		r.free[ord] = make([]uint64, nwords)
	}

	// extend Pgs to cover this region; frames are addressed by pfn-startn,
	// so a region placed before any previously ingested region would
	// require renumbering. Ingestion order is expected low-to-high, as the
	// boot loader reports memory map entries.
	endpn := pg2pn(base) + pages
	need := int(endpn - b.startn)
	if need > len(b.Pgs) {
		grown := make([]Physpg_t, need)
		copy(grown, b.Pgs)
		for i := len(b.Pgs); i < need; i++ {
			grown[i].Refcnt = -10
		}
		b.Pgs = grown
	}

	// greedily emit the largest aligned blocks covering the region,
	// marking each as free at its natural order.
	off := uint32(0)
	for off < pages {
		order := MAXORDER
		for order > 0 {
			blk := uint32(1) << uint(order)
			alignOK := off%blk == 0
			if alignOK && off+blk <= pages {
				break
			}
			order--
		}
		idx := off >> uint(order)
		r.bitSet(order, idx, true)
		off += 1 << uint(order)
	}

	b.regions = append(b.regions, r)
	b.totalPages += int64(pages)
}

func (r *region) ownsFrame(p Pa_t, pages uint32) bool {
	if p < r.base {
		return false
	}
	off := (p - r.base) / Pa_t(PGSIZE)
	return uint32(off) < r.pages && uint32(off)+pages <= r.pages
}

// Allocate returns a frame of 2^order pages, aligned to its size relative
// to the base of the region it came from, or ok=false if none is available. Scans the requested order first; on a miss it scans
// successively higher orders, splits the first hit, and stamps the unused
// halves at each lower order (spec §4.1).
func (b *Buddy_t) Allocate(order int) (Pa_t, bool) {
	if order == 0 {
		if p, ok := b.allocPcpu(); ok {
			return p, true
		}
	}
	b.Lock()
	p, ok := b.allocLocked(order)
	if ok {
		b.usedPages += int64(1) << uint(order)
	}
	b.Unlock()
	if !ok {
		notifyOOM((1 << uint(order)) * PGSIZE)
	}
	return p, ok
}

// notifyOOM posts a best-effort notice to oommsg.OomCh when an allocation
// fails, the hook a reclaim daemon would listen on (spec §4.1's "no reclaim
// policy" Non-goal means nothing drains this channel today, so the send
// never blocks waiting for a Resume).
func notifyOOM(need int) {
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: need, Resume: make(chan bool, 1)}:
	default:
	}
}

func (b *Buddy_t) allocPcpu() (Pa_t, bool) {
	c := &b.percpu[arch.CPUHint()]
	c.Lock()
	if len(c.frames) > 0 {
		p := c.frames[len(c.frames)-1]
		c.frames = c.frames[:len(c.frames)-1]
		c.Unlock()
		atomic.AddInt64(&b.usedPages, 1)
		return p, true
	}
	c.Unlock()
	return 0, false
}

func (b *Buddy_t) allocLocked(order int) (Pa_t, bool) {
	// tie-break on multiple available blocks at the same order:
	// lowest-address first, so scan regions in ingestion order.
	for searchOrder := order; searchOrder <= MAXORDER; searchOrder++ {
		for _, r := range b.regions {
			nblocks := r.blockCount(searchOrder)
			for idx := uint32(0); idx < nblocks; idx++ {
				if !r.bitTest(searchOrder, idx) {
					continue
				}
				r.bitSet(searchOrder, idx, false)
				// split down to the requested order, stamping the
				// unused buddy half free at each level.
				for lvl := searchOrder; lvl > order; lvl-- {
					buddyIdx := idx*2 + 1
					r.bitSet(lvl-1, buddyIdx, true)
					idx = idx * 2
				}
				base := r.base + Pa_t(idx)*Pa_t(PGSIZE)*Pa_t(uint32(1)<<uint(order))
				return base, true
			}
		}
	}
	return 0, false
}

// Deallocate returns a block of 2^order pages to the allocator. Idempotent
// within a correctly paired call; freeing a block outside any ingested
// range is a no-op (spec §4.1).
func (b *Buddy_t) Deallocate(p Pa_t, order int) {
	if order == 0 {
		if b.freePcpu(p) {
			return
		}
	}
	b.Lock()
	defer b.Unlock()
	b.freeLocked(p, order)
	b.usedPages -= int64(1) << uint(order)
	if b.usedPages < 0 {
		b.usedPages = 0
	}
}

func (b *Buddy_t) freePcpu(p Pa_t) bool {
	c := &b.percpu[arch.CPUHint()]
	c.Lock()
	if len(c.frames) >= pcpuCacheMax {
		c.Unlock()
		return false
	}
	c.frames = append(c.frames, p)
	c.Unlock()
	atomic.AddInt64(&b.usedPages, -1)
	return true
}

func (b *Buddy_t) freeLocked(p Pa_t, order int) {
	pages := uint32(1) << uint(order)
	for _, r := range b.regions {
		if !r.ownsFrame(p, pages) {
			continue
		}
		idx := uint32((p - r.base) / Pa_t(PGSIZE) >> uint(order))
		lvl := order
		for lvl < MAXORDER {
			buddy := idx ^ 1
			if !r.bitTest(lvl, buddy) {
				break
			}
			r.bitSet(lvl, buddy, false)
			idx /= 2
			lvl++
		}
		r.bitSet(lvl, idx, true)
		return
	}
	// block outside any ingested range: no-op per spec.
}

/// UsedMem reports bytes currently allocated.
func (b *Buddy_t) UsedMem() uint64 {
	return uint64(atomic.LoadInt64(&b.usedPages)) * uint64(PGSIZE)
}

/// FreeMem reports bytes still available.
func (b *Buddy_t) FreeMem() uint64 {
	total := atomic.LoadInt64(&b.totalPages)
	used := atomic.LoadInt64(&b.usedPages)
	if used > total {
		return 0
	}
	return uint64(total-used) * uint64(PGSIZE)
}

// --- page-level convenience API (Page_i), matching mem.Physmem_t's shape ---

/// Dmapinit reports whether the direct map has been installed; callers may
/// not call Dmap before this flips to true.
var Dmapinit bool

var dmapBase uintptr

// SetDirectMap installs the virtual base address of the direct-mapped
// region, mirroring mem.Vdirect / mem.Dmap_init.
func SetDirectMap(base uintptr) {
	dmapBase = base
	Dmapinit = true
}

/// Dmap converts a physical address into a direct-mapped virtual address.
func (b *Buddy_t) Dmap(p Pa_t) *Pg_t {
	if !Dmapinit {
		panic("direct map not installed")
	}
	v := dmapBase + uintptr(util.Rounddown(int(p), PGSIZE))
	return (*Pg_t)(unsafe.Pointer(v))
}

/// Dmap8 returns a byte slice mapped to the given physical address.
func (b *Buddy_t) Dmap8(p Pa_t) []uint8 {
	pg := b.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

func (b *Buddy_t) meta(p Pa_t) *Physpg_t {
	idx := pg2pn(p) - b.startn
	return &b.Pgs[idx]
}

/// Refcnt returns the current reference count of a page.
func (b *Buddy_t) Refcnt(p Pa_t) int {
	return int(atomic.LoadInt32(&b.meta(p).Refcnt))
}

/// Refup increments the reference count of a page.
func (b *Buddy_t) Refup(p Pa_t) {
	c := atomic.AddInt32(&b.meta(p).Refcnt, 1)
	if c <= 0 {
		panic("Refup: refcount went non-positive")
	}
}

/// Refdown decrements the reference count of a page, freeing it when it
/// reaches zero, and reports whether the page was freed.
func (b *Buddy_t) Refdown(p Pa_t) bool {
	c := atomic.AddInt32(&b.meta(p).Refcnt, -1)
	if c < 0 {
		panic("Refdown: refcount went negative")
	}
	if c == 0 {
		b.Deallocate(p, 0)
		return true
	}
	return false
}

/// VMUseUp records that one more address space maps this frame.
func (b *Buddy_t) VMUseUp(p Pa_t) {
	atomic.AddInt32(&b.meta(p).Vm_use_count, 1)
}

/// VMUseDown records that one fewer address space maps this frame. Returns
/// the count after the decrement.
func (b *Buddy_t) VMUseDown(p Pa_t) int32 {
	return atomic.AddInt32(&b.meta(p).Vm_use_count, -1)
}

/// VMUseCount reports how many distinct address spaces map this frame.
func (b *Buddy_t) VMUseCount(p Pa_t) int32 {
	return atomic.LoadInt32(&b.meta(p).Vm_use_count)
}

/// Zeropg is a global zero-filled page used for anonymous demand-zero faults.
var Zeropg *Pg_t

/// P_zeropg is the physical address of Zeropg.
var P_zeropg Pa_t

/// Refpg_new allocates a zeroed page and returns its mapping and address.
/// The returned page's refcount is not incremented.
func (b *Buddy_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p, ok := b.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, p, true
}

/// Refpg_new_nozero allocates an uninitialised page.
func (b *Buddy_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	p, ok := b.Allocate(0)
	if !ok {
		return nil, 0, false
	}
	b.meta(p).Refcnt = 0
	return b.Dmap(p), p, true
}

/// Pmap_new allocates a new page-table page (refcount 0, zeroed).
func (b *Buddy_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	pg, p, ok := b.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	return (*Pmap_t)(unsafe.Pointer(pg)), p, true
}

// Phys_init ingests the usable ranges passed in (normally parsed from the
// multiboot2 memory map by the boot package) and prepares the zero page.
func Phys_init(ranges [][2]uint64) *Buddy_t {
	phys := Physmem
	for _, r := range ranges {
		phys.Ingest(Pa_t(r[0]), r[1])
	}
	var ok bool
	Zeropg, P_zeropg, ok = phys.Refpg_new_nozero()
	if !ok {
		panic("oom initializing zero page")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	phys.Refup(P_zeropg)
	fmt.Printf("pmm: %d pages reserved (%d MB)\n", phys.totalPages, phys.totalPages>>8)
	return phys
}
