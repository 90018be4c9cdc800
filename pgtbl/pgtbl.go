// Package pgtbl is the page-table manager: a 4-level radix tree rooted in a
// task's root page-table frame, grounded on mem/dmap.go's PTE bit layout
// and direct-map addressing and on vm/as.go's Page_insert/Page_remove/
// Sys_pgfault pte-manipulation style (spec §4.3).
package pgtbl

import (
	"sync"
	"unsafe"

	"gokernel/pmm"
)

// PTE bit layout, identical in meaning to mem.go's PTE_* constants.
const (
	PTE_P  pmm.Pa_t = 1 << 0  // present
	PTE_W  pmm.Pa_t = 1 << 1  // writable
	PTE_U  pmm.Pa_t = 1 << 2  // user-accessible
	PTE_PWT pmm.Pa_t = 1 << 3 // write-through
	PTE_PCD pmm.Pa_t = 1 << 4 // cache disable
	PTE_A  pmm.Pa_t = 1 << 5  // accessed
	PTE_D  pmm.Pa_t = 1 << 6  // dirty
	PTE_PS pmm.Pa_t = 1 << 7  // huge page (level 2/3 leaf)
	PTE_G  pmm.Pa_t = 1 << 8  // global
	// bits 9-11 and the top 8 bits (52-63, masked here to 56-63 for a
	// 64-bit Pa_t) are software-defined. The spec reserves the top 8 bits
	// for a page-table-node reference counter; COW bookkeeping borrows two
	// of the low software bits, matching vm/as.go's PTE_COW/PTE_WASCOW.
	PTE_COW     pmm.Pa_t = 1 << 9
	PTE_WASCOW  pmm.Pa_t = 1 << 10
	PTE_NX      pmm.Pa_t = 1 << 63 // no-execute

	ptePFNShift = 12
	pteRefShift = 56
	pteRefMask  = pmm.Pa_t(0xff) << pteRefShift
	pteAddrMask = pmm.Pa_t(0x000f_ffff_ffff_f000)
)

// PTE_ADDR extracts the physical address bits of a PTE.
const PTE_ADDR = pteAddrMask

// Pgflt_reason_t classifies a page fault the way the hardware error code
// does: whether the faulting access was present, a write, and from user
// mode.
type Pgflt_reason_t struct {
	Present bool
	Write   bool
	User    bool
}

// nodeRef returns the reference count stored in a non-leaf PTE's top byte,
// used to tell whether a page-table node is empty and may be freed.
func nodeRef(pte pmm.Pa_t) uint8 { return uint8(pte >> pteRefShift) }

func withNodeRef(pte pmm.Pa_t, ref uint8) pmm.Pa_t {
	return (pte &^ pteRefMask) | (pmm.Pa_t(ref) << pteRefShift)
}

// Pmap_t is a single 512-entry page-table level, addressed through the
// direct map like mem.Pmap_t.
type Pmap_t = pmm.Pmap_t

// PageTable owns one 4-level radix tree. The spinlock here is the
// "per-page-table-node spin lock" of §5's lock hierarchy; in this
// implementation one lock protects the whole tree for simplicity, which is
// conservative but preserves the documented ordering (address-space lock,
// then this lock, then the page-cache lock, then the frame-allocator lock).
type PageTable struct {
	mu   sync.Mutex
	Phys *pmm.Buddy_t

	Root     *Pmap_t
	P_root   pmm.Pa_t
	dmapBase uintptr
}

// New allocates a fresh, empty root page table.
func New(phys *pmm.Buddy_t) (*PageTable, bool) {
	root, p_root, ok := phys.Pmap_new()
	if !ok {
		return nil, false
	}
	return &PageTable{Phys: phys, Root: root, P_root: p_root}, true
}

func pgbits(va uintptr) (l4, l3, l2, l1 uint) {
	return uint((va >> 39) & 0x1ff), uint((va >> 30) & 0x1ff),
		uint((va >> 21) & 0x1ff), uint((va >> 12) & 0x1ff)
}

// walk returns the leaf PTE slot for va, allocating intermediate nodes
// (user-accessible and writable, per spec §4.3) when create is true.
func (pt *PageTable) walk(va uintptr, create bool) (*pmm.Pa_t, bool) {
	l4, l3, l2, l1 := pgbits(va)
	table := pt.Root
	idxs := []uint{l4, l3, l2}
	for _, idx := range idxs {
		ent := &table[idx]
		if *ent&PTE_P == 0 {
			if !create {
				return nil, false
			}
			_, p_new, ok := pt.Phys.Pmap_new()
			if !ok {
				return nil, false
			}
			pt.Phys.Refup(p_new)
			*ent = withNodeRef(p_new|PTE_P|PTE_W|PTE_U, 1)
		} else if create {
			if r := nodeRef(*ent); r < 0xff {
				// the counter saturates at 0xff: a saturated node is never
				// reclaimed by freeEmptyNodes, trading a leaked node for a
				// counter that fits the entry's top byte.
				*ent = withNodeRef(*ent, r+1)
			}
		}
		table = (*Pmap_t)(unsafe.Pointer(pt.Phys.Dmap(*ent & PTE_ADDR)))
	}
	return &table[l1], true
}

// WalkCreate returns the leaf PTE slot for virt, allocating any missing
// intermediate nodes. Used by vmmap's page-fault handler, which must
// install a mapping into a slot it does not yet know the contents of.
func (pt *PageTable) WalkCreate(virt uintptr) (*pmm.Pa_t, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.walk(virt, true)
}

// Map_to installs a leaf mapping of phys at virt with the given flags,
// allocating intermediate nodes as needed (spec §4.3). The installed frame's
// reference count and Vm_use_count are both raised; a present leaf being
// replaced has its frame's counts dropped first.
func (pt *PageTable) Map_to(virt uintptr, phys pmm.Pa_t, flags pmm.Pa_t) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.walk(virt, true)
	if !ok {
		return false
	}
	if old := *pte; old&PTE_P != 0 {
		oldpa := old & PTE_ADDR
		if oldpa != phys&PTE_ADDR {
			pt.Phys.VMUseDown(oldpa)
			pt.Phys.Refdown(oldpa)
			pt.Phys.Refup(phys)
			pt.Phys.VMUseUp(phys)
		}
	} else {
		pt.Phys.Refup(phys)
		pt.Phys.VMUseUp(phys)
	}
	*pte = (phys & PTE_ADDR) | flags | PTE_P
	pt.invalidate(virt)
	return true
}

// Map_flags allocates a fresh frame for the leaf at virt and maps it with
// the given flags.
func (pt *PageTable) Map_flags(virt uintptr, flags pmm.Pa_t) bool {
	_, p, ok := pt.Phys.Refpg_new()
	if !ok {
		return false
	}
	if !pt.Map_to(virt, p, flags) {
		// never installed, so its refcount is still zero: return the frame
		// to the allocator directly.
		pt.Phys.Deallocate(p, 0)
		return false
	}
	return true
}

// Map_hugepage_to installs a level-2 (2MB) leaf mapping with the huge bit
// set.
func (pt *PageTable) Map_hugepage_to(virt uintptr, phys pmm.Pa_t, flags pmm.Pa_t) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	l4, l3, l2, _ := pgbits(virt)
	table := pt.Root
	for _, idx := range []uint{l4, l3} {
		ent := &table[idx]
		if *ent&PTE_P == 0 {
			_, p_new, ok := pt.Phys.Pmap_new()
			if !ok {
				return false
			}
			pt.Phys.Refup(p_new)
			*ent = withNodeRef(p_new|PTE_P|PTE_W|PTE_U, 1)
		}
		table = (*Pmap_t)(unsafe.Pointer(pt.Phys.Dmap(*ent & PTE_ADDR)))
	}
	table[l2] = (phys & PTE_ADDR) | flags | PTE_P | PTE_PS
	pt.invalidate(virt)
	return true
}

// Update_flags changes the protection bits of an existing leaf, returning
// whether the entry existed.
func (pt *PageTable) Update_flags(virt uintptr, flags pmm.Pa_t) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.walk(virt, false)
	if !ok || *pte&PTE_P == 0 {
		return false
	}
	*pte = (*pte & PTE_ADDR) | flags | PTE_P
	pt.invalidate(virt)
	return true
}

// Unmap clears the leaf at virt, dropping the frame's reference count and
// Vm_use_count (freeing the frame once its last owner lets go), and
// invalidates the TLB. Returns the physical address the leaf named so a
// caller holding an unpin obligation on it (a shared file mapping) can
// discharge it.
//
// Clearing the leaf also walks back up the three intermediate levels
// (PDPT, PD, PT) and decrements each one's node reference count; a node
// whose count reaches zero has no more live leaves anywhere beneath it and
// is freed, with the parent's entry cleared so a later walk(create=true)
// allocates a fresh one.
func (pt *PageTable) Unmap(virt uintptr) (pmm.Pa_t, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	ancestors, pte, ok := pt.walkPath(virt)
	if !ok || *pte&PTE_P == 0 {
		return 0, false
	}
	old := *pte & PTE_ADDR
	*pte = 0
	pt.Phys.VMUseDown(old)
	pt.Phys.Refdown(old)
	pt.invalidate(virt)
	pt.freeEmptyNodes(ancestors)
	return old, true
}

// walkPath is walk(va, false) that additionally returns the three
// intermediate entries visited along the way (Root[l4], then the PDPT and
// PD entries beneath it), the same entries walk's create path stamps a
// node reference count onto. A missing intermediate node reports ok=false,
// same as walk.
func (pt *PageTable) walkPath(va uintptr) (ancestors [3]*pmm.Pa_t, leaf *pmm.Pa_t, ok bool) {
	l4, l3, l2, l1 := pgbits(va)
	table := pt.Root
	idxs := [3]uint{l4, l3, l2}
	for i, idx := range idxs {
		ent := &table[idx]
		if *ent&PTE_P == 0 || *ent&PTE_PS != 0 {
			// missing node, or a huge leaf where a table was expected: huge
			// mappings are installed once at boot and never torn down here.
			return ancestors, nil, false
		}
		ancestors[i] = ent
		table = (*Pmap_t)(unsafe.Pointer(pt.Phys.Dmap(*ent & PTE_ADDR)))
	}
	return ancestors, &table[l1], true
}

// freeEmptyNodes decrements the node reference count on each of a just-
// unmapped leaf's three ancestor entries, mirroring the +1 that walk's
// create path stamped onto each of them when the leaf was installed. An
// entry whose count drops to zero points at a node with no live leaves
// left beneath it: that node's frame is returned to the allocator and the
// entry is cleared. The three entries are independent counters (one per
// level), so each is checked on its own regardless of what happened to the
// others.
func (pt *PageTable) freeEmptyNodes(ancestors [3]*pmm.Pa_t) {
	for i := len(ancestors) - 1; i >= 0; i-- {
		ent := ancestors[i]
		if ent == nil || *ent&PTE_P == 0 {
			continue
		}
		ref := nodeRef(*ent)
		if ref == 0 || ref == 0xff {
			// never stamped (e.g. reached only via Update_flags/To_phys, or
			// a kernel-half entry), or saturated: nothing tracked to
			// reclaim. A saturated node is deliberately never freed since
			// the true count was lost at the saturation point.
			continue
		}
		ref--
		if ref > 0 {
			*ent = withNodeRef(*ent, ref)
			continue
		}
		addr := *ent & PTE_ADDR
		*ent = 0
		pt.Phys.Refdown(addr)
	}
}

// To_phys walks the table and reports the physical address virt maps to.
func (pt *PageTable) To_phys(virt uintptr) (pmm.Pa_t, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.walk(virt, false)
	if !ok || *pte&PTE_P == 0 {
		return 0, false
	}
	return *pte&PTE_ADDR | pmm.Pa_t(virt)&pmm.PGOFFSET, true
}

func (pt *PageTable) invalidate(virt uintptr) {
	// A real port issues `invlpg`; this module has no MMU to invalidate.
	_ = virt
}

// Duplicate clones the root table for fork, walking all user-space
// (lower-half) entries. Every intermediate page-table node under a present
// user entry is copied into a fresh node that inherits the source node's
// count; no page-table node is shared between the source and the clone.
// Each present writable leaf loses its writable bit and gains PTE_COW in
// both tables, and every present leaf's frame gains a reference and one
// Vm_use_count. Kernel (upper-half) entries are copied by pointer
// reference and never COW'd (spec §4.3).
func (pt *PageTable) Duplicate() (*PageTable, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	child, p_child, ok := pt.Phys.Pmap_new()
	if !ok {
		return nil, false
	}
	childPT := &PageTable{Phys: pt.Phys, Root: child, P_root: p_child}

	const halfIdx = 256 // PML4 entries 0..255 are user-space, 256..511 kernel
	for i := 0; i < halfIdx; i++ {
		ent := pt.Root[i]
		if ent&PTE_P == 0 {
			child[i] = 0
			continue
		}
		newEnt, ok := pt.duplicateLevel(ent, 3)
		if !ok {
			panic("pgtbl.Duplicate: oom")
		}
		if ent&PTE_PS != 0 {
			// a huge leaf in the root: arm the source entry as well.
			pt.Root[i] = newEnt
		}
		// the clone's intermediate node has the same number of live leaves
		// beneath it as the source's, so it inherits the source's count.
		child[i] = withNodeRef(newEnt, nodeRef(ent))
	}
	for i := halfIdx; i < 512; i++ {
		// kernel entries: copied by reference, never COW'd.
		child[i] = pt.Root[i]
	}
	return childPT, true
}

// dupLeaf arms copy-on-write on one leaf entry: a writable leaf loses its
// writable bit and any PTE_WASCOW mark and gains the COW bit in both
// copies; a
// read-only (or already COW-armed) leaf is shared as-is. Either way the
// frame gains a reference and one more address space mapping it.
func (pt *PageTable) dupLeaf(ent pmm.Pa_t) pmm.Pa_t {
	pt.Phys.Refup(ent & PTE_ADDR)
	pt.Phys.VMUseUp(ent & PTE_ADDR)
	if ent&PTE_W != 0 {
		return (ent &^ (PTE_W | PTE_WASCOW)) | PTE_COW
	}
	return ent
}

// duplicateLevel clones the subtree rooted at srcEnt, which lives at the
// given level (3 = PDPT, 2 = PD, 1 = PT), returning the clone's entry for
// the parent slot above it. Leaf entries are COW-armed in place in the
// source table as a side effect; intermediate source entries are left
// pointing at their original nodes.
func (pt *PageTable) duplicateLevel(srcEnt pmm.Pa_t, level int) (pmm.Pa_t, bool) {
	if srcEnt&PTE_PS != 0 {
		// a huge leaf where a table would normally sit: COW'd the same as a
		// 4KB leaf. The caller stores the armed entry back into the source.
		return pt.dupLeaf(srcEnt), true
	}

	newNode, p_new, ok := pt.Phys.Pmap_new()
	if !ok {
		return 0, false
	}
	pt.Phys.Refup(p_new)
	srcTable := (*Pmap_t)(unsafe.Pointer(pt.Phys.Dmap(srcEnt & PTE_ADDR)))
	for i, ent := range srcTable {
		if ent&PTE_P == 0 {
			continue
		}
		if level == 1 || ent&PTE_PS != 0 {
			armed := pt.dupLeaf(ent)
			srcTable[i] = armed
			newNode[i] = armed
			continue
		}
		newEnt, ok := pt.duplicateLevel(ent, level-1)
		if !ok {
			return 0, false
		}
		newNode[i] = withNodeRef(newEnt, nodeRef(ent))
	}
	return p_new | PTE_P | PTE_W | PTE_U, true
}

// ClearCOW removes the copy-on-write arming from the present leaf at virt,
// restoring the writable bit. Fork applies this to both parent and child on
// regions that stay shared after fork (shared file-backed and shared
// anonymous mappings are never COW'd — see vmmap.Fork).
func (pt *PageTable) ClearCOW(virt uintptr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.walk(virt, false)
	if !ok || *pte&PTE_P == 0 || *pte&PTE_COW == 0 {
		return
	}
	*pte = (*pte &^ PTE_COW) | PTE_W
	pt.invalidate(virt)
}
