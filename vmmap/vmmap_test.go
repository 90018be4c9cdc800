package vmmap

import (
	"testing"
	"unsafe"

	"gokernel/defs"
	"gokernel/fdops"
	"gokernel/pgtbl"
	"gokernel/pmm"
	"gokernel/stat"
)

var keepaliveBacking [][]byte

// testVMMap backs a fresh address space with real memory (direct map over a
// Go slice, a zero page, a buddy allocator) so fault resolution can copy
// real bytes.
func testVMMap(t *testing.T, pages int) (*VMMap, *pmm.Buddy_t) {
	t.Helper()
	backing := make([]byte, (pages+1)*pmm.PGSIZE)
	keepaliveBacking = append(keepaliveBacking, backing)
	base := pmm.Pa_t(pmm.PGSIZE)
	pmm.SetDirectMap(uintptr(unsafe.Pointer(&backing[0])) - uintptr(base))

	phys := &pmm.Buddy_t{}
	phys.Ingest(base, uint64(pages)*uint64(pmm.PGSIZE))

	zpg, zp, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("no frame for the zero page")
	}
	phys.Refup(zp)
	pmm.Zeropg, pmm.P_zeropg = zpg, zp

	vm, ok := New(phys)
	if !ok {
		t.Fatal("New failed")
	}
	return vm, phys
}

var (
	readFault  = pgtbl.Pgflt_reason_t{User: true}
	writeFault = pgtbl.Pgflt_reason_t{User: true, Write: true}
)

// pageByte reads the first byte of the frame backing va in vm.
func pageByte(vm *VMMap, va uintptr) (uint8, bool) {
	pa, ok := vm.PT.To_phys(va)
	if !ok {
		return 0, false
	}
	return pmm.Pg2bytes(vm.PT.Phys.Dmap(pa))[0], true
}

// pokePage write-faults va and stores b into its first byte.
func pokePage(t *testing.T, vm *VMMap, va uintptr, b uint8) {
	t.Helper()
	if err := vm.HandlePageFault(va, writeFault); err != 0 {
		t.Fatalf("write fault at %#x: %v", va, err)
	}
	pa, ok := vm.PT.To_phys(va)
	if !ok {
		t.Fatalf("no mapping after write fault at %#x", va)
	}
	pmm.Pg2bytes(vm.PT.Phys.Dmap(pa))[0] = b
}

func TestMmapInvalidArguments(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	cases := []struct {
		name  string
		len   int
		flags MmapFlags
		fops  fdops.Fdops_i
		foff  int
	}{
		{"zero length", 0, MAP_ANON | MAP_PRIVATE, nil, 0},
		{"anon and shared", pmm.PGSIZE, MAP_ANON | MAP_SHARED, nil, 0},
		{"neither anon nor file", pmm.PGSIZE, MAP_PRIVATE, nil, 0},
		{"file with unaligned offset", pmm.PGSIZE, MAP_PRIVATE, failFops{}, 13},
	}
	for _, c := range cases {
		if _, err := vm.Mmap(0, c.len, pgtbl.PTE_U, c.flags, c.fops, c.foff); err != -defs.EINVAL {
			t.Errorf("%s: expected -EINVAL, got %v", c.name, err)
		}
	}
}

func TestMmapPlacement(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	a, err := vm.Mmap(0, pmm.PGSIZE, pgtbl.PTE_U|pgtbl.PTE_W, MAP_ANON|MAP_PRIVATE, nil, 0)
	if err != 0 {
		t.Fatalf("Mmap: %v", err)
	}
	if a != USERMIN {
		t.Errorf("first mapping with no hint must land at USERMIN, got %#x", a)
	}
	b, err := vm.Mmap(0, 3*pmm.PGSIZE, pgtbl.PTE_U|pgtbl.PTE_W, MAP_ANON|MAP_PRIVATE, nil, 0)
	if err != 0 {
		t.Fatalf("Mmap: %v", err)
	}
	if b != a+uintptr(pmm.PGSIZE) {
		t.Errorf("second mapping must pack after the first, got %#x", b)
	}
	// length is rounded up to a page multiple.
	c, err := vm.Mmap(0, 100, pgtbl.PTE_U, MAP_ANON|MAP_PRIVATE, nil, 0)
	if err != 0 {
		t.Fatalf("Mmap: %v", err)
	}
	vmi, ok := vm.Lookup(c)
	if !ok || vmi.Len != uintptr(pmm.PGSIZE) {
		t.Error("a 100-byte request must produce a one-page region")
	}
	assertSorted(t, vm)
}

func TestMmapFixedReplacesOverlap(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	at := USERMIN + uintptr(4*pmm.PGSIZE)
	if _, err := vm.Mmap(at, 2*pmm.PGSIZE, pgtbl.PTE_U|pgtbl.PTE_W, MAP_ANON|MAP_PRIVATE|MAP_FIXED, nil, 0); err != 0 {
		t.Fatalf("Mmap: %v", err)
	}
	pokePage(t, vm, at, 0x11)
	// a FIXED mapping over the same range must first unmap the overlap.
	if _, err := vm.Mmap(at, pmm.PGSIZE, pgtbl.PTE_U|pgtbl.PTE_W, MAP_ANON|MAP_PRIVATE|MAP_FIXED, nil, 0); err != 0 {
		t.Fatalf("Mmap: %v", err)
	}
	if _, ok := vm.PT.To_phys(at); ok {
		t.Error("old page-table entry survived a fixed remap")
	}
	assertSorted(t, vm)
}

func assertSorted(t *testing.T, vm *VMMap) {
	t.Helper()
	for i := 1; i < len(vm.regions); i++ {
		if vm.regions[i-1].end() > vm.regions[i].Start {
			t.Fatalf("region list unsorted or overlapping at index %d", i)
		}
	}
}

func TestMunmapFourOutcomes(t *testing.T) {
	vm, _ := testVMMap(t, 128)
	pg := uintptr(pmm.PGSIZE)
	at := USERMIN

	// full removal.
	vm.AddAnon(at, 2*pg, pgtbl.PTE_U|pgtbl.PTE_W)
	if err := vm.Munmap(at, 2*pg); err != 0 {
		t.Fatalf("Munmap: %v", err)
	}
	if _, ok := vm.Lookup(at); ok {
		t.Error("full removal left the region behind")
	}

	// trim-begin.
	vm.AddAnon(at, 5*pg, pgtbl.PTE_U|pgtbl.PTE_W)
	vm.Munmap(at, pg)
	if vmi, ok := vm.Lookup(at + pg); !ok || vmi.Start != at+pg || vmi.Len != 4*pg {
		t.Error("trim-begin produced the wrong survivor")
	}

	// trim-end.
	vm.Munmap(at+4*pg, pg)
	if vmi, ok := vm.Lookup(at + pg); !ok || vmi.Len != 3*pg {
		t.Error("trim-end produced the wrong survivor")
	}

	// split into two.
	vm.Munmap(at+2*pg, pg)
	lo, okLo := vm.Lookup(at + pg)
	hi, okHi := vm.Lookup(at + 3*pg)
	if !okLo || !okHi || lo == hi {
		t.Fatal("split did not produce two surviving regions")
	}
	if lo.Len != pg || hi.Len != pg {
		t.Error("split survivors have the wrong extents")
	}
	if _, ok := vm.Lookup(at + 2*pg); ok {
		t.Error("the torn-down middle is still mapped")
	}
	assertSorted(t, vm)
}

func TestMunmapDisjointIsNoop(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	vm.AddAnon(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U)
	if err := vm.Munmap(USERMIN+uintptr(16*pmm.PGSIZE), uintptr(pmm.PGSIZE)); err != 0 {
		t.Errorf("munmap of a disjoint range must succeed, got %v", err)
	}
	if _, ok := vm.Lookup(USERMIN); !ok {
		t.Error("disjoint munmap disturbed an unrelated region")
	}
}

func TestMunmapSplitFileRegionAdjustsOffset(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	f := newFakeFile(t, vm.PT.Phys, 4)
	vm.AddFile(USERMIN, uintptr(4*pmm.PGSIZE), pgtbl.PTE_U, f, 0)
	vm.Munmap(USERMIN+uintptr(pmm.PGSIZE), uintptr(pmm.PGSIZE))
	hi, ok := vm.Lookup(USERMIN + uintptr(2*pmm.PGSIZE))
	if !ok {
		t.Fatal("upper split half missing")
	}
	if hi.file.foff != 2*pmm.PGSIZE {
		t.Errorf("upper half must keep naming the same file bytes, foff=%d", hi.file.foff)
	}
}

func TestFaultOutsideRegionRejected(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	vm.AddAnon(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U|pgtbl.PTE_W)
	// one page below the region and the page at its end are both unmapped.
	if err := vm.HandlePageFault(USERMIN-1, readFault); err != -defs.EFAULT {
		t.Errorf("fault at start-1: expected -EFAULT, got %v", err)
	}
	if err := vm.HandlePageFault(USERMIN+uintptr(pmm.PGSIZE), readFault); err != -defs.EFAULT {
		t.Errorf("fault at end: expected -EFAULT, got %v", err)
	}
}

func TestWriteFaultOnReadonlyRegionRejected(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	vm.AddAnon(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U)
	if err := vm.HandlePageFault(USERMIN, writeFault); err != -defs.EFAULT {
		t.Errorf("expected -EFAULT, got %v", err)
	}
}

func TestAnonReadFaultInstallsZeroPage(t *testing.T) {
	vm, _ := testVMMap(t, 64)
	vm.AddAnon(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U|pgtbl.PTE_W)
	if err := vm.HandlePageFault(USERMIN, readFault); err != 0 {
		t.Fatalf("read fault: %v", err)
	}
	pa, ok := vm.PT.To_phys(USERMIN)
	if !ok || pa != pmm.P_zeropg {
		t.Errorf("a read fault on fresh anon memory must map the shared zero page, got %#x", pa)
	}
	// a later write must copy away from the zero page, never dirty it.
	pokePage(t, vm, USERMIN, 0x55)
	pa2, _ := vm.PT.To_phys(USERMIN)
	if pa2 == pmm.P_zeropg {
		t.Fatal("write fault left the zero page mapped writable")
	}
	if pmm.Pg2bytes(pmm.Zeropg)[0] != 0 {
		t.Fatal("the shared zero page was dirtied")
	}
}

// TestForkCopyOnWrite is the end-to-end COW scenario: parent writes three
// anonymous pages, forks, the child overwrites one page, and each side
// keeps its own view with only the touched page copied.
func TestForkCopyOnWrite(t *testing.T) {
	vm, phys := testVMMap(t, 256)
	pg := uintptr(pmm.PGSIZE)
	vm.AddAnon(USERMIN, 3*pg, pgtbl.PTE_U|pgtbl.PTE_W)
	for i := uintptr(0); i < 3; i++ {
		pokePage(t, vm, USERMIN+i*pg, 0xAA)
	}

	child, ok := vm.Fork()
	if !ok {
		t.Fatal("Fork failed")
	}

	// child reads all three pages: identical contents, identical frames.
	for i := uintptr(0); i < 3; i++ {
		va := USERMIN + i*pg
		if err := child.HandlePageFault(va, readFault); err != 0 {
			t.Fatalf("child read fault: %v", err)
		}
		b, ok := pageByte(child, va)
		if !ok || b != 0xAA {
			t.Fatalf("child must observe the parent's bytes, got %#x", b)
		}
		cpa, _ := child.PT.To_phys(va)
		ppa, _ := vm.PT.To_phys(va)
		if cpa != ppa {
			t.Error("an untouched COW page must stay shared")
		}
		if got := phys.VMUseCount(cpa); got != 2 {
			t.Errorf("expected vm_use_count 2 on a shared page, got %d", got)
		}
	}

	// child writes page 1: only that page is copied.
	mid := USERMIN + pg
	pokePage(t, child, mid, 0xBB)
	if b, _ := pageByte(vm, mid); b != 0xAA {
		t.Errorf("parent must keep seeing 0xAA on page 1, got %#x", b)
	}
	if b, _ := pageByte(child, mid); b != 0xBB {
		t.Errorf("child must see its own 0xBB on page 1, got %#x", b)
	}
	for _, i := range []uintptr{0, 2} {
		va := USERMIN + i*pg
		cpa, _ := child.PT.To_phys(va)
		ppa, _ := vm.PT.To_phys(va)
		if cpa != ppa {
			t.Errorf("page %d was copied though only page 1 was written", i)
		}
		if b, _ := pageByte(child, va); b != 0xAA {
			t.Errorf("page %d content changed, got %#x", i, b)
		}
	}
	cpa, _ := child.PT.To_phys(mid)
	ppa, _ := vm.PT.To_phys(mid)
	if cpa == ppa {
		t.Fatal("page 1 must have been privately copied")
	}
	if got := phys.VMUseCount(ppa); got != 1 {
		t.Errorf("parent's page 1 must be exclusively owned again, vm_use_count=%d", got)
	}
}

// TestParentWriteAfterForkClaimsInPlace checks the sole-owner fast path:
// once the child's copy exists, the parent's next write claims the original
// frame without another copy.
func TestParentWriteAfterForkClaimsInPlace(t *testing.T) {
	vm, _ := testVMMap(t, 256)
	vm.AddAnon(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U|pgtbl.PTE_W)
	pokePage(t, vm, USERMIN, 0xAA)
	before, _ := vm.PT.To_phys(USERMIN)

	child, ok := vm.Fork()
	if !ok {
		t.Fatal("Fork failed")
	}
	pokePage(t, child, USERMIN, 0xBB)

	pokePage(t, vm, USERMIN, 0xCC)
	after, _ := vm.PT.To_phys(USERMIN)
	if after != before {
		t.Error("sole owner must claim the COW frame in place, not copy it")
	}
	if b, _ := pageByte(child, USERMIN); b != 0xBB {
		t.Error("child's private copy was disturbed by the parent's write")
	}
}

func TestForkSharedFileStaysShared(t *testing.T) {
	vm, _ := testVMMap(t, 256)
	f := newFakeFile(t, vm.PT.Phys, 1)
	vm.AddShareFile(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U|pgtbl.PTE_W, f, 0, nil)
	if err := vm.HandlePageFault(USERMIN, writeFault); err != 0 {
		t.Fatalf("write fault: %v", err)
	}

	child, ok := vm.Fork()
	if !ok {
		t.Fatal("Fork failed")
	}
	// a shared mapping is never COW'd on fork: a write in the child must
	// not allocate a private copy.
	if err := child.HandlePageFault(USERMIN, writeFault); err != 0 {
		t.Fatalf("child write fault: %v", err)
	}
	cpa, _ := child.PT.To_phys(USERMIN)
	ppa, _ := vm.PT.To_phys(USERMIN)
	if cpa != ppa {
		t.Error("shared file mapping was COW'd on fork")
	}
}

func TestPrivateFileWriteCopies(t *testing.T) {
	vm, _ := testVMMap(t, 256)
	f := newFakeFile(t, vm.PT.Phys, 1)
	fpg := pmm.Pg2bytes(vm.PT.Phys.Dmap(f.pages[0]))
	fpg[0] = 0x77

	vm.AddFile(USERMIN, uintptr(pmm.PGSIZE), pgtbl.PTE_U|pgtbl.PTE_W, f, 0)
	if err := vm.HandlePageFault(USERMIN, readFault); err != 0 {
		t.Fatalf("read fault: %v", err)
	}
	pa, _ := vm.PT.To_phys(USERMIN)
	if pa != f.pages[0] {
		t.Fatal("read fault must install the backing object's own frame")
	}

	pokePage(t, vm, USERMIN, 0x99)
	pa2, _ := vm.PT.To_phys(USERMIN)
	if pa2 == f.pages[0] {
		t.Fatal("a private file write must copy, never dirty the cache frame")
	}
	if fpg[0] != 0x77 {
		t.Error("the backing frame was modified through a private mapping")
	}
	if b, _ := pageByte(vm, USERMIN); b != 0x99 {
		t.Error("the private copy lost the written byte")
	}
}

func TestSharedFileWriteFaultNotifiesDirty(t *testing.T) {
	vm, _ := testVMMap(t, 256)
	f := newFakeFile(t, vm.PT.Phys, 2)
	vm.AddShareFile(USERMIN, uintptr(2*pmm.PGSIZE), pgtbl.PTE_U|pgtbl.PTE_W, f, 0, f)

	// a read fault installs the frame read-only and reports nothing dirty.
	if err := vm.HandlePageFault(USERMIN, readFault); err != 0 {
		t.Fatalf("read fault: %v", err)
	}
	if len(f.dirtied) != 0 {
		t.Fatal("a read fault must not dirty the backing object")
	}

	// the first write upgrades the mapping and notifies the backing object.
	if err := vm.HandlePageFault(USERMIN+uintptr(pmm.PGSIZE), writeFault); err != 0 {
		t.Fatalf("write fault: %v", err)
	}
	if len(f.dirtied) != 1 || f.dirtied[0] != pmm.PGSIZE {
		t.Errorf("expected one dirty notice at offset %d, got %v", pmm.PGSIZE, f.dirtied)
	}

	// munmap discharges the pin the backing object handed out.
	vm.Munmap(USERMIN, uintptr(2*pmm.PGSIZE))
	if len(f.unpinned) != 2 {
		t.Errorf("expected both installed pages unpinned on munmap, got %d", len(f.unpinned))
	}
}

func TestLoadBinary(t *testing.T) {
	vm, _ := testVMMap(t, 256)
	f := newFakeFile(t, vm.PT.Phys, 4)
	phdrs := []ProgHeader{
		{Vaddr: USERMIN + 0x10, Memsz: 0x100, Offset: 0, Flags: PF_R | PF_X},
		{Vaddr: USERMIN + uintptr(4*pmm.PGSIZE), Memsz: uintptr(pmm.PGSIZE), Offset: pmm.PGSIZE, Flags: PF_R | PF_W},
		{Vaddr: 0, Memsz: 0, Offset: 0, Flags: 0}, // skipped
	}
	if err := vm.LoadBinary(f, phdrs); err != 0 {
		t.Fatalf("LoadBinary: %v", err)
	}
	text, ok := vm.Lookup(USERMIN)
	if !ok {
		t.Fatal("text segment region missing")
	}
	if text.Perms&pgtbl.PTE_W != 0 {
		t.Error("a read-execute segment must not be writable")
	}
	data, ok := vm.Lookup(USERMIN + uintptr(4*pmm.PGSIZE))
	if !ok {
		t.Fatal("data segment region missing")
	}
	if data.Perms&pgtbl.PTE_W == 0 {
		t.Error("a writable segment must map writable")
	}
	if len(vm.regions) != 2 {
		t.Errorf("expected 2 regions (the empty header is skipped), got %d", len(vm.regions))
	}
}

// --- test doubles ---

// failFops satisfies fdops.Fdops_i for argument-validation tests that never
// reach the backing object.
type failFops struct{}

func (failFops) Close() defs.Err_t                       { return 0 }
func (failFops) Fstat(*stat.Stat_t) defs.Err_t           { return -defs.ENOSYS }
func (failFops) Lseek(off, whence int) (int, defs.Err_t) { return 0, -defs.ENOSYS }
func (failFops) Mmapi(offset, ln int, inhibit bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.ENOSYS
}
func (failFops) Read(dst fdops.Userio_i, offset int) (int, defs.Err_t)  { return 0, -defs.ENOSYS }
func (failFops) Reopen() defs.Err_t                                     { return 0 }
func (failFops) Write(src fdops.Userio_i, offset int) (int, defs.Err_t) { return 0, -defs.ENOSYS }
func (failFops) Truncate(newlen uint) defs.Err_t                        { return -defs.ENOSYS }
func (failFops) Pollone(fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t)    { return 0, 0 }

// fakeFile is an in-memory mmap-able backing object: one preallocated frame
// per page, with dirty-notification and unpin recording for the shared-file
// fault path.
type fakeFile struct {
	failFops
	phys     *pmm.Buddy_t
	pages    []pmm.Pa_t
	dirtied  []int
	unpinned []pmm.Pa_t
}

func newFakeFile(t *testing.T, phys *pmm.Buddy_t, npages int) *fakeFile {
	t.Helper()
	f := &fakeFile{phys: phys}
	for i := 0; i < npages; i++ {
		_, pa, ok := phys.Refpg_new()
		if !ok {
			t.Fatal("no frame for fake file page")
		}
		phys.Refup(pa) // the "cache" holds its own reference
		f.pages = append(f.pages, pa)
	}
	return f
}

func (f *fakeFile) Mmapi(offset, ln int, inhibit bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	out := make([]fdops.Mmapinfo_t, 0, ln)
	for i := 0; i < ln; i++ {
		idx := offset/pmm.PGSIZE + i
		if idx >= len(f.pages) {
			return nil, -defs.EINVAL
		}
		pa := f.pages[idx]
		out = append(out, fdops.Mmapinfo_t{Pg: f.phys.Dmap(pa), Phys: pa})
	}
	return out, 0
}

func (f *fakeFile) NotifyDirty(offset int) { f.dirtied = append(f.dirtied, offset) }
func (f *fakeFile) Unpin(pa pmm.Pa_t)      { f.unpinned = append(f.unpinned, pa) }
