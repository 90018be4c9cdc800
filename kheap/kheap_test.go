package kheap

import (
	"testing"
	"unsafe"

	"gokernel/pmm"
)

// testMapper hands out page-multiples of real memory from a Go slice, the
// way pgtbl would hand the heap freshly mapped kernel pages.
type testMapper struct {
	backing []byte
	off     int
	calls   int
}

func (m *testMapper) mapPage(bytes int) (uintptr, bool) {
	m.calls++
	if m.off+bytes > len(m.backing) {
		return 0, false
	}
	addr := uintptr(unsafe.Pointer(&m.backing[m.off]))
	m.off += bytes
	return addr, true
}

func testHeap(arenaPages, maxPages int) (*Heap_t, *testMapper) {
	m := &testMapper{backing: make([]byte, arenaPages*pmm.PGSIZE)}
	return New(maxPages*pmm.PGSIZE, m.mapPage), m
}

func TestAllocExtendsOnDemand(t *testing.T) {
	h, m := testHeap(8, 8)
	if _, ok := h.Alloc(64); !ok {
		t.Fatal("first allocation failed")
	}
	if m.calls != 1 {
		t.Errorf("an empty heap must map backing memory exactly once, mapped %d times", m.calls)
	}
	if _, ok := h.Alloc(64); !ok {
		t.Fatal("second allocation failed")
	}
	if m.calls != 1 {
		t.Error("a small allocation into a non-empty arena must not extend again")
	}
}

func TestAllocRoundsExtensionToPages(t *testing.T) {
	h, m := testHeap(8, 8)
	if _, ok := h.Alloc(pmm.PGSIZE + 100); !ok {
		t.Fatal("allocation failed")
	}
	if m.off%pmm.PGSIZE != 0 {
		t.Errorf("extension must be a page multiple, mapped %d bytes", m.off)
	}
	if got := h.ArenaBytes(); got != int64(m.off) {
		t.Errorf("ArenaBytes %d does not match mapped %d", got, m.off)
	}
}

func TestFreeAndReuse(t *testing.T) {
	h, m := testHeap(8, 8)
	a, ok := h.Alloc(256)
	if !ok {
		t.Fatal("allocation failed")
	}
	h.Free(a, 256)
	b, ok := h.Alloc(256)
	if !ok {
		t.Fatal("re-allocation failed")
	}
	if b != a {
		t.Errorf("a freed block must be reused first-fit, got %#x want %#x", b, a)
	}
	if m.calls != 1 {
		t.Error("reuse must not extend the arena")
	}
}

func TestAllocAligned(t *testing.T) {
	h, _ := testHeap(8, 8)
	for _, align := range []int{16, 64, 256} {
		a, ok := h.AllocAligned(100, align)
		if !ok {
			t.Fatalf("aligned allocation (align %d) failed", align)
		}
		if a%uintptr(align) != 0 {
			t.Errorf("address %#x not %d-aligned", a, align)
		}
	}
}

func TestAllocatedBytesAccounting(t *testing.T) {
	h, _ := testHeap(8, 8)
	a, _ := h.Alloc(100)
	b, _ := h.Alloc(200)
	if got := h.AllocatedBytes(); got != 300 {
		t.Errorf("expected 300 allocated bytes, got %d", got)
	}
	h.Free(a, 100)
	h.Free(b, 200)
	if got := h.AllocatedBytes(); got != 0 {
		t.Errorf("expected 0 allocated bytes after frees, got %d", got)
	}
}

func TestAllocFailsWhenMapperExhausted(t *testing.T) {
	h, _ := testHeap(1, 8) // mapper has one page, bound allows eight
	if _, ok := h.Alloc(pmm.PGSIZE / 2); !ok {
		t.Fatal("first allocation failed")
	}
	if _, ok := h.Alloc(4 * pmm.PGSIZE); ok {
		t.Error("allocation must fail when the mapper cannot extend")
	}
}

func TestExceedingUpperBoundPanics(t *testing.T) {
	h, _ := testHeap(8, 1) // bound is one page
	defer func() {
		if recover() == nil {
			t.Error("exceeding the heap's upper bound must be fatal")
		}
	}()
	h.Alloc(2 * pmm.PGSIZE)
}
