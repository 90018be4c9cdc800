package pipe

import (
	"testing"
	"time"
	"unsafe"

	"gokernel/defs"
	"gokernel/fdops"
	"gokernel/pmm"
	"gokernel/signal"
	"gokernel/task"
)

// keepaliveBacking pins every test's backing allocation for the lifetime of
// the test binary: SetDirectMap stores the backing address as a bare
// uintptr, which the garbage collector cannot trace, so something must hold
// a real reference to the slice or it could be reclaimed out from under a
// later Dmap.
var keepaliveBacking [][]byte

// testPage backs a fresh Buddy_t with real memory so Cb_ensure's direct-map
// lookups land inside an actual Go allocation instead of an arbitrary
// physical address, mirroring how a real boot would install the direct map
// over ingested RAM before anything calls Dmap.
func testPage(t *testing.T) pmm.Page_i {
	t.Helper()
	const pages = 4
	backing := make([]byte, pages*pmm.PGSIZE+pmm.PGSIZE)
	keepaliveBacking = append(keepaliveBacking, backing)
	base := pmm.Pa_t(pmm.PGSIZE)
	addr := uintptr(unsafe.Pointer(&backing[0]))
	pmm.SetDirectMap(addr - uintptr(base))

	b := &pmm.Buddy_t{}
	b.Ingest(base, uint64(pages)*uint64(pmm.PGSIZE))
	return b
}

func TestPipeWriteThenRead(t *testing.T) {
	owner := task.NewKernelTask()
	r, w, err := New(testPage(t), owner)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	src := &fdops.Fakeubuf_t{}
	src.Fake_init([]byte("hello"))
	n, err := w.Write(src, 0)
	if err != 0 || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	var out [5]byte
	dst := &fdops.Fakeubuf_t{}
	dst.Fake_init(out[:])
	n, err = r.Read(dst, 0)
	if err != 0 || n != 5 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if string(out[:]) != "hello" {
		t.Errorf("expected %q, got %q", "hello", out)
	}
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	owner := task.NewKernelTask()
	r, w, err := New(testPage(t), owner)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	var got [3]byte
	go func() {
		dst := &fdops.Fakeubuf_t{}
		dst.Fake_init(got[:])
		n, err := r.Read(dst, 0)
		if err != 0 || n != 3 {
			t.Errorf("Read: n=%d err=%v", n, err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("read returned before any data was written")
	default:
	}

	src := &fdops.Fakeubuf_t{}
	src.Fake_init([]byte("abc"))
	if _, err := w.Write(src, 0); err != 0 {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked read never woke after write")
	}
	if string(got[:]) != "abc" {
		t.Errorf("expected %q, got %q", "abc", got)
	}
}

func TestPipeReadInterruptedBySignal(t *testing.T) {
	owner := task.NewKernelTask()
	r, _, err := New(testPage(t), owner)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	done := make(chan defs.Err_t)
	go func() {
		var buf [1]byte
		dst := &fdops.Fakeubuf_t{}
		dst.Fake_init(buf[:])
		_, err := r.Read(dst, 0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	owner.Signal(signal.SIGINT)

	select {
	case err := <-done:
		if err != -defs.EINTR {
			t.Errorf("expected -EINTR, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked read was not interrupted by a signal")
	}
}

func TestPipeReadWithSignalAlreadyPending(t *testing.T) {
	owner := task.NewKernelTask()
	r, _, err := New(testPage(t), owner)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	// the signal lands before the read ever parks: registration must
	// notice the pending signal and abort instead of sleeping through it.
	owner.Signal(signal.SIGINT)
	var buf [1]byte
	dst := &fdops.Fakeubuf_t{}
	dst.Fake_init(buf[:])
	if _, err := r.Read(dst, 0); err != -defs.EINTR {
		t.Errorf("expected -EINTR on a read with a signal already pending, got %v", err)
	}
}

func TestPipeWriteAfterReadersClosedReturnsEPIPE(t *testing.T) {
	owner := task.NewKernelTask()
	r, w, err := New(testPage(t), owner)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if err := r.Close(); err != 0 {
		t.Fatalf("Close: %v", err)
	}

	src := &fdops.Fakeubuf_t{}
	src.Fake_init([]byte("x"))
	_, err = w.Write(src, 0)
	if err != -defs.EPIPE {
		t.Errorf("expected -EPIPE, got %v", err)
	}
}

func TestPipeReadReturnsEOFAfterWritersClosed(t *testing.T) {
	owner := task.NewKernelTask()
	r, w, err := New(testPage(t), owner)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != 0 {
		t.Fatalf("Close: %v", err)
	}

	var buf [1]byte
	dst := &fdops.Fakeubuf_t{}
	dst.Fake_init(buf[:])
	n, err := r.Read(dst, 0)
	if err != 0 || n != 0 {
		t.Errorf("expected EOF (n=0, err=0), got n=%d err=%v", n, err)
	}
}
