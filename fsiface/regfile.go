package fsiface

import (
	"sync"
	"time"
	"unsafe"

	"gokernel/defs"
	"gokernel/fdops"
	"gokernel/pagecache"
	"gokernel/pmm"
	"gokernel/stat"
	"gokernel/timer"
	"gokernel/ustr"
)

// pagesPerMaxCache bounds how many pages a single regular file's private
// cache holds before evicting, matching fs.Bdev_block_t's convention of a
// modest fixed cache rather than one sized to the file.
const pagesPerMaxCache = 256

// RegularFile is the concrete, cache-backed Inode a block device-mounted
// filesystem installs behind a descriptor or a file-backed VM mapping.
// It is the collaborator pagecache.Cache and blockdev.File were built to
// sit behind: Read/Write/Mmapi route every page through the cache, which
// fills misses from dev and writes dirty pages back to it, rather than
// touching dev directly on every access (spec §4.5).
//
// Each RegularFile owns a private *pagecache.Cache instead of sharing one
// cache across every open file: Cache.FlushAll applies a single
// WritebackFunc to every dirty page it holds, so a cache shared by files
// with different backing devices would misdirect writes on flush.
type RegularFile struct {
	mu    sync.Mutex
	dev   BlockDevice
	cache *pagecache.Cache
	size  int64
	pins  map[pmm.Pa_t]*pagecache.Page

	// wbTimers/wbDelay, when configured via ArmWriteback, schedule a
	// deferred Sync the first time a clean file goes dirty; wbArmed guards
	// against re-arming while one is already pending (spec §4.5: "arm a
	// write-back timer if not already armed").
	wbTimers *timer.List
	wbDelay  time.Duration
	wbArmed  bool
}

// NewRegularFile returns a RegularFile reading and writing through dev, its
// pages cached in a private cache backed by phys, initially size bytes
// long (the backing device's length at open time).
func NewRegularFile(dev BlockDevice, phys *pmm.Buddy_t, size int64) *RegularFile {
	return &RegularFile{
		dev:   dev,
		cache: pagecache.New(phys, pagesPerMaxCache),
		size:  size,
		pins:  make(map[pmm.Pa_t]*pagecache.Page),
	}
}

// id is this file's cache-key identity: its own address, boxed, unique for
// as long as the RegularFile is alive and never shared with another file's
// pages even though each file has its own cache instance.
func (f *RegularFile) id() uintptr { return uintptr(unsafe.Pointer(f)) }

func (f *RegularFile) key(pageIdx int) pagecache.Key {
	return pagecache.Key{Obj: f.id(), Index: pageIdx}
}

// fill reads one page's worth of bytes from dev at the page's offset,
// handed to pagecache.Cache.Get as its FillFunc.
func (f *RegularFile) fill(pageIdx int) pagecache.FillFunc {
	return func(data *pmm.Bytepg_t) defs.Err_t {
		return f.dev.ReadDirect(int64(pageIdx)*int64(pmm.PGSIZE), data[:])
	}
}

// writeback persists one dirty page to dev at its page-aligned offset,
// handed to Cache.Flush/FlushAll as the WritebackFunc.
func (f *RegularFile) writeback(key pagecache.Key, data *pmm.Bytepg_t) defs.Err_t {
	return f.dev.WriteDirect(int64(key.Index)*int64(pmm.PGSIZE), data[:])
}

// page returns the cached page covering byte offset off, filling it from
// dev on a miss.
func (f *RegularFile) page(off int) (*pagecache.Page, defs.Err_t) {
	idx := off / pmm.PGSIZE
	return f.cache.Get(f.key(idx), f.fill(idx))
}

// ArmWriteback configures deferred write-back: the first MarkDirty after a
// Sync arms a one-shot timer on l that flushes every dirty page delay
// later, instead of leaving Sync/Close as the only flush points.
func (f *RegularFile) ArmWriteback(l *timer.List, delay time.Duration) {
	f.mu.Lock()
	f.wbTimers = l
	f.wbDelay = delay
	f.mu.Unlock()
}

// markDirty flags pg for write-back and arms the write-back timer if one is
// configured and not already pending.
func (f *RegularFile) markDirty(pg *pagecache.Page) {
	f.cache.MarkDirty(pg)
	f.mu.Lock()
	if f.wbTimers == nil || f.wbArmed {
		f.mu.Unlock()
		return
	}
	f.wbArmed = true
	l, delay := f.wbTimers, f.wbDelay
	f.mu.Unlock()
	l.Add(time.Now().Add(delay), func() {
		f.mu.Lock()
		f.wbArmed = false
		f.mu.Unlock()
		f.Sync()
	})
}

// NotifyDirty implements fdops.Dirtier_i: the VM map reports a write fault
// on a shared mapping of the page covering offset, which from the cache's
// point of view is the same as a Write through the descriptor.
func (f *RegularFile) NotifyDirty(offset int) {
	pg, err := f.page(offset)
	if err != 0 {
		return
	}
	f.markDirty(pg)
	f.mu.Lock()
	if int64(offset)+int64(pmm.PGSIZE) > f.size {
		// a mapped write may extend into the page's tail past the recorded
		// size; the next Sync persists the whole page either way.
		f.size = int64(offset) + int64(pmm.PGSIZE)
	}
	f.mu.Unlock()
}

// Read implements fdops.Fdops_i.Read: copies min(dst's remaining room, the
// file's remaining bytes past offset) bytes into dst, paging through the
// cache one page at a time.
func (f *RegularFile) Read(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()

	total := 0
	for offset < int(size) && dst.Remain() > 0 {
		pg, err := f.page(offset)
		if err != 0 {
			return total, err
		}
		pageOff := offset % pmm.PGSIZE
		end := pmm.PGSIZE
		if int64(offset-pageOff)+int64(end) > size {
			end = int(size - int64(offset-pageOff))
		}
		pg.Lock()
		chunk := pg.Data[pageOff:end]
		pg.Unlock()
		n, err := dst.Uiowrite(chunk)
		if err != 0 {
			return total, err
		}
		total += n
		offset += n
		if n == 0 {
			break
		}
	}
	return total, 0
}

// Write implements fdops.Fdops_i.Write: copies src into the cache one page
// at a time, marking each touched page dirty and growing the file's
// recorded size past its current end.
func (f *RegularFile) Write(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	total := 0
	for src.Remain() > 0 {
		pg, err := f.page(offset)
		if err != 0 {
			return total, err
		}
		pageOff := offset % pmm.PGSIZE
		pg.Lock()
		n, err := src.Uioread(pg.Data[pageOff:])
		pg.Unlock()
		if err != 0 {
			return total, err
		}
		if n == 0 {
			break
		}
		f.markDirty(pg)
		total += n
		offset += n
		f.mu.Lock()
		if int64(offset) > f.size {
			f.size = int64(offset)
		}
		f.mu.Unlock()
	}
	return total, 0
}

// Mmapi implements fdops.Fdops_i.Mmapi: returns len consecutive cached
// pages starting at offset, pinning each so the cache will not evict it
// while the VM map holds a direct reference to its frame. Unpin (called on
// munmap or eviction-triggered unmap) releases the pin.
func (f *RegularFile) Mmapi(offset, length int, inhibit bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	out := make([]fdops.Mmapinfo_t, 0, length)
	for i := 0; i < length; i++ {
		pg, err := f.page(offset + i*pmm.PGSIZE)
		if err != 0 {
			return nil, err
		}
		f.mu.Lock()
		_, pinned := f.pins[pg.Pa]
		if !pinned {
			f.pins[pg.Pa] = pg
		}
		f.mu.Unlock()
		if !pinned {
			// one pin per distinct page, however many faults re-request it;
			// Unpin releases it once when the last mapping is torn down.
			f.cache.Pin(pg)
		}
		perms := pmm.Pa_t(0)
		out = append(out, fdops.Mmapinfo_t{Pg: pmm.Bytepg2pg(pg.Data), Phys: pg.Pa, Perms: perms})
	}
	return out, 0
}

// Unpin implements fdops.Unpin_i: releases the cache pin Mmapi took on the
// page at phys, called when a shared mapping of it is torn down.
func (f *RegularFile) Unpin(phys pmm.Pa_t) {
	f.mu.Lock()
	pg, ok := f.pins[phys]
	if ok {
		delete(f.pins, phys)
	}
	f.mu.Unlock()
	if ok {
		f.cache.Unpin(pg)
	}
}

// NotifyClean drops the dirty state of the cached page covering offset
// without writing it back, the demote half of the §4.5 dirty protocol (the
// read-only PTE demotion itself is the VM map's job).
func (f *RegularFile) NotifyClean(offset int) {
	pg, ok := f.cache.Peek(f.key(offset / pmm.PGSIZE))
	if !ok {
		return
	}
	f.cache.MarkClean(pg)
}

// Sync flushes every dirty page to dev. Safe to apply one WritebackFunc to
// the whole cache because this cache is private to f.
func (f *RegularFile) Sync() defs.Err_t {
	return f.cache.FlushAll(f.writeback)
}

// Close flushes outstanding writes before releasing the file.
func (f *RegularFile) Close() defs.Err_t {
	return f.Sync()
}

// Reopen is a no-op: RegularFile carries no per-open state beyond the
// shared cache and size, matching a dup'd descriptor sharing the same
// inode.
func (f *RegularFile) Reopen() defs.Err_t { return 0 }

// Truncate changes the file's recorded size. Shrinking does not evict
// already-cached pages past the new end; they are simply never read past
// the new size and are overwritten if the file grows back into them.
func (f *RegularFile) Truncate(newlen uint) defs.Err_t {
	f.mu.Lock()
	f.size = int64(newlen)
	f.mu.Unlock()
	return 0
}

// Lseek implements fdops.Fdops_i.Lseek: whence 0 (SEEK_SET) and 1
// (SEEK_CUR) are the caller's responsibility to combine with off; this
// regular file only validates that the result is non-negative.
func (f *RegularFile) Lseek(off, whence int) (int, defs.Err_t) {
	if off < 0 {
		return 0, -defs.EINVAL
	}
	return off, 0
}

// Pollone reports a regular file as always ready: reads and writes never
// block on one (spec §4.5 names blocking I/O as a pipe-only concern).
func (f *RegularFile) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return (fdops.R_READ | fdops.R_WRITE) & pm.Events, 0
}

// Fstat implements fdops.Fdops_i.Fstat.
func (f *RegularFile) Fstat(st *stat.Stat_t) defs.Err_t {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()
	StatFrom(st, 0, uint(f.id()), stat.S_IFREG, uint(size))
	return 0
}

// Lookup implements Inode.Lookup: a regular file has no directory entries.
func (f *RegularFile) Lookup(name ustr.Ustr) (Inode, defs.Err_t) {
	return nil, -defs.ENOTDIR
}

// ReadAt implements Inode.ReadAt via fdops.Fakeubuf_t, giving pread-style
// callers the same cache-backed path as Read without needing a Userio_i of
// their own.
func (f *RegularFile) ReadAt(dst []uint8, offset int) (int, defs.Err_t) {
	var buf fdops.Fakeubuf_t
	buf.Fake_init(dst)
	return f.Read(&buf, offset)
}

// WriteAt implements Inode.WriteAt, the pwrite-style counterpart to
// ReadAt.
func (f *RegularFile) WriteAt(src []uint8, offset int) (int, defs.Err_t) {
	var buf fdops.Fakeubuf_t
	buf.Fake_init(src)
	return f.Write(&buf, offset)
}

// Ioctl implements Inode.Ioctl: a plain regular file recognizes none.
func (f *RegularFile) Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t) {
	return 0, -defs.ENOSYS
}

// sizer is satisfied by a BlockDevice that can report its current length,
// which blockdev.File does; FlatMounter uses it to seed a freshly mounted
// RegularFile's size instead of assuming zero.
type sizer interface {
	Size() (int64, error)
}

// FlatMounter is the Mounter spec §6 names, minimally: it treats an entire
// mounted block device as one regular file reachable at its mount target,
// with no directory structure underneath. §1's Non-goals exclude ext2's
// on-disk layout, not the mount/unmount contract, so this is the stand-in
// a system-call layer's mount(2)/umount(2) entries drive.
type FlatMounter struct {
	phys *pmm.Buddy_t

	mu   sync.Mutex
	live map[string]*RegularFile
}

// NewFlatMounter returns a FlatMounter whose mounted files cache pages
// through phys.
func NewFlatMounter(phys *pmm.Buddy_t) *FlatMounter {
	return &FlatMounter{phys: phys, live: make(map[string]*RegularFile)}
}

// Mount implements Mounter.Mount: wraps dev in a new RegularFile, seeding
// its size from dev if it can report one.
func (m *FlatMounter) Mount(dev BlockDevice, target ustr.Ustr) (Inode, defs.Err_t) {
	var size int64
	if s, ok := dev.(sizer); ok {
		if n, err := s.Size(); err == nil {
			size = n
		}
	}
	rf := NewRegularFile(dev, m.phys, size)
	m.mu.Lock()
	m.live[string(target)] = rf
	m.mu.Unlock()
	return rf, 0
}

// Unmount implements Mounter.Unmount: flushes and forgets the file mounted
// at target.
func (m *FlatMounter) Unmount(target ustr.Ustr) defs.Err_t {
	m.mu.Lock()
	rf, ok := m.live[string(target)]
	delete(m.live, string(target))
	m.mu.Unlock()
	if !ok {
		return -defs.ENOENT
	}
	return rf.Sync()
}

// Sync implements Mounter.Sync: flushes every currently mounted file.
func (m *FlatMounter) Sync() defs.Err_t {
	m.mu.Lock()
	files := make([]*RegularFile, 0, len(m.live))
	for _, rf := range m.live {
		files = append(files, rf)
	}
	m.mu.Unlock()
	for _, rf := range files {
		if err := rf.Sync(); err != 0 {
			return err
		}
	}
	return 0
}
