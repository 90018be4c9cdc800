// Package fsiface declares the Filesystem collaborator interface named in
// spec §6: an inode abstraction (lookup, read_at, write_at, stat, poll,
// ioctl, mmap-page) and a directory-entry cache, without implementing
// ext2 — the on-disk layout is explicitly out of scope (§1's Non-goals).
// The VM map only ever needs Inode's Mmapi/Fstat (via fdops.Fdops_i,
// which Inode is declared to satisfy structurally); the rest of this
// interface exists for a system-call layer's I/O category to dispatch
// onto, once a real filesystem is plugged in.
package fsiface

import (
	"sync"

	"gokernel/defs"
	"gokernel/fdops"
	"gokernel/stat"
	"gokernel/ustr"
)

// Inode is one filesystem object: a regular file, directory, device node,
// or symlink. It embeds fdops.Fdops_i so any Inode can be installed
// directly behind an fd.Fd_t or a file-backed vmmap region.
type Inode interface {
	fdops.Fdops_i

	// Lookup resolves one path component within a directory inode.
	Lookup(name ustr.Ustr) (Inode, defs.Err_t)
	// ReadAt and WriteAt transfer bytes at an explicit offset, independent
	// of any fd's seek position (used by pread/pwrite-style syscalls).
	ReadAt(dst []uint8, offset int) (int, defs.Err_t)
	WriteAt(src []uint8, offset int) (int, defs.Err_t)
	// Ioctl dispatches a device-specific control operation.
	Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t)
}

// DirentCache maps canonicalized path keys to resolved inodes, the
// directory-entry cache spec §6 names alongside the inode interface.
// Filesystems populate it; the core only consults it through this
// interface.
type DirentCache interface {
	Lookup(path ustr.Ustr) (Inode, bool)
	Insert(path ustr.Ustr, ino Inode)
	Remove(path ustr.Ustr)
}

// PathCache is the map-backed DirentCache this core provides for
// collaborators that have no filesystem of their own to resolve paths with:
// the system-call layer's mount entry registers mounted inodes here and its
// open entry looks them up. Keys are canonicalized paths.
type PathCache struct {
	mu   sync.Mutex
	ents map[string]Inode
}

// NewPathCache returns an empty PathCache.
func NewPathCache() *PathCache {
	return &PathCache{ents: make(map[string]Inode)}
}

// Lookup implements DirentCache.Lookup.
func (pc *PathCache) Lookup(path ustr.Ustr) (Inode, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	ino, ok := pc.ents[string(path)]
	return ino, ok
}

// Insert implements DirentCache.Insert, replacing any existing entry.
func (pc *PathCache) Insert(path ustr.Ustr, ino Inode) {
	pc.mu.Lock()
	pc.ents[string(path)] = ino
	pc.mu.Unlock()
}

// Remove implements DirentCache.Remove.
func (pc *PathCache) Remove(path ustr.Ustr) {
	pc.mu.Lock()
	delete(pc.ents, string(path))
	pc.mu.Unlock()
}

// Mounter is the minimal mount/unmount contract a filesystem implementation
// exposes to the system-call layer's mount/umount entries.
type Mounter interface {
	Mount(dev BlockDevice, target ustr.Ustr) (Inode, defs.Err_t)
	Unmount(target ustr.Ustr) defs.Err_t
	Sync() defs.Err_t
}

// BlockDevice is the Block device provider collaborator of spec §6: a
// positioned byte-addressable read/write surface. blockdev.File implements
// it over a host file.
type BlockDevice interface {
	ReadDirect(offset int64, out []byte) defs.Err_t
	WriteDirect(offset int64, in []byte) defs.Err_t
	Sync() defs.Err_t
}

// StatFrom is a convenience any Inode implementation's Fstat may delegate
// to once it has populated a stat.Stat_t, kept here rather than in stat
// itself since it is specific to how an Inode's Fstat composes fields.
func StatFrom(st *stat.Stat_t, dev, ino, mode, size uint) {
	st.Wdev(dev)
	st.Wino(ino)
	st.Wmode(mode)
	st.Wsize(size)
}
