// Package blockdev stands in for the Block device provider collaborator of
// spec §6 (byte-addressable random-access read/write of a backing object,
// sector-sized access under the hood) by layering it on a host file via
// golang.org/x/sys/unix, per SPEC_FULL's DOMAIN STACK wiring table. Real
// AHCI/IDE drivers are explicitly out of scope (§1); this is the
// development/test stand-in the page cache's Get/Flush callbacks exercise.
package blockdev

import (
	"os"

	"golang.org/x/sys/unix"

	"gokernel/defs"
)

// SectorSize is the minimum addressable unit real block devices expose;
// reads/writes here are not required to be sector-aligned (the page cache
// always asks for whole pages), but the constant documents the collaborator
// contract an ext2-style filesystem layered on top would assume.
const SectorSize = 512

// File is a block device backed by a single host file, opened with its own
// file descriptor so ReadDirect/WriteDirect can use pread/pwrite without
// disturbing any other reader's offset.
type File struct {
	f  *os.File
	fd int
}

// Open opens path as a block device, creating it if absent.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, fd: int(f.Fd())}, nil
}

// Close releases the underlying file descriptor.
func (d *File) Close() error {
	return d.f.Close()
}

// Size reports the backing file's current length, used to seed a regular
// file's inode size when it is first opened.
func (d *File) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReadDirect implements the Block device provider's read_direct(offset,
// out): a positioned read that does not move any shared file offset.
func (d *File) ReadDirect(offset int64, out []byte) defs.Err_t {
	n, err := unix.Pread(d.fd, out, offset)
	if err != nil {
		return -defs.EIO
	}
	if n != len(out) {
		// a short read past end-of-file reads as zeros, matching a sparse
		// block device that has never been written at this offset.
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	}
	return 0
}

// WriteDirect implements write_direct(offset, in).
func (d *File) WriteDirect(offset int64, in []byte) defs.Err_t {
	n, err := unix.Pwrite(d.fd, in, offset)
	if err != nil || n != len(in) {
		return -defs.EIO
	}
	return 0
}

// Sync flushes data (not necessarily metadata) to the backing store,
// serving the core's sync()/fdatasync-style durability calls.
func (d *File) Sync() defs.Err_t {
	if err := unix.Fdatasync(d.fd); err != nil {
		return -defs.EIO
	}
	return 0
}
