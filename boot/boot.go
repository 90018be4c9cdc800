// Package boot parses the multiboot2-style info block named in spec §6
// into frame-allocator ingestion ranges: the memory map, kernel and module
// physical ranges. This is the one piece of the Boot protocol collaborator
// whose on-the-wire format is specified (the multiboot2 tag structure is
// a public, stable format), so unlike ACPI/AHCI/ext2 it is implemented
// here rather than merely summarized as an interface — but only the tags
// pmm.Phys_init and the kernel build-version check need.
package boot

import (
	"encoding/binary"
	"fmt"
)

// Multiboot2 tag types this parser understands; the rest are skipped by
// their declared size, matching the "ignore tags you don't recognize"
// contract of the format.
const (
	tagEnd       = 0
	tagMemoryMap = 6
	tagModule    = 3
)

// mmapEntryType values from the multiboot2 memory map tag.
const (
	MemAvailable = 1
	MemReserved  = 2
	MemACPI      = 3
	MemNVS       = 4
	MemBadRAM    = 5
)

// MemRange is one entry of the parsed memory map.
type MemRange struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// Module describes one boot module's physical extent (used for the
// kernel-version stamp check in version.go and for loading an initial
// ramdisk-style payload).
type Module struct {
	Start, End uint64
	CmdLine    string
}

// Info is the parsed subset of the multiboot2 info block this core
// consumes.
type Info struct {
	MemoryMap []MemRange
	Modules   []Module
}

// Parse walks the multiboot2 tag list starting at info (the raw bytes of
// the info block, beginning at its 8-byte total-size-and-reserved header)
// and returns the memory map and module ranges.
func Parse(info []byte) (*Info, error) {
	if len(info) < 8 {
		return nil, fmt.Errorf("boot: info block too short")
	}
	totalSize := binary.LittleEndian.Uint32(info[0:4])
	if int(totalSize) > len(info) {
		return nil, fmt.Errorf("boot: declared size %d exceeds buffer %d", totalSize, len(info))
	}

	out := &Info{}
	off := 8
	for off+8 <= int(totalSize) {
		typ := binary.LittleEndian.Uint32(info[off : off+4])
		size := binary.LittleEndian.Uint32(info[off+4 : off+8])
		if size < 8 {
			return nil, fmt.Errorf("boot: malformed tag at offset %d", off)
		}
		body := info[off+8 : min(off+int(size), len(info))]

		switch typ {
		case tagEnd:
			return out, nil
		case tagMemoryMap:
			if err := parseMemoryMap(body, out); err != nil {
				return nil, err
			}
		case tagModule:
			if err := parseModule(body, out); err != nil {
				return nil, err
			}
		}

		// tags are 8-byte aligned.
		off += int((size + 7) &^ 7)
	}
	return out, nil
}

func parseMemoryMap(body []byte, out *Info) error {
	if len(body) < 8 {
		return fmt.Errorf("boot: memory map tag too short")
	}
	entrySize := binary.LittleEndian.Uint32(body[0:4])
	if entrySize < 24 {
		return fmt.Errorf("boot: memory map entry size %d too small", entrySize)
	}
	entries := body[8:]
	for off := 0; off+int(entrySize) <= len(entries); off += int(entrySize) {
		e := entries[off : off+int(entrySize)]
		out.MemoryMap = append(out.MemoryMap, MemRange{
			Base:   binary.LittleEndian.Uint64(e[0:8]),
			Length: binary.LittleEndian.Uint64(e[8:16]),
			Type:   binary.LittleEndian.Uint32(e[16:20]),
		})
	}
	return nil
}

func parseModule(body []byte, out *Info) error {
	if len(body) < 8 {
		return fmt.Errorf("boot: module tag too short")
	}
	start := binary.LittleEndian.Uint32(body[0:4])
	end := binary.LittleEndian.Uint32(body[4:8])
	cmdline := ""
	if nul := indexByte(body[8:], 0); nul >= 0 {
		cmdline = string(body[8 : 8+nul])
	}
	out.Modules = append(out.Modules, Module{Start: uint64(start), End: uint64(end), CmdLine: cmdline})
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// IngestRanges returns the page-aligned, MemAvailable-only ranges in the
// (base, length) form pmm.Phys_init's Ingest loop expects, dropping
// anything reserved, ACPI-owned, or otherwise unusable.
func (i *Info) IngestRanges() [][2]uint64 {
	const pageSize = 1 << 12
	var out [][2]uint64
	for _, r := range i.MemoryMap {
		if r.Type != MemAvailable {
			continue
		}
		base := (r.Base + pageSize - 1) &^ (pageSize - 1)
		end := (r.Base + r.Length) &^ (pageSize - 1)
		if end <= base {
			continue
		}
		out = append(out, [2]uint64{base, end - base})
	}
	return out
}
