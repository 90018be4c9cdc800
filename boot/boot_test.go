package boot

import (
	"encoding/binary"
	"testing"
)

// mb2 builds a multiboot2-style info block out of tags for the parser
// tests.
type mb2 struct{ buf []byte }

func (m *mb2) tag(typ uint32, body []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(8+len(body)))
	m.buf = append(m.buf, hdr[:]...)
	m.buf = append(m.buf, body...)
	for len(m.buf)%8 != 0 {
		m.buf = append(m.buf, 0)
	}
}

func (m *mb2) bytes() []byte {
	m.tag(tagEnd, nil)
	out := make([]byte, 8+len(m.buf))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	copy(out[8:], m.buf)
	return out
}

func mmapTag(entries ...MemRange) []byte {
	body := make([]byte, 8+24*len(entries))
	binary.LittleEndian.PutUint32(body[0:4], 24) // entry size
	binary.LittleEndian.PutUint32(body[4:8], 0)  // entry version
	for i, e := range entries {
		off := 8 + 24*i
		binary.LittleEndian.PutUint64(body[off:off+8], e.Base)
		binary.LittleEndian.PutUint64(body[off+8:off+16], e.Length)
		binary.LittleEndian.PutUint32(body[off+16:off+20], e.Type)
	}
	return body
}

func moduleTag(start, end uint32, cmdline string) []byte {
	body := make([]byte, 8+len(cmdline)+1)
	binary.LittleEndian.PutUint32(body[0:4], start)
	binary.LittleEndian.PutUint32(body[4:8], end)
	copy(body[8:], cmdline)
	return body
}

func TestParseMemoryMapAndModules(t *testing.T) {
	var m mb2
	m.tag(tagMemoryMap, mmapTag(
		MemRange{Base: 0, Length: 0x9f000, Type: MemAvailable},
		MemRange{Base: 0x100000, Length: 0x3ff00000, Type: MemAvailable},
		MemRange{Base: 0xfec00000, Length: 0x1000, Type: MemReserved},
	))
	m.tag(tagModule, moduleTag(0x200000, 0x210000, "initrd version=v1.2.0"))

	info, err := Parse(m.bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(info.MemoryMap) != 3 {
		t.Fatalf("expected 3 memory map entries, got %d", len(info.MemoryMap))
	}
	if info.MemoryMap[1].Base != 0x100000 || info.MemoryMap[1].Type != MemAvailable {
		t.Error("memory map entry decoded wrong")
	}
	if len(info.Modules) != 1 {
		t.Fatalf("expected 1 module, got %d", len(info.Modules))
	}
	mod := info.Modules[0]
	if mod.Start != 0x200000 || mod.End != 0x210000 || mod.CmdLine != "initrd version=v1.2.0" {
		t.Errorf("module decoded wrong: %+v", mod)
	}
}

func TestParseSkipsUnknownTags(t *testing.T) {
	var m mb2
	m.tag(21, []byte{1, 2, 3, 4}) // load-base-addr, unused here
	m.tag(tagModule, moduleTag(1, 2, "m"))
	info, err := Parse(m.bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(info.Modules) != 1 {
		t.Error("a known tag after an unknown one was lost")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err == nil {
		t.Error("a truncated info block must be rejected")
	}
	bad := make([]byte, 8)
	binary.LittleEndian.PutUint32(bad[0:4], 64) // declared larger than buffer
	if _, err := Parse(bad); err == nil {
		t.Error("a declared size past the buffer must be rejected")
	}
}

func TestIngestRangesFiltersAndAligns(t *testing.T) {
	info := &Info{MemoryMap: []MemRange{
		{Base: 0x500, Length: 0x3000, Type: MemAvailable}, // unaligned ends
		{Base: 0x100000, Length: 0x1000, Type: MemReserved},
		{Base: 0x200000, Length: 0x2000, Type: MemAvailable},
		{Base: 0x300500, Length: 0x100, Type: MemAvailable}, // vanishes when aligned
	}}
	got := info.IngestRanges()
	if len(got) != 2 {
		t.Fatalf("expected 2 usable ranges, got %d: %v", len(got), got)
	}
	if got[0] != [2]uint64{0x1000, 0x2000} {
		t.Errorf("first range must align inward, got %#x", got[0])
	}
	if got[1] != [2]uint64{0x200000, 0x2000} {
		t.Errorf("second range wrong: %#x", got[1])
	}
}

func TestModuleVersionAndCheck(t *testing.T) {
	mod := Module{CmdLine: "initrd version=v1.2.3 quiet"}
	v, ok := ModuleVersion(mod)
	if !ok || v != "v1.2.3" {
		t.Fatalf("ModuleVersion = %q, %v", v, ok)
	}
	if _, ok := ModuleVersion(Module{CmdLine: "no tag here"}); ok {
		t.Error("a command line without a version tag has no version")
	}

	info := &Info{Modules: []Module{mod}}
	if err := CheckVersion("v1.3.0", info); err != nil {
		t.Errorf("an older same-major module must be accepted: %v", err)
	}
	if err := CheckVersion("v1.1.0", info); err == nil {
		t.Error("a module newer than the kernel must be refused")
	}
	if err := CheckVersion("v2.0.0", info); err == nil {
		t.Error("a cross-major module must be refused")
	}
	if err := CheckVersion("garbage", info); err == nil {
		t.Error("an invalid kernel version must be refused")
	}
}
