// Exec replaces a task's address space with a freshly loaded binary, per
// spec §4.6: tear down user regions, allocate a fresh root, load the binary
// via the VM map, map a user stack, build the initial stack with argv/envp
// vectors and alignment, clear the register frame, and jump to user mode.
//
// There is no exec in the retrieved corpus (biscuit's patched-runtime build
// keeps it out of the files retrieved for this spec), so the stack-building
// shape here follows the same "plain struct, explicit byte layout" texture
// as vm/as.go's Userdmap8_inner family. argv/envp validation is new:
// SPEC_FULL's DOMAIN STACK wires golang.org/x/text's UTF-8 validator into
// this path since exec is the one place untrusted byte strings are copied
// verbatim onto a page the user program will read as null-terminated C
// strings.
package task

import (
	"encoding/binary"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"gokernel/defs"
	"gokernel/fdops"
	"gokernel/pgtbl"
	"gokernel/pmm"
	"gokernel/vmmap"
)

const (
	userStackPages = 32 // 128KiB user stack, matching a conservative default ulimit
	stackTop       = uintptr(0x0000_7fff_ffff_f000)
	stackAlign     = 16
)

// validateString runs s through encoding.UTF8Validator so an exec carrying
// malformed envp/argv bytes fails with EINVAL before anything is copied
// onto the new user stack, rather than confusing a later user-space string
// routine that assumes valid UTF-8.
func validateString(s string) defs.Err_t {
	if _, _, err := transform.String(encoding.UTF8Validator, s); err != nil {
		return -defs.EINVAL
	}
	return 0
}

// buildStack lays out argv/envp the way the x86-64 SysV ABI expects at the
// initial stack pointer: argc, argv pointers (NULL-terminated), envp
// pointers (NULL-terminated), then the string bytes themselves, with the
// final stack pointer 16-byte aligned. page is the backing page's bytes
// and base is page[0]'s virtual address; returns the initial stack
// pointer.
func buildStack(page []uint8, base uintptr, argv, envp []string) uintptr {
	off := len(page)
	putStr := func(s string) uintptr {
		b := append([]byte(s), 0)
		off -= len(b)
		copy(page[off:], b)
		return base + uintptr(off)
	}
	var envpAddrs, argvAddrs []uintptr
	for _, s := range envp {
		envpAddrs = append(envpAddrs, putStr(s))
	}
	for _, s := range argv {
		argvAddrs = append(argvAddrs, putStr(s))
	}
	off &^= stackAlign - 1
	// argc, both vectors and their NULL terminators take an odd number of
	// words when argc+envc is even; one pad word keeps sp 16-byte aligned.
	if (len(argv)+len(envp)+3)%2 != 0 {
		off -= 8
	}

	write := func(v uintptr) {
		off -= 8
		binary.LittleEndian.PutUint64(page[off:off+8], uint64(v))
	}
	write(0) // envp NULL terminator
	for i := len(envpAddrs) - 1; i >= 0; i-- {
		write(envpAddrs[i])
	}
	write(0) // argv NULL terminator
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		write(argvAddrs[i])
	}
	write(uintptr(len(argv))) // argc

	return base + uintptr(off)
}

// Exec tears down t's current user mappings and installs a fresh image.
// exe/phdrs describe the binary the way vmmap.LoadBinary consumes them;
// entry is its ELF entry point. argv/envp are validated and copied onto a
// freshly allocated user stack. On success, t's Arch.Rip/Rsp are set to the
// new entry point and stack pointer and the caller (the user-entry
// trampoline) resumes t in user mode; on failure t is left with its
// original address space intact (§7's "partial state is torn down").
func Exec(t *Task, phys *pmm.Buddy_t, exe fdops.Fdops_i, phdrs []vmmap.ProgHeader, entry uintptr, argv, envp []string) defs.Err_t {
	for _, s := range argv {
		if err := validateString(s); err != 0 {
			return err
		}
	}
	for _, s := range envp {
		if err := validateString(s); err != 0 {
			return err
		}
	}

	newVM, ok := vmmap.New(phys)
	if !ok {
		return -defs.ENOMEM
	}
	if err := newVM.LoadBinary(exe, phdrs); err != 0 {
		newVM.Free()
		return err
	}

	stackLen := userStackPages * pmm.PGSIZE
	stackStart := stackTop - uintptr(stackLen)
	newVM.AddAnon(stackStart, uintptr(stackLen), pgtbl.PTE_U|pgtbl.PTE_W)

	// the top stack page must hold argv/envp immediately, unlike ordinary
	// demand-paged anon pages, so it is installed eagerly here rather than
	// left for HandlePageFault.
	topPage := stackTop - uintptr(pmm.PGSIZE)
	pg, p_pg, ok := phys.Refpg_new()
	if !ok {
		newVM.Free()
		return -defs.ENOMEM
	}
	if !newVM.PT.Map_to(topPage, p_pg, pgtbl.PTE_U|pgtbl.PTE_W) {
		phys.Deallocate(p_pg, 0)
		newVM.Free()
		return -defs.ENOMEM
	}

	sp := buildStack(pmm.Pg2bytes(pg)[:], topPage, argv, envp)

	if t.AS != nil {
		t.AS.Unref()
	}
	t.AS = NewAddrSpace(newVM)
	t.Arch.Rip = entry
	t.Arch.Rsp = sp
	t.Arch.Rbp = 0
	t.Arch.Rbx, t.Arch.R12, t.Arch.R13, t.Arch.R14, t.Arch.R15 = 0, 0, 0, 0, 0
	t.Arch.FSBase = 0
	t.TLSBase = 0
	t.Sig.ClearPending()
	return 0
}
