package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/mm"
)

// ELF header parsing itself is an out-of-scope external collaborator
// (spec.md §1); debug/elf, the standard library's own ELF reader, fills
// that role here rather than a hand-rolled or third-party parser, the
// same way the teacher's own loader leans on it for host ELF binaries.

const (
	argvMax        = 128
	userStackBytes = 32 * 1024
	userStackTop   = mm.Addr(0xc0000000)
)

// Layout describes the addresses exec() hands to IRET (spec.md §6:
// "builds the user stack with (argc, argv, stack_high, stack_low), and
// IRETs to the entry point"). The IRET itself is out of scope (IDT/
// segment-descriptor wiring); this kernel stops at computing and
// writing these addresses.
type Layout struct {
	Entry     mm.Addr
	StackLow  mm.Addr
	StackHigh mm.Addr
	ArgvAddr  mm.Addr
	Argc      int
	InitialSP mm.Addr
}

// Load implements exec()'s image-construction half (spec.md §6): it
// loads entry's ELF32 PT_LOAD segments (text/rodata read-only, data
// read-write, bss as ZFOD) into as, then builds a fresh user stack
// holding argv's strings and pointer array. The caller is responsible
// for validating argv and allocating as beforehand (spec.md: "validates
// argv...allocates a new address space" precede segment loading).
func Load(as *mm.AddressSpace, entry *Entry, argv []string) (Layout, errno.Errno) {
	if len(argv) > argvMax {
		return Layout{}, errno.E2BIG
	}

	f, ferr := elf.NewFile(bytes.NewReader(entry.Bytes))
	if ferr != nil {
		return Layout{}, errno.ENOEXEC
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return Layout{}, errno.ENOEXEC
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if errc := loadSegment(as, prog); errc != errno.ESUCCESS {
			return Layout{}, errc
		}
	}

	layout, errc := buildStack(as, argv)
	if errc != errno.ESUCCESS {
		return Layout{}, errc
	}
	layout.Entry = mm.Addr(f.Entry)
	return layout, errno.ESUCCESS
}

// loadSegment maps and populates one PT_LOAD segment. A segment whose
// Memsz exceeds its Filesz has a bss tail, mapped ZFOD rather than
// copied, since zero-fill-on-demand already gives it the all-zero
// content the ELF format specifies for bss.
func loadSegment(as *mm.AddressSpace, prog *elf.Prog) errno.Errno {
	va := mm.Addr(prog.Vaddr)
	rw := prog.Flags&elf.PF_W != 0

	lastDataPage := mm.PageBase(va)
	if prog.Filesz > 0 {
		lastDataPage = mm.PageBase(va + mm.Addr(prog.Filesz) - 1)
		if errc := as.NewRegion(va, int(prog.Filesz), rw, false, false); errc != errno.ESUCCESS {
			return errc
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return errno.ENOEXEC
		}
		if errc := as.CopyIn(va, data); errc != errno.ESUCCESS {
			return errc
		}
	}

	if prog.Memsz > prog.Filesz {
		bssLo := lastDataPage
		if prog.Filesz > 0 {
			bssLo += mm.PageSize
		}
		bssHi := mm.PageBase(va + mm.Addr(prog.Memsz) - 1)
		if bssHi >= bssLo {
			bssBytes := int(bssHi-bssLo) + mm.PageSize
			if errc := as.NewRegion(bssLo, bssBytes, rw, false, true); errc != errno.ESUCCESS {
				return errc
			}
		}
	}
	return errno.ESUCCESS
}

// buildStack maps a fresh user stack below userStackTop and writes
// argv's strings, its NUL-terminated pointer array, and the
// (argc, argv, stack_high, stack_low) frame spec.md §6 names, working
// down from the top.
func buildStack(as *mm.AddressSpace, argv []string) (Layout, errno.Errno) {
	stackLow := userStackTop - userStackBytes
	if errc := as.NewRegion(stackLow, userStackBytes, true, false, false); errc != errno.ESUCCESS {
		return Layout{}, errc
	}

	sp := userStackTop
	ptrs := make([]mm.Addr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		s := append([]byte(argv[i]), 0)
		sp -= mm.Addr(len(s))
		if errc := as.CopyIn(sp, s); errc != errno.ESUCCESS {
			return Layout{}, errc
		}
		ptrs[i] = sp
	}

	sp &^= 3 // word-align before the pointer array
	sp -= mm.Addr(len(ptrs)+1) * 4
	argvAddr := sp
	cur := argvAddr
	for _, p := range ptrs {
		if errc := putWord(as, cur, uint32(p)); errc != errno.ESUCCESS {
			return Layout{}, errc
		}
		cur += 4
	}
	if errc := putWord(as, cur, 0); errc != errno.ESUCCESS { // NULL terminator
		return Layout{}, errc
	}

	sp = argvAddr
	for _, word := range []uint32{uint32(stackLow), uint32(userStackTop), uint32(argvAddr), uint32(len(argv))} {
		sp -= 4
		if errc := putWord(as, sp, word); errc != errno.ESUCCESS {
			return Layout{}, errc
		}
	}

	return Layout{
		StackLow:  stackLow,
		StackHigh: userStackTop,
		ArgvAddr:  argvAddr,
		Argc:      len(argv),
		InitialSP: sp,
	}, errno.ESUCCESS
}

func putWord(as *mm.AddressSpace, va mm.Addr, v uint32) errno.Errno {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return as.CopyIn(va, buf[:])
}
