package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/mm"
	"github.com/vkernel/vkernel/pkg/pgalloc"
)

// buildELF32 assembles a minimal ELF32/EM_386 image with one PT_LOAD
// segment: len(data) bytes of file content followed by a zero-fill tail
// out to memsz. There is no ELF encoder in the standard library, only the
// decoder this package depends on (debug/elf), so tests build the raw
// bytes directly from debug/elf's own on-disk struct layout
// (Header32/Prog32) rather than hand-rolling a parallel encoding of the
// format.
func buildELF32(t *testing.T, vaddr, memsz uint32, data []byte, flags uint32) []byte {
	t.Helper()

	const ehdrSize = 52
	const phdrSize = 32
	dataOff := uint32(ehdrSize + phdrSize)

	var buf bytes.Buffer
	ehdr := elf.Header32{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     ehdrSize,
		Shoff:     0,
		Flags:     0,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
		Shentsize: 0,
		Shnum:     0,
		Shstrndx:  0,
	}
	if err := binary.Write(&buf, binary.LittleEndian, ehdr); err != nil {
		t.Fatalf("encoding ELF header: %v", err)
	}

	phdr := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    dataOff,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint32(len(data)),
		Memsz:  memsz,
		Flags:  flags,
		Align:  mm.PageSize,
	}
	if err := binary.Write(&buf, binary.LittleEndian, phdr); err != nil {
		t.Fatalf("encoding program header: %v", err)
	}

	buf.Write(data)
	return buf.Bytes()
}

// newTestAS builds a fresh address space backed by real mmap'd frames,
// large enough for a small text segment plus the user stack Load builds.
func newTestAS(t *testing.T) *mm.AddressSpace {
	t.Helper()
	mem, err := pgalloc.NewMemory(256)
	if err != nil {
		t.Fatalf("pgalloc.NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	frames := pgalloc.NewAllocator(0, 256)
	shared := mm.InitVM(mem, frames, 1)
	return mm.NewAddressSpace(shared, frames)
}

func TestLoadTextAndBSS(t *testing.T) {
	as := newTestAS(t)
	text := []byte{0x90, 0x90, 0x90, 0x90} // nop nop nop nop
	const vaddr = 0x08048000
	const memsz = mm.PageSize + 16 // spans into a bss tail on a second page
	raw := buildELF32(t, vaddr, memsz, text, uint32(elf.PF_R|elf.PF_X))

	layout, errc := Load(as, &Entry{Name: "t", Bytes: raw}, []string{"t"})
	if errc != errno.ESUCCESS {
		t.Fatalf("Load: %v", errc)
	}
	if layout.Entry != mm.Addr(vaddr) {
		t.Fatalf("Entry = %#x, want %#x", layout.Entry, vaddr)
	}
	if layout.Argc != 1 {
		t.Fatalf("Argc = %d, want 1", layout.Argc)
	}
	if layout.StackHigh != userStackTop || layout.StackLow != userStackTop-userStackBytes {
		t.Fatalf("unexpected stack bounds: %+v", layout)
	}
	if layout.InitialSP >= layout.ArgvAddr {
		t.Fatalf("InitialSP %#x should sit below ArgvAddr %#x", layout.InitialSP, layout.ArgvAddr)
	}
}

func TestLoadRejectsWrongClass(t *testing.T) {
	as := newTestAS(t)
	// Flipping the class byte to ELFCLASS64 makes debug/elf read the rest
	// of the 32-bit header with the 64-bit layout, which it rejects as
	// malformed; either that or the explicit ELFCLASS32/EM_386 check
	// turns the image into ENOEXEC.
	raw := buildELF32(t, 0x08048000, 16, []byte{0x90}, uint32(elf.PF_R|elf.PF_X))
	raw[elf.EI_CLASS] = byte(elf.ELFCLASS64)

	_, errc := Load(as, &Entry{Name: "t", Bytes: raw}, nil)
	if errc != errno.ENOEXEC {
		t.Fatalf("Load with wrong class = %v, want ENOEXEC", errc)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	as := newTestAS(t)
	_, errc := Load(as, &Entry{Name: "t", Bytes: []byte("not an elf file")}, nil)
	if errc != errno.ENOEXEC {
		t.Fatalf("Load on garbage = %v, want ENOEXEC", errc)
	}
}

func TestLoadRejectsTooManyArgs(t *testing.T) {
	as := newTestAS(t)
	raw := buildELF32(t, 0x08048000, 16, []byte{0x90}, uint32(elf.PF_R|elf.PF_X))

	argv := make([]string, argvMax+1)
	for i := range argv {
		argv[i] = "x"
	}
	_, errc := Load(as, &Entry{Name: "t", Bytes: raw}, argv)
	if errc != errno.E2BIG {
		t.Fatalf("Load with argc=%d = %v, want E2BIG", len(argv), errc)
	}
}

func TestLoadWritesArgvStrings(t *testing.T) {
	as := newTestAS(t)
	raw := buildELF32(t, 0x08048000, 16, []byte{0x90}, uint32(elf.PF_R|elf.PF_X))

	layout, errc := Load(as, &Entry{Name: "t", Bytes: raw}, []string{"init", "-x"})
	if errc != errno.ESUCCESS {
		t.Fatalf("Load: %v", errc)
	}
	if layout.Argc != 2 {
		t.Fatalf("Argc = %d, want 2", layout.Argc)
	}
	for i, want := range []string{"init", "-x"} {
		var word [4]byte
		if errc := as.CopyOut(layout.ArgvAddr+mm.Addr(4*i), word[:]); errc != errno.ESUCCESS {
			t.Fatalf("reading argv[%d] pointer: %v", i, errc)
		}
		got := make([]byte, len(want)+1)
		if errc := as.CopyOut(mm.Addr(binary.LittleEndian.Uint32(word[:])), got); errc != errno.ESUCCESS {
			t.Fatalf("reading argv[%d]: %v", i, errc)
		}
		if string(got) != want+"\x00" {
			t.Fatalf("argv[%d] = %q, want %q", i, got, want+"\x00")
		}
	}
}
