// Package mm implements the kernel's virtual-memory manager: per-address-
// space page tables with copy-on-fork semantics (clone_pd physically
// copies frames — this kernel does not implement copy-on-write), zero-
// fill-on-demand (ZFOD) pages backed by a single shared zero frame, and
// the user-memory validation every syscall with a pointer argument must
// perform before touching it (spec.md §4.4).
package mm

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/vkernel/vkernel/pkg/klog"
	"github.com/vkernel/vkernel/pkg/pgalloc"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// Addr is a 32-bit x86 virtual address.
type Addr uint32

const (
	// PageSize is the x86 page size.
	PageSize = 4096
	// PTEsPerTable is the number of entries in one page table.
	PTEsPerTable = 1024
	// PDEsPerDir is the number of entries in one page directory.
	PDEsPerDir = 1024
	// TablesPerGroup is how many page tables share one group lock
	// (spec.md §4.4 concurrency: "page tables...are partitioned into
	// groups of K tables; one mutex per group").
	TablesPerGroup = 16
	numGroups      = PDEsPerDir / TablesPerGroup
)

// PageBase rounds a down to the containing page's base address.
func PageBase(a Addr) Addr { return a &^ (PageSize - 1) }

// pdeIndex and pteIndex split a virtual address the way x86 protected-mode
// two-level paging does.
func pdeIndex(a Addr) int { return int(a>>22) & (PDEsPerDir - 1) }
func pteIndex(a Addr) int { return int(a>>12) & (PTEsPerTable - 1) }

// PTE is a page-table entry. Unlike real x86 hardware, flags and frame
// index are kept as separate fields rather than packed into one 32-bit
// word: nothing downstream of this package interprets a raw PTE word, so
// there is no wire format to preserve bit-for-bit.
type PTE struct {
	Present       bool
	RW            bool
	Global        bool // kernel pages only; identical and shared across all address spaces
	ZFOD          bool // present && !RW && Frame == the shared zero frame
	NewPagesStart bool // first page of a new_pages()-created region
	NewPagesEnd   bool // last page of a new_pages()-created region
	Frame         uint32
}

// Table is one page table: 1024 PTEs.
type Table struct {
	entries [PTEsPerTable]PTE
}

// Directory is a page directory: 1024 PDEs, each either nil (not present)
// or pointing at a Table.
type Directory struct {
	tables [PDEsPerDir]*Table
}

// PhysAddr is the opaque "physical address of the page directory" handle
// PCBs carry and cr3 is set to on a cross-address-space switch. It is not
// a real physical address — this kernel runs as a host process — but it
// is unique per AddressSpace and stable for its lifetime, which is all the
// rest of the kernel (or a reader of spec.md) needs from "cr3".
type PhysAddr uint64

var nextPhysAddr atomic.Uint64

func allocPhysAddr() PhysAddr {
	return PhysAddr(nextPhysAddr.Add(1))
}

// AddressSpace is one task's virtual memory: its page directory, the
// per-group locks guarding ranges of it, the committed-region index used
// by new_region/remove_region, and the frame allocator it draws real
// frames from.
//
// +stateify savable
type AddressSpace struct {
	CR3 PhysAddr

	dir    *Directory
	groups [numGroups]vsync.Mutex

	regions *btree.BTree // keyed by Region.Start, see region.go

	frames *pgalloc.Allocator
	mem    *pgalloc.Memory

	zeroFrame uint32 // global frame index of the shared all-zero frame
}

// Shared holds the kernel-global state every AddressSpace is built from:
// the kernel PDEs common to all address spaces, and the single shared
// zero frame backing every ZFOD page. init_vm (spec.md §4.4) builds this
// once at boot.
type Shared struct {
	// KernelTables are the first KernelPDEs page tables, identical and
	// global across every address space (spec.md §3 invariant (i)).
	KernelTables [PDEsPerDir]*Table
	KernelPDEs   int

	Mem       *pgalloc.Memory
	ZeroFrame uint32
}

// InitVM builds the kernel-shared page-table prefix and allocates the
// process-wide all-zero frame from the manager's (CPU 0's) allocator.
// kernelPDEs is K from spec.md §3: the number of directory entries at the
// low end of every address space that map kernel space identically.
func InitVM(mem *pgalloc.Memory, bootAllocator *pgalloc.Allocator, kernelPDEs int) *Shared {
	s := &Shared{KernelPDEs: kernelPDEs, Mem: mem}
	for i := 0; i < kernelPDEs; i++ {
		s.KernelTables[i] = &Table{}
	}
	zf, ok := bootAllocator.GetFrameGlobal()
	if !ok {
		klog.Panicf("mm: InitVM: no frame available for the shared zero frame")
	}
	for i := range mem.Frame(zf) {
		mem.Frame(zf)[i] = 0
	}
	s.ZeroFrame = zf
	return s
}

// NewAddressSpace builds a fresh, otherwise-empty address space sharing
// shared's kernel prefix and zero frame, drawing real frames from frames.
func NewAddressSpace(shared *Shared, frames *pgalloc.Allocator) *AddressSpace {
	dir := &Directory{}
	for i := 0; i < shared.KernelPDEs; i++ {
		dir.tables[i] = shared.KernelTables[i]
	}
	as := &AddressSpace{
		CR3:       allocPhysAddr(),
		dir:       dir,
		regions:   btree.New(8),
		frames:    frames,
		mem:       shared.Mem,
		zeroFrame: shared.ZeroFrame,
	}
	return as
}

// groupOf returns the group-lock index for the page table covering pde.
func groupOf(pde int) int { return pde / TablesPerGroup }

// lockRange locks every group covering PDE indices [loPDE, hiPDE] in
// ascending order, per spec.md §4.4's lock-ordering rule, and returns an
// unlock function that releases them in descending order.
func (as *AddressSpace) lockRange(loPDE, hiPDE int) func() {
	g0, g1 := groupOf(loPDE), groupOf(hiPDE)
	for g := g0; g <= g1; g++ {
		as.groups[g].Lock()
	}
	return func() {
		for g := g1; g >= g0; g-- {
			as.groups[g].Unlock()
		}
	}
}

// tableFor returns the page table covering pde, allocating it (and
// charging one frame-table's worth of bookkeeping, not a user frame) if
// necessary. Precondition: the group lock covering pde is held.
func (as *AddressSpace) tableFor(pde int, create bool) *Table {
	t := as.dir.tables[pde]
	if t == nil && create {
		t = &Table{}
		as.dir.tables[pde] = t
	}
	return t
}

// lookup returns the PTE for va and whether it exists (its table is
// present). The zero Table has Present==false entries, so a present-false
// return and a not-found table both read the same to callers.
func (as *AddressSpace) lookup(va Addr) (PTE, bool) {
	pde := pdeIndex(va)
	g := groupOf(pde)
	as.groups[g].Lock()
	defer as.groups[g].Unlock()
	t := as.dir.tables[pde]
	if t == nil {
		return PTE{}, false
	}
	return t.entries[pteIndex(va)], true
}
