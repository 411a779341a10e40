package mm

import (
	"github.com/google/btree"

	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/klog"
	"github.com/vkernel/vkernel/pkg/pgalloc"
)

// ClonePD implements clone_pd (spec.md §4.4): it reserves frames for the
// total count of present user pages, builds a new page directory, shares
// the kernel entries by reference (never clones them — invariant (iii)),
// and for each present user PTE allocates a fresh frame and physically
// copies the page's content into it. There is no copy-on-write. A ZFOD
// page is the one exception to the copy: its PTE is carried over as is,
// so the child's page also maps the shared zero frame with the ZFOD bit
// set, and the frame reserved for it here stays reserved until the page
// is first written or its region is removed.
func (as *AddressSpace) ClonePD(shared *Shared, childFrames *pgalloc.Allocator) (*AddressSpace, errno.Errno) {
	var toReserve int
	for pde := shared.KernelPDEs; pde < PDEsPerDir; pde++ {
		g := groupOf(pde)
		as.groups[g].Lock()
		tbl := as.dir.tables[pde]
		if tbl != nil {
			for i := range tbl.entries {
				if tbl.entries[i].Present {
					toReserve++
				}
			}
		}
		as.groups[g].Unlock()
	}

	if !childFrames.Reserve(toReserve) {
		return nil, errno.ENOMEM
	}

	child := NewAddressSpace(shared, childFrames)
	for pde := shared.KernelPDEs; pde < PDEsPerDir; pde++ {
		parentG := groupOf(pde)
		as.groups[parentG].Lock()
		srcTbl := as.dir.tables[pde]
		if srcTbl == nil {
			as.groups[parentG].Unlock()
			continue
		}
		dstTbl := &Table{}
		for i := range srcTbl.entries {
			e := srcTbl.entries[i]
			if !e.Present {
				continue
			}
			if e.ZFOD {
				dstTbl.entries[i] = e
				continue
			}
			f, ok := childFrames.GetFrameGlobal()
			if !ok {
				as.groups[parentG].Unlock()
				klog.Panicf("mm: ClonePD: reservation held but GetFrame failed")
			}
			copy(child.mem.Frame(f), as.mem.Frame(e.Frame))
			ce := e
			ce.Frame = f
			dstTbl.entries[i] = ce
		}
		child.dir.tables[pde] = dstTbl
		as.groups[parentG].Unlock()
	}

	// Carry over the committed-region index so the child's remove_pages
	// boundary checks and check_mem_validness behave identically to the
	// parent's at the moment of the clone.
	as.regions.Ascend(func(it btree.Item) bool {
		r := *it.(*Region)
		child.regions.ReplaceOrInsert(&r)
		return true
	})

	return child, errno.ESUCCESS
}

// freeRange tears down page tables covering PDE indices [loPDE, hiPDE],
// releasing any real frames found to their owning allocator. It is the
// shared engine behind FreeEntireSpace (spec.md's free_space/
// free_entire_space).
func (as *AddressSpace) freeRange(loPDE, hiPDE int) {
	for pde := loPDE; pde <= hiPDE; pde++ {
		g := groupOf(pde)
		as.groups[g].Lock()
		tbl := as.dir.tables[pde]
		if tbl != nil {
			for i := range tbl.entries {
				e := tbl.entries[i]
				if !e.Present {
					continue
				}
				if !e.ZFOD {
					as.frames.PutFrame(e.Frame - as.frames.Base())
					as.frames.UnreserveFreed(1)
				} else {
					as.frames.Unreserve(1)
				}
				tbl.entries[i] = PTE{}
			}
		}
		as.dir.tables[pde] = nil
		as.groups[g].Unlock()
	}
}

// FreeEntireSpace implements free_entire_space (spec.md §4.4): it tears
// down every user mapping in as, returning all frames it owns. Kernel
// PDEs are left untouched — they are shared, not owned by this address
// space.
func (as *AddressSpace) FreeEntireSpace(kernelPDEs int) {
	as.freeRange(kernelPDEs, PDEsPerDir-1)
	as.regions = btree.New(8)
}
