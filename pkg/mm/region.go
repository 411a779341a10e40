package mm

import (
	"github.com/google/btree"

	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/klog"
)

// Region records one new_pages()-created mapping, so remove_pages can
// reject arbitrary midpoints and findRegion can find the covering
// region without a linear scan of the address space (CheckMemValidness
// walks the PTEs and does not consult this index). Indexed in
// AddressSpace.regions, a github.com/google/btree ordered map keyed by
// Start — grounded on the teacher's augmented-range-set idiom in
// pkg/sentry/pgalloc (there a generated segment Set; here a stock B-tree,
// since this kernel's per-PTE ZFOD/presence invariants are already
// expressed directly over PTEs and don't need a range-set's gap tracking).
type Region struct {
	Start Addr
	Bytes int
	RW    bool
	ZFOD  bool
}

// Less implements btree.Item.
func (r *Region) Less(than btree.Item) bool {
	return r.Start < than.(*Region).Start
}

// findRegion returns the region whose range contains va, or nil.
func (as *AddressSpace) findRegion(va Addr) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(&Region{Start: va}, func(it btree.Item) bool {
		r := it.(*Region)
		if va >= r.Start && int(va-r.Start) < r.Bytes {
			found = r
		}
		return false
	})
	return found
}

func pagesSpanned(va Addr, bytes int) int {
	lo := PageBase(va)
	hi := PageBase(va + Addr(bytes) - 1)
	return int((hi-lo)/PageSize) + 1
}

// NewRegion implements new_region (spec.md §4.4): it allocates page
// tables as needed for every page touched by [va, va+bytes), mapping each
// unpresent page either to the shared zero frame (zfod: RW cleared) or to
// a freshly allocated frame. If fromNewPages, the first and last pages are
// tagged NewPagesStart/NewPagesEnd so a later RemoveRegion can refuse
// arbitrary midpoints.
//
// Either every page of the request is mapped, or none are: the frame
// reservation is taken for the whole region up front, so a mid-region
// out-of-memory condition is detected and reported before any PTE is
// touched (spec.md §4.3/§4.4 invariant (i)).
func (as *AddressSpace) NewRegion(va Addr, bytes int, rw, fromNewPages, zfod bool) errno.Errno {
	if bytes <= 0 {
		return errno.EINVAL
	}
	lo := PageBase(va)
	hi := PageBase(va + Addr(bytes) - 1)
	loPDE, hiPDE := pdeIndex(lo), pdeIndex(hi)
	numPages := pagesSpanned(va, bytes)

	if !as.frames.Reserve(numPages) {
		return errno.ENOMEM
	}

	unlock := as.lockRange(loPDE, hiPDE)
	defer unlock()

	type touched struct {
		pde, pte int
		wasZfod  bool
		frame    uint32
	}
	var done []touched
	rollback := func() {
		for _, t := range done {
			tbl := as.dir.tables[t.pde]
			tbl.entries[t.pte] = PTE{}
			if !t.wasZfod {
				as.frames.PutFrame(t.frame - as.frames.Base())
				as.frames.UnreserveFreed(1)
			}
		}
	}

	spent := 0
	for page := lo; page <= hi; page += PageSize {
		pde, pte := pdeIndex(page), pteIndex(page)
		tbl := as.tableFor(pde, true)
		if tbl.entries[pte].Present {
			rollback()
			as.frames.Unreserve(numPages - spent)
			return errno.EINVAL
		}
		var e PTE
		if zfod {
			e = PTE{Present: true, RW: false, ZFOD: true, Frame: as.zeroFrame}
			done = append(done, touched{pde, pte, true, 0})
		} else {
			f, ok := as.frames.GetFrameGlobal()
			if !ok {
				// The reservation guaranteed availability; a miss here
				// means the allocator's bitmap and counter have drifted,
				// which is a kernel bug, not an environmental failure.
				rollback()
				as.frames.Unreserve(numPages - spent)
				klog.Panicf("mm: NewRegion: reservation held but GetFrame failed")
			}
			for i := range as.mem.Frame(f) {
				as.mem.Frame(f)[i] = 0
			}
			e = PTE{Present: true, RW: rw, Frame: f}
			done = append(done, touched{pde, pte, false, f})
		}
		spent++
		if fromNewPages {
			if page == lo {
				e.NewPagesStart = true
			}
			if page == hi {
				e.NewPagesEnd = true
			}
		}
		tbl.entries[pte] = e
	}

	if fromNewPages {
		as.regions.ReplaceOrInsert(&Region{Start: lo, Bytes: int(hi-lo) + PageSize, RW: rw, ZFOD: zfod})
	}
	return errno.ESUCCESS
}

// RemoveRegion implements remove_pages (spec.md §4.4): it frees a region
// previously created by new_pages, verifying va starts on a
// NewPagesStart page and that the region's last page is NewPagesEnd.
// Non-ZFOD frames are released to the owning allocator; ZFOD pages that
// were never written release only their standing reservation.
func (as *AddressSpace) RemoveRegion(va Addr) errno.Errno {
	lo := PageBase(va)
	item := as.regions.Get(&Region{Start: lo})
	if item == nil {
		return errno.EINVAL
	}
	r := item.(*Region)
	hi := PageBase(lo + Addr(r.Bytes) - 1)
	loPDE, hiPDE := pdeIndex(lo), pdeIndex(hi)

	unlock := as.lockRange(loPDE, hiPDE)
	defer unlock()

	startTbl := as.tableFor(pdeIndex(lo), false)
	if startTbl == nil || !startTbl.entries[pteIndex(lo)].NewPagesStart {
		return errno.EINVAL
	}
	endTbl := as.tableFor(pdeIndex(hi), false)
	if endTbl == nil || !endTbl.entries[pteIndex(hi)].NewPagesEnd {
		return errno.EINVAL
	}

	for page := lo; page <= hi; page += PageSize {
		pde, pte := pdeIndex(page), pteIndex(page)
		tbl := as.dir.tables[pde]
		e := tbl.entries[pte]
		if !e.Present {
			continue
		}
		if !e.ZFOD {
			as.frames.PutFrame(e.Frame - as.frames.Base())
			as.frames.UnreserveFreed(1)
		} else {
			// Never written: the frame was reserved but never drawn
			// from the tree, so only the reservation is returned.
			as.frames.Unreserve(1)
		}
		tbl.entries[pte] = PTE{}
	}
	as.regions.Delete(&Region{Start: lo})
	return errno.ESUCCESS
}
