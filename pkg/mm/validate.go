package mm

import "github.com/vkernel/vkernel/pkg/klog"

// ValidnessError categorises why a user pointer failed validation. Every
// syscall that accepts a user buffer or string runs its arguments through
// CheckMemValidness before touching them.
type ValidnessError int

const (
	// ValidnessOK means validation passed.
	ValidnessOK ValidnessError = iota
	// KernelSpace means the range touches kernel address space.
	KernelSpace
	// LenError means n was negative or the range overflows the address space.
	LenError
	// NotNullTerminated means a null terminator was requested but not found
	// within n bytes.
	NotNullTerminated
	// ReadOnly means the range was requested writable but a covered page
	// is not writable (and not a ZFOD page, which counts as writable).
	ReadOnly
	// PageNotAlloc means a covered page is not present at all.
	PageNotAlloc
)

// kernelSpaceBoundary is the first virtual address above kernel space:
// every address below it is kernel space. InitVM's kernelPDEs
// determines the real boundary for a given
// Shared, but CheckMemValidness is given it explicitly so it never has to
// thread Shared through every call site.
//
// CheckMemValidness implements spec.md §4.4's check_mem_validness: it
// holds each covered page table group's lock, walks presence and
// permission bits, optionally scans for a terminating zero byte within n,
// and returns a categorised error. A ZFOD page is treated as writable
// (the fault handler will materialize a real frame on the first write).
func (as *AddressSpace) CheckMemValidness(p Addr, n int, kernelSpaceBoundary Addr, wantNullTerminator, wantWritable bool) (int, ValidnessError) {
	if n < 0 || p+Addr(n) < p {
		return 0, LenError
	}
	if n == 0 {
		return 0, ValidnessOK
	}
	if p < kernelSpaceBoundary {
		return 0, KernelSpace
	}

	lo := PageBase(p)
	hi := PageBase(p + Addr(n) - 1)
	unlock := as.lockRange(pdeIndex(lo), pdeIndex(hi))
	defer unlock()

	scanned := 0
	for page := lo; page <= hi; page += PageSize {
		pde := pdeIndex(page)
		tbl := as.dir.tables[pde]
		if tbl == nil {
			return scanned, PageNotAlloc
		}
		e := tbl.entries[pteIndex(page)]
		if !e.Present {
			return scanned, PageNotAlloc
		}
		if wantWritable && !e.RW && !e.ZFOD {
			return scanned, ReadOnly
		}

		// Compute this page's overlap with [p, p+n).
		start := page
		if start < p {
			start = p
		}
		end := page + PageSize
		if end > p+Addr(n) {
			end = p + Addr(n)
		}
		if wantNullTerminator {
			off := int(start) - int(PageBase(start))
			frame := as.mem.Frame(e.Frame)
			for i := int(start); i < int(end); i++ {
				if frame[off] == 0 {
					return scanned + (i - int(start)) + 1, ValidnessOK
				}
				off++
			}
		}
		scanned += int(end - start)
	}
	if wantNullTerminator {
		return scanned, NotNullTerminated
	}
	return scanned, ValidnessOK
}

// IsPageZFOD implements the page-fault handler's ZFOD hook (spec.md
// §4.4): if a write to a present ZFOD page caused the fault, a fresh
// frame is allocated (the reservation was pre-paid at NewRegion time),
// the ZFOD bit is cleared, RW is set, the page's content (all zeros) is
// copied in, and true is returned. Any other fault returns false
// unhandled.
func (as *AddressSpace) IsPageZFOD(va Addr, writeFault bool) bool {
	if !writeFault {
		return false
	}
	pde, pte := pdeIndex(va), pteIndex(va)
	g := groupOf(pde)
	as.groups[g].Lock()
	defer as.groups[g].Unlock()

	tbl := as.dir.tables[pde]
	if tbl == nil {
		return false
	}
	e := tbl.entries[pte]
	if !e.Present || !e.ZFOD {
		return false
	}

	f, ok := as.frames.GetFrameGlobal()
	if !ok {
		klog.Panicf("mm: IsPageZFOD: pre-paid reservation has no frame available")
	}
	for i := range as.mem.Frame(f) {
		as.mem.Frame(f)[i] = 0
	}
	e.ZFOD = false
	e.RW = true
	e.Frame = f
	tbl.entries[pte] = e
	return true
}
