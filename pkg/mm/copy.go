package mm

import "github.com/vkernel/vkernel/pkg/errno"

// CopyIn writes src into the address space at va, a page-present range
// the caller has already validated with CheckMemValidness. It is the
// primitive exec's segment/stack/argv construction and every syscall
// that writes through a user pointer builds on. A ZFOD page touched by
// CopyIn is materialized first (same as a hardware write fault would
// trigger via IsPageZFOD) — writing straight into the shared zero frame
// would corrupt every other ZFOD mapping in the system.
func (as *AddressSpace) CopyIn(va Addr, src []byte) errno.Errno {
	if len(src) == 0 {
		return errno.ESUCCESS
	}
	lo := PageBase(va)
	hi := PageBase(va + Addr(len(src)) - 1)
	unlock := as.lockRange(pdeIndex(lo), pdeIndex(hi))
	defer unlock()

	remaining := src
	for page := lo; page <= hi; page += PageSize {
		pde, pte := pdeIndex(page), pteIndex(page)
		tbl := as.dir.tables[pde]
		if tbl == nil {
			return errno.EFAULT
		}
		e := tbl.entries[pte]
		if !e.Present {
			return errno.EFAULT
		}
		if e.ZFOD {
			f, ok := as.frames.GetFrameGlobal()
			if !ok {
				return errno.ENOMEM
			}
			for i := range as.mem.Frame(f) {
				as.mem.Frame(f)[i] = 0
			}
			e.ZFOD = false
			e.RW = true
			e.Frame = f
			tbl.entries[pte] = e
		}
		frame := as.mem.Frame(e.Frame)
		start := va
		if page > start {
			start = page
		}
		end := page + PageSize
		if last := va + Addr(len(src)); end > last {
			end = last
		}
		off := int(start - page)
		n := int(end - start)
		copy(frame[off:off+n], remaining[:n])
		remaining = remaining[n:]
	}
	return errno.ESUCCESS
}

// CopyOut reads len(dst) bytes out of the address space at va into dst.
func (as *AddressSpace) CopyOut(va Addr, dst []byte) errno.Errno {
	if len(dst) == 0 {
		return errno.ESUCCESS
	}
	lo := PageBase(va)
	hi := PageBase(va + Addr(len(dst)) - 1)
	unlock := as.lockRange(pdeIndex(lo), pdeIndex(hi))
	defer unlock()

	remaining := dst
	for page := lo; page <= hi; page += PageSize {
		pde, pte := pdeIndex(page), pteIndex(page)
		tbl := as.dir.tables[pde]
		if tbl == nil {
			return errno.EFAULT
		}
		e := tbl.entries[pte]
		if !e.Present {
			return errno.EFAULT
		}
		frame := as.mem.Frame(e.Frame)
		start := va
		if page > start {
			start = page
		}
		end := page + PageSize
		if last := va + Addr(len(dst)); end > last {
			end = last
		}
		off := int(start - page)
		n := int(end - start)
		copy(remaining[:n], frame[off:off+n])
		remaining = remaining[n:]
	}
	return errno.ESUCCESS
}
