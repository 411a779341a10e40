// Package syscalls implements the worker-side syscall handlers of
// spec.md §6: argument validation against the calling task's address
// space, then either a local scheduling effect (pkg/kernel) or a
// marshalled message to the manager. It is the thin layer between a
// trapped syscall number and the already-built scheduler/coordinator/mm
// primitives — it owns no state of its own beyond the handles wired in
// at construction.
package syscalls

import (
	"encoding/binary"

	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/image"
	"github.com/vkernel/vkernel/pkg/kernel"
	"github.com/vkernel/vkernel/pkg/mm"
	"github.com/vkernel/vkernel/pkg/pgalloc"
)

const (
	maxNameLen = 256
	maxArgLen  = 4096
)

// Syscall names one entry of spec.md §6's syscall surface.
type Syscall int

const (
	Gettid Syscall = iota
	Fork
	ThreadFork
	Exec
	Wait
	Vanish
	SetStatus
	Yield
	Sleep
	GetTicks
	Deschedule
	MakeRunnable
	NewPages
	RemovePages
	Print
	ReadLine
	GetCursorPos
	SetCursorPos
	SetTermColor
	Swexn
	ReadFile
	Halt
)

// Args is the fixed-shape argument record a trap handler decodes a
// syscall's register/stack arguments into before calling Dispatch. Not
// every field is meaningful for every Syscall; see Dispatch's cases.
type Args struct {
	P0, P1, P2, P3 mm.Addr // pointer-shaped arguments
	N0, N1         int64   // scalar arguments
}

// Handler binds one worker CPU's scheduler to the shared kernel-wide
// state (coordinator, VM, program image table, clock) every syscall
// needs. One Handler per worker, built at boot alongside its Scheduler.
type Handler struct {
	sched  *kernel.Scheduler
	coord  *kernel.Coordinator
	shared *mm.Shared
	frames *pgalloc.Allocator
	stacks *kernel.StackTable
	clock  *kernel.Clock
	toc    *image.TOC
}

// New builds a Handler for one worker CPU. shared/frames are the same
// values already passed to the scheduler's SetMM at boot.
func New(sched *kernel.Scheduler, coord *kernel.Coordinator, shared *mm.Shared, frames *pgalloc.Allocator, stacks *kernel.StackTable, clock *kernel.Clock, toc *image.TOC) *Handler {
	return &Handler{sched: sched, coord: coord, shared: shared, frames: frames, stacks: stacks, clock: clock, toc: toc}
}

// kernelSpaceBoundary is the watershed CheckMemValidness uses to reject
// user pointers into kernel space: addresses below it fall inside the
// shared kernel page-table prefix (spec.md §3 invariant (i), mm.Shared's
// first KernelPDEs directory entries), addresses at or above it are this
// task's own space. Every address space shares the same KernelPDEs, so
// this is constant for the lifetime of the machine.
func (h *Handler) kernelSpaceBoundary() mm.Addr {
	return mm.Addr(h.shared.KernelPDEs) << 22
}

// Dispatch runs one trapped syscall to completion (for syscalls that
// complete locally) or to its first blocking point (for syscalls that
// cross to the manager), returning the TCB that should run next on this
// CPU. A nil-switch result is signalled by returning cur unchanged,
// exactly as pkg/kernel's own ContextSwitch operations do.
func (h *Handler) Dispatch(cur *kernel.TCB, num Syscall, a Args) *kernel.TCB {
	switch num {
	case Gettid:
		cur.Result = int64(cur.TID)
		return cur

	case Fork:
		return h.sched.Fork(h.coord)

	case ThreadFork:
		return h.threadFork(cur)

	case Exec:
		return h.exec(cur, a)

	case Wait:
		return h.wait(cur, a)

	case Vanish:
		return h.sched.Vanish(cur, cur.Task.Status())

	case SetStatus:
		cur.Task.SetStatus(int32(a.N0))
		cur.Result = 0
		return cur

	case Yield:
		tid := kernel.TID(a.N0)
		any := a.N0 < 0
		return h.sched.Yield(tid, any)

	case Sleep:
		if a.N0 <= 0 {
			cur.Result = 0
			return cur
		}
		return h.sched.Sleep(h.clock.Now() + uint64(a.N0))

	case GetTicks:
		cur.Result = int64(h.clock.Now())
		return cur

	case Deschedule:
		return h.deschedule(cur, a)

	case MakeRunnable:
		return h.sched.SendMsg(bus.Message{Kind: bus.MakeRunnable, RequesterTID: uint32(cur.TID), Arg0: a.N0})

	case NewPages:
		errc := cur.Task.AS.NewRegion(a.P0, int(a.N0), true, true, true)
		cur.Result = int64(errc)
		return cur

	case RemovePages:
		errc := cur.Task.AS.RemoveRegion(a.P0)
		cur.Result = int64(errc)
		return cur

	case Print:
		return h.print(cur, a)

	case ReadLine:
		return h.readLine(cur, a)

	case GetCursorPos:
		return h.sched.SendMsg(bus.Message{Kind: bus.GetCursorPos, RequesterTID: uint32(cur.TID)})

	case SetCursorPos:
		return h.sched.SendMsg(bus.Message{Kind: bus.SetCursorPos, RequesterTID: uint32(cur.TID), Arg0: a.N0, Arg1: a.N1})

	case SetTermColor:
		return h.sched.SendMsg(bus.Message{Kind: bus.SetTermColor, RequesterTID: uint32(cur.TID), Arg0: a.N0})

	case Swexn:
		return h.swexn(cur, a)

	case ReadFile:
		return h.readFile(cur, a)

	case Halt:
		return h.sched.SendMsg(bus.Message{Kind: bus.Halt, RequesterTID: uint32(cur.TID)})

	default:
		cur.Result = int64(errno.EINVAL)
		return cur
	}
}

func (h *Handler) threadFork(cur *kernel.TCB) *kernel.TCB {
	newTID := h.coord.IssueTID()
	newThread := kernel.NewTCB(newTID, cur.Task, 0, cur.CPU())
	newThread.StackBase = h.stacks.Alloc(newThread)
	h.coord.RegisterThread(newThread)
	newThread.Result = 0 // the child's return value from thread_fork
	cur.Result = int64(newTID)
	return h.sched.ThreadFork(newThread)
}

// exec implements exec(name, argv) (spec.md §6): argv is read out of
// the caller's current address space before it is torn down, since the
// new address space built by image.Load has nothing mapped yet.
func (h *Handler) exec(cur *kernel.TCB, a Args) *kernel.TCB {
	if cur.Task.Threads() > 1 {
		cur.Result = int64(errno.EMORETHR)
		return cur
	}

	boundary := h.kernelSpaceBoundary()
	oldAS := cur.Task.AS
	name, errc := readCString(oldAS, a.P0, maxNameLen, boundary)
	if errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	argvPtrs, errc := readAddrVector(oldAS, a.P1, int(a.N0))
	if errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	argv := make([]string, len(argvPtrs))
	for i, p := range argvPtrs {
		s, errc := readCString(oldAS, p, maxArgLen, boundary)
		if errc != errno.ESUCCESS {
			cur.Result = int64(errc)
			return cur
		}
		argv[i] = s
	}

	entry, ok := h.toc.Lookup(name)
	if !ok {
		cur.Result = int64(errno.ENOENT)
		return cur
	}

	newAS := mm.NewAddressSpace(h.shared, h.frames)
	layout, errc := image.Load(newAS, entry, argv)
	if errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}

	oldAS.FreeEntireSpace(h.shared.KernelPDEs)
	cur.Task.AS = newAS
	cur.Task.CR3 = newAS.CR3
	cur.Task.Argv = argv
	cur.Layout = layout
	cur.Result = 0
	return cur
}

// wait implements wait(status_ptr) (spec.md §6): remember status_ptr on
// the caller's TCB, then block on the manager's reap exactly like
// SEND_MSG. Call FinishWait once this thread is resumed.
func (h *Handler) wait(cur *kernel.TCB, a Args) *kernel.TCB {
	cur.PendingAddr = a.P0
	return h.sched.Wait(cur)
}

// FinishWait writes a reaped exit status to the status_ptr a blocked
// Wait recorded on cur, once cur.Result/cur.Msg hold a WaitResponse's
// payload (dispatch_worker.go's Response handling for WaitResponse sets
// both before returning cur as the next thread to run). Call once after
// resuming a thread whose last blocking syscall was Wait.
func (h *Handler) FinishWait(cur *kernel.TCB) *kernel.TCB {
	addr := cur.PendingAddr
	cur.PendingAddr = 0
	arg0, arg1 := cur.Msg.Arg0, cur.Msg.Arg1
	cur.Msg = bus.Message{} // clear so a later, unrelated Tick never re-finishes this reply

	if errno.Errno(cur.Result) != errno.ESUCCESS {
		return cur
	}
	if addr != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(arg1))
		if errc := cur.Task.AS.CopyIn(addr, buf[:]); errc != errno.ESUCCESS {
			cur.Result = int64(errc)
			return cur
		}
	}
	cur.Result = arg0 // the reaped pid
	return cur
}

func (h *Handler) deschedule(cur *kernel.TCB, a Args) *kernel.TCB {
	var buf [4]byte
	if errc := cur.Task.AS.CopyOut(a.P0, buf[:]); errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	if int32(binary.LittleEndian.Uint32(buf[:])) != 0 {
		cur.Result = 0
		return cur
	}
	return h.sched.Block()
}

func (h *Handler) print(cur *kernel.TCB, a Args) *kernel.TCB {
	n, verr := cur.Task.AS.CheckMemValidness(a.P0, int(a.N0), h.kernelSpaceBoundary(), false, false)
	if verr != mm.ValidnessOK {
		cur.Result = int64(validnessErrno(verr))
		return cur
	}
	buf := make([]byte, n)
	if errc := cur.Task.AS.CopyOut(a.P0, buf); errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	return h.sched.SendMsg(bus.Message{Kind: bus.Print, RequesterTID: uint32(cur.TID), Text: string(buf)})
}

// readLine implements readline(len, buf) (spec.md §6): remember buf/len
// on the caller's TCB, then block for the manager's next input line.
// Call FinishReadLine once this thread is resumed.
func (h *Handler) readLine(cur *kernel.TCB, a Args) *kernel.TCB {
	cur.PendingAddr = a.P0
	cur.PendingLen = a.N0
	return h.sched.SendMsg(bus.Message{Kind: bus.Readline, RequesterTID: uint32(cur.TID), Arg0: a.N0})
}

// FinishReadLine copies the line delivered by a prior ReadLine's
// Readline reply (cur.Msg.Text) into the buffer ReadLine recorded on
// cur, truncated to the recorded length, and sets cur.Result to the
// byte count written. Call once after a thread blocked on ReadLine
// resumes.
func (h *Handler) FinishReadLine(cur *kernel.TCB) *kernel.TCB {
	addr, maxLen := cur.PendingAddr, cur.PendingLen
	cur.PendingAddr, cur.PendingLen = 0, 0

	line := cur.Msg.Text
	cur.Msg = bus.Message{} // clear so a later, unrelated Tick never re-finishes this reply
	if int64(len(line)) > maxLen {
		line = line[:maxLen]
	}
	if errc := cur.Task.AS.CopyIn(addr, []byte(line)); errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	cur.Result = int64(len(line))
	return cur
}

func (h *Handler) swexn(cur *kernel.TCB, a Args) *kernel.TCB {
	if a.P0 == 0 {
		cur.Handler = nil
		cur.Result = 0
		return cur
	}
	boundary := h.kernelSpaceBoundary()
	if a.P0 < boundary || a.P1 < boundary {
		cur.Result = int64(errno.EINVAL)
		return cur
	}
	cur.Handler = &kernel.ExceptionHandler{Handler: a.P1, Stack: a.P0, Arg: a.P2, Deadline: a.P3}
	cur.Result = 0
	return cur
}

// readFile implements readfile(name, buf, count, offset) (spec.md §6,
// supplemented per SPEC_FULL.md §4.9): no filesystem exists, so this
// reads straight out of the in-memory program table of contents.
func (h *Handler) readFile(cur *kernel.TCB, a Args) *kernel.TCB {
	name, errc := readCString(cur.Task.AS, a.P0, maxNameLen, h.kernelSpaceBoundary())
	if errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	if a.N0 < 0 {
		cur.Result = int64(errno.EINVAL)
		return cur
	}
	buf := make([]byte, a.N0)
	n := h.toc.ReadAt(name, buf, int(a.N1))
	if n < 0 {
		cur.Result = n
		return cur
	}
	if errc := cur.Task.AS.CopyIn(a.P1, buf[:n]); errc != errno.ESUCCESS {
		cur.Result = int64(errc)
		return cur
	}
	cur.Result = n
	return cur
}

func readCString(as *mm.AddressSpace, p mm.Addr, maxLen int, boundary mm.Addr) (string, errno.Errno) {
	n, verr := as.CheckMemValidness(p, maxLen, boundary, true, false)
	if verr != mm.ValidnessOK {
		return "", validnessErrno(verr)
	}
	buf := make([]byte, n)
	if errc := as.CopyOut(p, buf); errc != errno.ESUCCESS {
		return "", errc
	}
	if n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	return string(buf), errno.ESUCCESS
}

// readAddrVector reads count little-endian 32-bit user pointers out of
// as starting at p (exec's argv array, NULL-terminated in the source
// kernel's convention but passed with an explicit count here since this
// Handler decodes arguments rather than trapping raw registers).
func readAddrVector(as *mm.AddressSpace, p mm.Addr, count int) ([]mm.Addr, errno.Errno) {
	if count < 0 || count > 128 {
		return nil, errno.E2BIG
	}
	if count == 0 {
		return nil, errno.ESUCCESS
	}
	buf := make([]byte, count*4)
	if errc := as.CopyOut(p, buf); errc != errno.ESUCCESS {
		return nil, errc
	}
	out := make([]mm.Addr, count)
	for i := range out {
		out[i] = mm.Addr(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out, errno.ESUCCESS
}

func validnessErrno(v mm.ValidnessError) errno.Errno {
	if v == mm.LenError {
		return errno.EINVAL
	}
	return errno.EFAULT
}
