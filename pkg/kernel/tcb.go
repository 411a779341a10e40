// Package kernel implements the per-CPU scheduler and context switcher
// (spec.md §4.1/4.2) and the manager-side life-cycle coordinator
// (spec.md §4.6). TCB, PCB, scheduler, and life-cycle protocol live in
// one package, mirroring the teacher's own pkg/sentry/kernel, which
// houses Task/ThreadGroup/TaskSet together: the life-cycle coordinator
// needs to reach into TCB/PCB state directly, and splitting it out
// would either duplicate that state or force an import cycle with
// pkg/bus. pkg/bus stays beneath this package by carrying only tids and
// cpu numbers, never TCB/PCB pointers.
package kernel

import (
	"sync/atomic"

	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/image"
	"github.com/vkernel/vkernel/pkg/mm"
)

// TID is a globally unique, monotonically issued thread id.
type TID uint32

// State is a TCB's scheduling state (spec.md §3, §4.1).
type State int32

const (
	// Normal means runnable or running.
	Normal State = iota
	// Blocked means parked off every run queue, waiting for
	// MakeRunnable/Resume.
	Blocked
	// MadeRunnable is the transient state set on a Normal thread by a
	// concurrent MakeRunnable that raced ahead of that thread's own
	// decision to BLOCK.
	MadeRunnable
	// Wakeup is the transient state set on a Normal thread by a
	// concurrent Resume that raced ahead of that thread's own decision
	// to BLOCK.
	Wakeup
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Blocked:
		return "BLOCKED"
	case MadeRunnable:
		return "MADE_RUNNABLE"
	case Wakeup:
		return "WAKEUP"
	default:
		return "UNKNOWN"
	}
}

// ExceptionHandler is a thread's registered software-exception handler
// (spec.md §6 swexn), installed by the swexn syscall and consulted by
// the page-fault path before a fault is turned into a forced vanish.
type ExceptionHandler struct {
	Handler  mm.Addr
	Stack    mm.Addr
	Arg      mm.Addr
	Deadline mm.Addr // arg3 of swexn; spec.md leaves this opaque to the kernel
}

// TCB is the Thread Control Block (spec.md §3). The kernel stack is a
// slab exclusively owned by this TCB (see stack.go) and is only ever
// freed by the zombie reaper, never by the thread itself.
type TCB struct {
	TID  TID
	Task *PCB

	StackBase uintptr
	SP        uintptr

	state atomic.Int32

	// Result is the syscall return value the context switcher writes
	// before resuming this thread.
	Result int64

	Handler *ExceptionHandler

	// Layout is the stack/entry-point addresses exec() last built for
	// this thread via pkg/image.Load. The real kernel would IRET to
	// Layout.Entry with esp = Layout.InitialSP; that hand-off is out of
	// scope (spec.md §1: IDT/segment-descriptor wiring); switchTo only
	// uses Layout.Entry as the EIP of the register record it saves.
	Layout image.Layout

	// ctx is the register-state record ContextSwitch saves/restores
	// across a switch (spec.md §9, see context.go).
	ctx Context

	// PendingAddr/PendingLen hold a user-buffer argument across a
	// syscall's blocking period — e.g. wait's status_ptr or readline's
	// destination buffer — so pkg/syscalls can finish the syscall once
	// this thread is resumed, without re-decoding trap arguments that
	// are no longer on a live stack frame.
	PendingAddr mm.Addr
	PendingLen  int64

	// Msg is this thread's preallocated message buffer — spec.md §3:
	// "each worker pre-allocates one message per thread inside the
	// TCB; this is the only message that thread ever sends."
	Msg bus.Message

	// cpu is the worker CPU this thread runs on; fork placement picks
	// it once and it never changes (spec.md §5).
	cpu   int
	sched *Scheduler // home scheduler; guards this TCB's state+queue membership

	// queue linkage: a TCB is never on more than one of {run queue,
	// sleep queue, zombie list} at a time, so one `next` field, reused
	// by whichever queue currently holds it, is enough.
	next *TCB

	wakeTick uint64 // valid only while on a sleep queue
}

// NewTCB constructs a thread for task on the given stack, in state
// Normal.
func NewTCB(tid TID, task *PCB, stackBase uintptr, cpu int) *TCB {
	t := &TCB{TID: tid, Task: task, StackBase: stackBase, cpu: cpu}
	t.state.Store(int32(Normal))
	return t
}

// State returns t's current scheduling state.
func (t *TCB) State() State { return State(t.state.Load()) }

func (t *TCB) setState(s State) { t.state.Store(int32(s)) }

// compareAndSetState is the primitive the BLOCK/MakeRunnable race
// guard (spec.md §4.1) is built from.
func (t *TCB) compareAndSetState(old, new State) bool {
	return t.state.CompareAndSwap(int32(old), int32(new))
}

// CPU returns the worker CPU t is pinned to.
func (t *TCB) CPU() int { return t.cpu }
