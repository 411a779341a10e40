package kernel

import (
	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/klog"
	"github.com/vkernel/vkernel/pkg/mm"
	"github.com/vkernel/vkernel/pkg/pgalloc"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// Op names one of the ContextSwitch operations of spec.md §4.1, kept
// around for logging and table-driven tests; the operations themselves
// are exposed as individual Scheduler methods rather than dispatched
// through one polymorphic call, since each carries a different argument
// shape.
type Op int

const (
	OpTick Op = iota
	OpFork
	OpThreadFork
	OpBlock
	OpMakeRunnable
	OpResume
	OpYield
	OpSendMsg
)

// Scheduler is one CPU's run queue, sleep queue, and context-switch
// state machine (spec.md §4.1/§4.2). mu is the single spinlock
// protecting this CPU's run-queue membership and every TCB whose home
// scheduler is this one; per §4.2 it "is held across the register
// save/restore and released in the successor's path," so every
// operation below holds it for its full duration, not just the queue
// mutation.
type Scheduler struct {
	cpu  int
	mu   vsync.Spinlock
	rq   runQueue
	sq   sleepQueue
	idle *TCB

	current *TCB

	zombies *zombieList
	stacks  *StackTable
	heapMu  *vsync.Mutex

	bus   *bus.WorkerEnd // nil on the manager CPU
	clock *Clock

	shared *mm.Shared         // nil on the manager CPU
	frames *pgalloc.Allocator // nil on the manager CPU

	coord   *Coordinator
	halted  bool
}

// SetMM attaches this worker's frame allocator and the kernel-wide
// shared page-table/zero-frame state, so this CPU can serve a fork
// placement (clone_pd) if the coordinator picks it. The manager CPU
// never calls this.
func (s *Scheduler) SetMM(shared *mm.Shared, frames *pgalloc.Allocator) {
	s.shared = shared
	s.frames = frames
}

// SetCoordinator wires this worker to the life-cycle coordinator, so
// its scheduler can resolve tids named by inbound manager messages.
func (s *Scheduler) SetCoordinator(c *Coordinator) {
	s.coord = c
}

// Halted reports whether this CPU has processed a Halt message.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// NewScheduler builds CPU cpu's scheduler. zombies, stacks, and heapMu
// are process-wide and shared across every CPU's Scheduler; busEnd is
// nil for CPU 0 (the manager never runs user threads).
func NewScheduler(cpu int, idle *TCB, zombies *zombieList, stacks *StackTable, heapMu *vsync.Mutex, busEnd *bus.WorkerEnd, clock *Clock) *Scheduler {
	s := &Scheduler{cpu: cpu, idle: idle, zombies: zombies, stacks: stacks, heapMu: heapMu, bus: busEnd, clock: clock}
	idle.sched = s
	idle.cpu = cpu
	s.current = idle
	return s
}

// CPU returns the CPU number this scheduler runs on.
func (s *Scheduler) CPU() int { return s.cpu }

// Current returns the thread currently running on this CPU.
func (s *Scheduler) Current() *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Adopt installs t as belonging to this scheduler, for threads created
// elsewhere (fork placement, thread_fork) before their first switch-in.
func (s *Scheduler) Adopt(t *TCB) {
	t.sched = s
	t.cpu = s.cpu
}

// pickNext implements the "get next runnable" half of spec.md §4.5's
// bus integration: it first drains one inbound message (if any) and
// converts it to a scheduling effect; only if that yields no immediate
// successor does it fall back to the run queue, then idle.
// Precondition: s.mu held.
func (s *Scheduler) pickNext() *TCB {
	if s.bus != nil && s.coord != nil {
		if msg, ok := s.bus.Recv(); ok {
			if next := s.handleInbound(msg); next != nil {
				return next
			}
		}
	}
	if t := s.rq.popFront(); t != nil {
		return t
	}
	return s.idle
}

// switchTo is the context-switch primitive (spec.md §4.2): it installs
// next as current, swaps address space if it differs from the outgoing
// thread's, and runs the zombie-reaping hook before returning control.
// Precondition: s.mu held; postcondition: s.mu released.
func (s *Scheduler) switchTo(next *TCB) *TCB {
	prev := s.current
	SaveContext(prev, Context{ESP: uint32(prev.SP), EAX: uint32(prev.Result), EIP: uint32(prev.Layout.Entry)})

	s.current = next
	next.sched = s
	s.mu.Unlock()

	regs := RestoreContext(next)
	next.SP = uintptr(regs.ESP)

	if prev.Task != next.Task && next.Task != nil {
		klog.Debugf("cpu %d: cr3 <- %#x (tid %d -> tid %d)", s.cpu, next.Task.CR3, prev.TID, next.TID)
	}

	if next != s.idle {
		s.zombies.TryReapOne(next, s.stacks, s.heapMu)
	}
	return next
}

// Tick implements ContextSwitch(TICK): enqueue self (unless idle), pick
// the run-queue head, or idle if empty.
func (s *Scheduler) Tick() *TCB {
	s.mu.Lock()
	cur := s.current
	if cur != s.idle {
		s.rq.pushBack(cur)
	}
	return s.switchTo(s.pickNext())
}

// Yield implements ContextSwitch(YIELD(tid)). any selects YIELD(-1):
// equivalent to Tick, but the caller's Result becomes 0. Otherwise tid
// names a specific thread to yield to; if tid is not found anywhere in
// the run queue, the caller's Result is set to ETIDNOTFOUND and no
// switch occurs.
func (s *Scheduler) Yield(tid TID, any bool) *TCB {
	if any {
		cur := s.current
		next := s.Tick()
		cur.Result = 0
		return next
	}

	s.mu.Lock()
	target := s.rq.remove(tid)
	if target == nil {
		s.mu.Unlock()
		s.current.Result = int64(errno.ETIDNOTFOUND)
		return s.current
	}
	cur := s.current
	s.rq.pushBack(cur)
	return s.switchTo(target)
}

// block is the shared engine of Block and SendMsg: it transitions cur
// out of Normal into Blocked unless a concurrent MakeRunnable/Resume
// already raced it into Wakeup/MadeRunnable, in which case it undoes
// that transient and returns cur without switching (spec.md §4.1).
// Precondition: s.mu held (so the transition is atomic with respect to
// any MakeRunnable/Resume targeting cur, which also take s.mu since
// cur's home scheduler is s).
func (s *Scheduler) block(cur *TCB) *TCB {
	if cur == s.idle {
		klog.Panicf("kernel: cpu %d: idle thread attempted to BLOCK", s.cpu)
	}
	switch cur.State() {
	case Wakeup, MadeRunnable:
		cur.setState(Normal)
		s.mu.Unlock()
		return cur
	}
	cur.setState(Blocked)
	return s.switchTo(s.pickNext())
}

// Block implements ContextSwitch(BLOCK).
func (s *Scheduler) Block() *TCB {
	s.mu.Lock()
	return s.block(s.current)
}

// SendMsg implements ContextSwitch(SEND_MSG): push the caller's
// preallocated message onto this CPU's outbound mailbox, then behave
// exactly as Block, with no window where the caller is Normal and
// already sent (both happen under s.mu).
func (s *Scheduler) SendMsg(msg bus.Message) *TCB {
	s.mu.Lock()
	cur := s.current
	cur.Msg = msg
	if s.bus != nil {
		s.bus.Send(msg)
	}
	return s.block(cur)
}

// MakeRunnable implements ContextSwitch(MAKE_RUNNABLE(tcb)): if t is
// Blocked, it becomes Normal and is enqueued; if t is Normal (still
// deciding whether to block), it becomes MadeRunnable so the race guard
// in block() observes it; any other state is a kernel bug. Does not
// switch the calling thread.
func (s *Scheduler) MakeRunnable(t *TCB) {
	ts := t.sched
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t.compareAndSetState(Blocked, Normal) {
		ts.rq.pushBack(t)
		return
	}
	if t.compareAndSetState(Normal, MadeRunnable) {
		return
	}
	klog.Panicf("kernel: MakeRunnable: tid %d in unexpected state %v", t.TID, t.State())
}

// Resume implements ContextSwitch(RESUME(tcb)): enqueue the caller,
// apply the same state handling as MakeRunnable to t (using the Wakeup
// transient rather than MadeRunnable, to distinguish a direct resume
// race from a make_runnable race in logs and tests), and switch to t.
func (s *Scheduler) Resume(t *TCB) *TCB {
	ts := t.sched
	ts.mu.Lock()
	ok := t.compareAndSetState(Blocked, Normal)
	if !ok {
		ok = t.compareAndSetState(Normal, Wakeup)
	}
	if !ok {
		ts.mu.Unlock()
		klog.Panicf("kernel: Resume: tid %d in unexpected state %v", t.TID, t.State())
	}
	if ts == s {
		cur := s.current
		s.rq.pushBack(cur)
		return s.switchTo(t)
	}
	ts.mu.Unlock()

	s.mu.Lock()
	cur := s.current
	s.rq.pushBack(cur)
	return s.switchTo(t)
}

// ThreadFork implements ContextSwitch(THREAD_FORK): create a new thread
// sharing the caller's task, increment the task's live-thread count,
// enqueue the caller, and switch to the new thread. newThread must
// already be built (NewTCB) and adopted onto this scheduler.
func (s *Scheduler) ThreadFork(newThread *TCB) *TCB {
	newThread.Task.IncThreads()
	s.Adopt(newThread)

	s.mu.Lock()
	cur := s.current
	s.rq.pushBack(cur)
	return s.switchTo(newThread)
}

// Sleep parks the caller on this CPU's sleep queue until wakeTick,
// implementing the sleep(n) syscall's scheduling half (spec.md §5
// "Timeouts"). It blocks exactly like Block, except the thread is
// queued for a tick-driven wakeup instead of waiting on MakeRunnable.
func (s *Scheduler) Sleep(wakeTick uint64) *TCB {
	s.mu.Lock()
	cur := s.current
	if cur == s.idle {
		klog.Panicf("kernel: cpu %d: idle thread attempted to sleep", s.cpu)
	}
	cur.setState(Blocked)
	s.sq.Push(cur, wakeTick)
	return s.switchTo(s.pickNext())
}

// TickSleepers wakes every sleeper whose wakeTick has arrived, per the
// current reading of s.clock. Called from the timer-interrupt path
// alongside Tick.
func (s *Scheduler) TickSleepers() {
	now := s.clock.Now()
	s.mu.Lock()
	ready := s.sq.PopReady(now)
	for _, t := range ready {
		t.setState(Normal)
		s.rq.pushBack(t)
	}
	s.mu.Unlock()
}

// AddressSpaceOf is a convenience accessor used by cross-scheduler
// operations (e.g. fork) that need a thread's page directory without
// reaching into kernel internals from pkg/mm.
func AddressSpaceOf(t *TCB) *mm.AddressSpace {
	if t.Task == nil {
		return nil
	}
	return t.Task.AS
}
