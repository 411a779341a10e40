package kernel

import vsync "github.com/vkernel/vkernel/pkg/sync"

// zombieList is the process-wide list of fully-vanished threads
// awaiting stack/TCB release (spec.md §3). It is drained
// opportunistically, never synchronously, so a thread that is merely
// passing through a context switch never blocks on it.
type zombieList struct {
	mu   vsync.Mutex
	head *TCB
}

func newZombieList() *zombieList { return &zombieList{} }

// NewZombieList builds the process-wide zombie list every worker's
// Scheduler shares, for callers outside pkg/kernel wiring up a machine
// (pkg/boot, and tests that need a real Scheduler rather than the
// package-internal test helpers). The returned value's type is
// unexported by design — callers hold and pass it opaquely, the same
// way they already do for *StackTable and the other process-wide
// handles NewScheduler takes.
func NewZombieList() *zombieList { return newZombieList() }

// Push adds a vanished thread to the list. The pusher is whichever
// thread last runs the vanishing thread's own teardown path; it must
// not be the vanishing thread trying to free its own stack out from
// under itself, so Push only ever links the TCB in — freeing happens
// later, from a different thread's reap attempt.
func (z *zombieList) Push(t *TCB) {
	z.mu.Lock()
	t.next = z.head
	z.head = t
	z.mu.Unlock()
}

// TryReapOne implements the zombie-reaping hook (spec.md §4.1): called
// after every context switch that is not MakeRunnable, from the
// resuming thread. It attempts try_lock on the zombie list and the
// heap allocator's lock; if either is contended it gives up
// immediately rather than blocking. On success it dequeues one zombie;
// if that zombie is the caller itself or has not yet reached Blocked
// (the vanishing thread may still be mid-teardown, running on its own
// stack), it is re-enqueued untouched. Otherwise its kernel stack is
// released to stacks and the TCB is dropped.
//
// heapMu stands in for the generic heap allocator's lock (spec.md §1
// lists "the heap allocator" among the external collaborators this
// kernel consumes via a narrow interface but does not implement); here
// it is simply a second vsync.Mutex guarding stacks.Free's bookkeeping.
func (z *zombieList) TryReapOne(resuming *TCB, stacks *StackTable, heapMu *vsync.Mutex) bool {
	if !z.mu.TryLock() {
		return false
	}
	defer z.mu.Unlock()
	if !heapMu.TryLock() {
		return false
	}
	defer heapMu.Unlock()

	zt := z.head
	if zt == nil {
		return false
	}
	z.head = zt.next

	if zt == resuming || zt.State() != Blocked {
		zt.next = z.head
		z.head = zt
		return false
	}

	stacks.Free(zt.StackBase)
	return true
}
