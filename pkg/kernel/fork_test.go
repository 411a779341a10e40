package kernel

import (
	"context"
	"testing"

	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/mm"
	"github.com/vkernel/vkernel/pkg/pgalloc"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// forkHarness wires one worker scheduler (doubling as the requester and
// the sole fork-placement target, since numWorkers is 1) to a
// coordinator and bus, with real mm/pgalloc state so CompleteForkOnWorker
// runs its actual clone_pd path.
type forkHarness struct {
	t      *testing.T
	b      *bus.Bus
	coord  *Coordinator
	sched  *Scheduler
	shared *mm.Shared
	frames *pgalloc.Allocator
}

func newForkHarness(t *testing.T) *forkHarness {
	t.Helper()
	mem, err := pgalloc.NewMemory(64)
	if err != nil {
		t.Fatalf("pgalloc.NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	frames := pgalloc.NewAllocator(0, 64)
	shared := mm.InitVM(mem, frames, 1)

	b := bus.New(1)
	coord := NewCoordinator(b, 1)

	idle := NewTCB(0, nil, 0, 1)
	stacks := NewStackTable(0)
	sched := NewScheduler(1, idle, newZombieList(), stacks, &vsync.Mutex{}, b.Worker(1), NewClock())
	sched.SetCoordinator(coord)
	sched.SetMM(shared, frames)

	return &forkHarness{t: t, b: b, coord: coord, sched: sched, shared: shared, frames: frames}
}

// pumpManager drains and dispatches exactly one manager-bound message, if
// one is ready; it stands in for the manager's own CPU loop.
func (h *forkHarness) pumpManager() bool {
	msg, ok := h.b.Recv(context.Background())
	if !ok {
		return false
	}
	h.coord.Dispatch(msg, nil)
	return true
}

func TestForkRoundTrip(t *testing.T) {
	h := newForkHarness(t)

	parentTID := h.coord.IssueTID() // must come from the same counter fork's new tid is issued from
	as := mm.NewAddressSpace(h.shared, h.frames)
	parentPCB := NewPCB(Pid(parentTID), 0, as, []string{"init"})
	parent := NewTCB(parentTID, parentPCB, 0x1000, 1)
	h.sched.Adopt(parent)
	h.coord.RegisterTask(parentPCB)
	h.coord.RegisterThread(parent)
	parentPCB.IncThreads()

	h.sched.mu.Lock()
	h.sched.current = parent
	h.sched.mu.Unlock()

	// Fork blocks the parent and sends a FORK request onto the bus.
	h.sched.Fork(h.coord)
	if parent.State() != Blocked {
		t.Fatalf("Fork: parent state = %v, want Blocked", parent.State())
	}

	// Manager: receive the FORK request, place it (the only worker),
	// forward unmodified.
	if !h.pumpManager() {
		t.Fatalf("expected a FORK message on the manager's queue")
	}

	// Worker: pickNext drains the forwarded FORK, completes clone_pd,
	// and replies FORKResponse. No TCB is scheduled yet (nil return).
	h.sched.mu.Lock()
	next := h.sched.pickNext()
	h.sched.mu.Unlock()
	if next != h.sched.idle {
		t.Fatalf("after clone_pd completion: got tid %d, want idle (no immediate successor)", next.TID)
	}

	// Manager: receive FORKResponse, reply to parent, re-forward FORK.
	if !h.pumpManager() {
		t.Fatalf("expected a FORKResponse message on the manager's queue")
	}

	// Worker: first drains the parent's FORKResponse reply (wakes parent),
	// which pickNext returns directly.
	h.sched.mu.Lock()
	woke := h.sched.pickNext()
	h.sched.mu.Unlock()
	if woke != parent {
		t.Fatalf("after FORKResponse: got tid %d, want parent tid %d", woke.TID, parent.TID)
	}
	if parent.Result == 0 {
		t.Fatalf("parent Result not set to the new tid")
	}
	newTID := TID(parent.Result)
	child, ok := h.coord.Thread(newTID)
	if !ok {
		t.Fatalf("child tid %d not registered", newTID)
	}
	if child.Task == nil {
		t.Fatalf("child PCB not built by CompleteForkOnWorker")
	}

	// Worker: the second, re-forwarded FORK delivery admits the child.
	h.sched.mu.Lock()
	admitted := h.sched.pickNext()
	h.sched.mu.Unlock()
	if admitted != child {
		t.Fatalf("second FORK delivery: got tid %d, want child tid %d", admitted.TID, child.TID)
	}
}
