package kernel

import (
	"testing"

	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/errno"
)

// registerBarePair registers a PCB/TCB pair with no address space, for
// tests that exercise only the pid/tid-table and wait-queue bookkeeping.
// Every Dispatch call below is driven directly with a synthetic message
// rather than through a worker's WorkerEnd, so every reply the
// coordinator sends lands on the named CPU's inbound queue and must be
// read back with b.Worker(cpu).Recv(), not the manager-side b.Recv.
func registerBarePair(coord *Coordinator, pid, parent Pid) (*PCB, *TCB) {
	p := NewPCB(pid, parent, nil, nil)
	t := NewTCB(TID(pid), p, 0, 1)
	coord.RegisterTask(p)
	coord.RegisterThread(t)
	return p, t
}

func TestWaitReapsQueuedExitImmediately(t *testing.T) {
	b := bus.New(1)
	coord := NewCoordinator(b, 1)
	parent, _ := registerBarePair(coord, 1, 0)
	parent.aliveCount = 1
	parent.childExits = append(parent.childExits, ExitStatus{Pid: 2, Status: 7})

	coord.Dispatch(bus.Message{Kind: bus.Wait, RequesterTID: 1, RequesterCPU: 1}, nil)

	msg, ok := b.Worker(1).Recv()
	if !ok {
		t.Fatalf("expected a WaitResponse on worker 1's inbound queue")
	}
	if msg.Kind != bus.WaitResponse || msg.Result != 0 || msg.Arg0 != 2 || msg.Arg1 != 7 {
		t.Fatalf("unexpected WaitResponse: %+v", msg)
	}
	if len(parent.childExits) != 0 {
		t.Fatalf("childExits not drained: %v", parent.childExits)
	}
}

func TestWaitParksWhenChildrenStillAlive(t *testing.T) {
	b := bus.New(1)
	coord := NewCoordinator(b, 1)
	parent, _ := registerBarePair(coord, 1, 0)
	parent.aliveCount = 1

	coord.Dispatch(bus.Message{Kind: bus.Wait, RequesterTID: 1, RequesterCPU: 1}, nil)

	if len(parent.waitQueue) != 1 {
		t.Fatalf("waiter not parked: queue = %v", parent.waitQueue)
	}
}

func TestWaitFailsWithNoChildren(t *testing.T) {
	b := bus.New(1)
	coord := NewCoordinator(b, 1)
	registerBarePair(coord, 1, 0)

	coord.Dispatch(bus.Message{Kind: bus.Wait, RequesterTID: 1, RequesterCPU: 1}, nil)

	msg, ok := b.Worker(1).Recv()
	if !ok {
		t.Fatalf("expected a WaitResponse on worker 1's inbound queue")
	}
	if msg.Result != int64(errno.ECHILD) {
		t.Fatalf("Result = %d, want ECHILD", msg.Result)
	}
}

func TestVanishWakesParkedWaiter(t *testing.T) {
	b := bus.New(1)
	coord := NewCoordinator(b, 1)
	parent, _ := registerBarePair(coord, 1, 0)
	parent.aliveCount = 1
	_, child := registerBarePair(coord, 2, 1)

	coord.Dispatch(bus.Message{Kind: bus.Wait, RequesterTID: 1, RequesterCPU: 1}, nil)
	if len(parent.waitQueue) != 1 {
		t.Fatalf("setup: waiter not parked")
	}

	coord.Dispatch(bus.Message{Kind: bus.Vanish, RequesterTID: uint32(child.TID), RequesterCPU: 1, Arg0: 9}, nil)

	// Both the parent's WaitResponse and the vanishing child's VanishBack
	// land on the same (only) worker's inbound queue here, in that order.
	waitResp, ok := b.Worker(1).Recv()
	if !ok || waitResp.Kind != bus.WaitResponse {
		t.Fatalf("expected a WaitResponse first, got %+v (ok=%v)", waitResp, ok)
	}
	vanishBack, ok := b.Worker(1).Recv()
	if !ok || vanishBack.Kind != bus.VanishBack {
		t.Fatalf("expected a VanishBack second, got %+v (ok=%v)", vanishBack, ok)
	}
	if waitResp.Arg0 != 2 || waitResp.Arg1 != 9 {
		t.Fatalf("WaitResponse = %+v, want pid 2 status 9", waitResp)
	}
	if vanishBack.RequesterTID != uint32(child.TID) {
		t.Fatalf("VanishBack not addressed to the vanishing thread")
	}
	if _, ok := coord.Task(2); ok {
		t.Fatalf("vanished task still in the pid table")
	}
}

func TestVanishReparentsOrphansToInit(t *testing.T) {
	b := bus.New(1)
	coord := NewCoordinator(b, 1)
	initPCB, _ := registerBarePair(coord, 1, 0)
	coord.SetInit(1)
	initPCB.aliveCount = 1 // mid (pid 2) is init's one live child
	_, mid := registerBarePair(coord, 2, 1)
	grandchild, _ := registerBarePair(coord, 3, 2)

	coord.Dispatch(bus.Message{Kind: bus.Vanish, RequesterTID: uint32(mid.TID), RequesterCPU: 1, Arg0: 0}, nil)

	if _, ok := b.Worker(1).Recv(); !ok {
		t.Fatalf("expected a VanishBack for the vanishing mid task")
	}

	if grandchild.Parent != 1 {
		t.Fatalf("grandchild not reparented to init: Parent = %d", grandchild.Parent)
	}
	if initPCB.aliveCount != 1 {
		t.Fatalf("init aliveCount = %d, want 1 (the reparented grandchild)", initPCB.aliveCount)
	}
}

func TestForkRetriesOnFailureThenGivesUp(t *testing.T) {
	b := bus.New(2)
	coord := NewCoordinator(b, 2)

	// pickCore round-robins starting at worker 1, so the first placement
	// lands in worker 1's inbound queue.
	coord.Dispatch(bus.Message{Kind: bus.FORK, RequesterTID: 1, RequesterCPU: 1, Arg0: 5}, nil)
	placed, ok := b.Worker(1).Recv()
	if !ok || placed.Kind != bus.FORK {
		t.Fatalf("expected the FORK forwarded to worker 1")
	}

	// Report failure; with 2 workers (1 retry budget) the coordinator
	// retries on the other worker.
	coord.Dispatch(bus.Message{Kind: bus.FORKResponse, RequesterTID: 1, RequesterCPU: 1, Arg0: 5, Result: int64(errno.ENOMEM)}, nil)
	retried, ok := b.Worker(2).Recv()
	if !ok || retried.Kind != bus.FORK {
		t.Fatalf("expected a retried FORK forward to worker 2 after failure")
	}

	// A second failure exhausts the retry budget and gives up.
	coord.Dispatch(bus.Message{Kind: bus.FORKResponse, RequesterTID: 1, RequesterCPU: 2, Arg0: 5, Result: int64(errno.ENOMEM)}, nil)
	giveUp, ok := b.Worker(1).Recv()
	if !ok || giveUp.Kind != bus.FORKResponse || giveUp.Result != int64(errno.ENOMEM) {
		t.Fatalf("expected a failing FORKResponse back to the original requester, got %+v", giveUp)
	}
}
