package kernel

import (
	"testing"

	"github.com/vkernel/vkernel/pkg/errno"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

func newTestScheduler(t *testing.T, cpu int) *Scheduler {
	t.Helper()
	idle := NewTCB(0, nil, 0, cpu)
	stacks := NewStackTable(0)
	heapMu := &vsync.Mutex{}
	return NewScheduler(cpu, idle, newZombieList(), stacks, heapMu, nil, NewClock())
}

func TestTickRoundRobinsRunQueue(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	b := NewTCB(2, nil, 0x2000, 1)
	s.Adopt(a)
	s.Adopt(b)
	s.mu.Lock()
	s.rq.pushBack(a)
	s.rq.pushBack(b)
	s.mu.Unlock()

	if next := s.Tick(); next != a {
		t.Fatalf("Tick: got tid %d, want %d", next.TID, a.TID)
	}
	if next := s.Tick(); next != b {
		t.Fatalf("Tick: got tid %d, want %d", next.TID, b.TID)
	}
	if next := s.Tick(); next != a {
		t.Fatalf("Tick: got tid %d, want %d", next.TID, a.TID)
	}
}

func TestYieldAnyBehavesLikeTick(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	s.mu.Lock()
	s.rq.pushBack(a)
	s.mu.Unlock()

	cur := s.current
	next := s.Yield(0, true)
	if next != a {
		t.Fatalf("Yield(any): got tid %d, want %d", next.TID, a.TID)
	}
	if cur.Result != 0 {
		t.Fatalf("Yield(any): caller Result = %d, want 0", cur.Result)
	}
}

func TestYieldSpecificTarget(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	b := NewTCB(2, nil, 0x2000, 1)
	s.Adopt(a)
	s.Adopt(b)
	s.mu.Lock()
	s.rq.pushBack(a)
	s.rq.pushBack(b)
	s.mu.Unlock()

	next := s.Yield(2, false)
	if next != b {
		t.Fatalf("Yield(2): got tid %d, want tid 2", next.TID)
	}
	// a should still be on the run queue, the old current enqueued behind it.
	s.mu.Lock()
	first := s.rq.popFront()
	s.mu.Unlock()
	if first != a {
		t.Fatalf("Yield(2): run queue head = tid %d, want tid %d (a)", first.TID, a.TID)
	}
}

func TestYieldTargetNotFound(t *testing.T) {
	s := newTestScheduler(t, 1)
	cur := s.current
	next := s.Yield(99, false)
	if next != cur {
		t.Fatalf("Yield(99): switched away from caller on a missing target")
	}
	if cur.Result != int64(errno.ETIDNOTFOUND) {
		t.Fatalf("Yield(99): Result = %d, want ETIDNOTFOUND", cur.Result)
	}
}

func TestBlockParksCaller(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	s.mu.Lock()
	s.current = a
	s.mu.Unlock()

	next := s.Block()
	if next != s.idle {
		t.Fatalf("Block: got tid %d, want idle (empty run queue)", next.TID)
	}
	if a.State() != Blocked {
		t.Fatalf("Block: caller state = %v, want Blocked", a.State())
	}
}

// TestBlockRaceGuard verifies spec.md's transient-state race guard: if a
// MakeRunnable targeting the about-to-block thread lands first, BLOCK
// must not actually block — it must observe the transient and resume
// Normal immediately.
func TestBlockRaceGuard(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	s.mu.Lock()
	s.current = a
	s.mu.Unlock()

	// Simulate the race: some other CPU's MakeRunnable ran first and
	// found a still Normal, so it set MadeRunnable rather than enqueuing.
	if !a.compareAndSetState(Normal, MadeRunnable) {
		t.Fatalf("setup: could not set MadeRunnable")
	}

	s.mu.Lock()
	next := s.block(a)
	if next != a {
		t.Fatalf("block: race guard did not return the caller, got tid %d", next.TID)
	}
	if a.State() != Normal {
		t.Fatalf("block: caller state = %v, want Normal after race guard", a.State())
	}
}

func TestMakeRunnableEnqueuesBlocked(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	a.setState(Blocked)

	s.MakeRunnable(a)

	if a.State() != Normal {
		t.Fatalf("MakeRunnable: state = %v, want Normal", a.State())
	}
	s.mu.Lock()
	head := s.rq.popFront()
	s.mu.Unlock()
	if head != a {
		t.Fatalf("MakeRunnable: run queue head = tid %d, want tid %d", head.TID, a.TID)
	}
}

func TestMakeRunnableOnNormalSetsTransient(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	a.setState(Normal)

	s.MakeRunnable(a)

	if a.State() != MadeRunnable {
		t.Fatalf("MakeRunnable on Normal: state = %v, want MadeRunnable", a.State())
	}
}

func TestResumeSameCPU(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	a.setState(Blocked)
	cur := s.current

	next := s.Resume(a)
	if next != a {
		t.Fatalf("Resume: got tid %d, want tid %d", next.TID, a.TID)
	}
	s.mu.Lock()
	head := s.rq.popFront()
	s.mu.Unlock()
	if head != cur {
		t.Fatalf("Resume: caller not enqueued for later")
	}
}

func TestResumeCrossCPU(t *testing.T) {
	s1 := newTestScheduler(t, 1)
	s2 := newTestScheduler(t, 2)
	a := NewTCB(1, nil, 0x1000, 2)
	s2.Adopt(a)
	a.setState(Blocked)

	cur := s1.current
	next := s1.Resume(a)
	if next != a {
		t.Fatalf("cross-CPU Resume: got tid %d, want tid %d", next.TID, a.TID)
	}
	if next.sched != s1 {
		t.Fatalf("cross-CPU Resume: target's home scheduler not updated to the resuming CPU")
	}
	s1.mu.Lock()
	head := s1.rq.popFront()
	s1.mu.Unlock()
	if head != cur {
		t.Fatalf("cross-CPU Resume: caller not enqueued on s1")
	}
}

func TestSleepAndTickSleepers(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := NewTCB(1, nil, 0x1000, 1)
	s.Adopt(a)
	s.mu.Lock()
	s.current = a
	s.mu.Unlock()

	s.Sleep(10)
	if a.State() != Blocked {
		t.Fatalf("Sleep: state = %v, want Blocked", a.State())
	}

	s.TickSleepers() // now() == 0, not ready yet
	s.mu.Lock()
	empty := s.rq.popFront()
	s.mu.Unlock()
	if empty != nil {
		t.Fatalf("TickSleepers: woke a sleeper before its tick arrived")
	}

	s.clock.ticks.Store(10)
	s.TickSleepers()
	s.mu.Lock()
	woke := s.rq.popFront()
	s.mu.Unlock()
	if woke != a {
		t.Fatalf("TickSleepers: did not wake the ready sleeper")
	}
	if a.State() != Normal {
		t.Fatalf("TickSleepers: woke sleeper state = %v, want Normal", a.State())
	}
}
