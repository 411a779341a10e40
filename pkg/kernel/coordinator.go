package kernel

import (
	"sync/atomic"

	"github.com/vkernel/vkernel/pkg/bus"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// Coordinator is the manager-side life-cycle coordinator (spec.md
// §4.6): the pid table, the tid table FORK/YIELD/MAKE_RUNNABLE
// messages are resolved through, and fork-placement round-robin state.
// It is the only place pkg/kernel keeps TCB/PCB pointers reachable by
// tid alone — pkg/bus messages carry tids, never pointers, precisely so
// this lookup can happen on whichever CPU receives a message without
// pkg/bus needing to know what a TCB is.
type Coordinator struct {
	mu   vsync.Mutex
	pids map[Pid]*PCB
	tcbs map[TID]*TCB

	initPid  Pid
	hasInit  bool
	nextCore int
	numWorkers int

	pendingForks map[TID]*forkAttempt

	nextTID atomic.Uint32

	Bus *bus.Bus
}

// forkAttempt tracks one in-flight fork's round-robin placement state
// across retries (spec.md §4.6: "if the retry count has not reached
// N−1, bump and re-dispatch to the next worker").
type forkAttempt struct {
	requesterCPU int
	core         int
	retries      int
}

// NewCoordinator builds a coordinator for a machine with numWorkers
// worker CPUs, wired to b.
func NewCoordinator(b *bus.Bus, numWorkers int) *Coordinator {
	return &Coordinator{
		pids:         make(map[Pid]*PCB),
		tcbs:         make(map[TID]*TCB),
		pendingForks: make(map[TID]*forkAttempt),
		nextCore:     1,
		numWorkers:   numWorkers,
		Bus:          b,
	}
}

// IssueTID returns a fresh, globally unique, monotonically increasing
// tid (spec.md §3: "thread id (globally unique, monotonically
// issued)").
func (c *Coordinator) IssueTID() TID {
	return TID(c.nextTID.Add(1))
}

// RegisterTask adds p to the pid table.
func (c *Coordinator) RegisterTask(p *PCB) {
	c.mu.Lock()
	c.pids[p.Pid] = p
	c.mu.Unlock()
}

// RemoveTask deletes pid from the pid table (vanish's final step).
func (c *Coordinator) RemoveTask(pid Pid) {
	c.mu.Lock()
	delete(c.pids, pid)
	c.mu.Unlock()
}

// Task looks up a PCB by pid.
func (c *Coordinator) Task(pid Pid) (*PCB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pids[pid]
	return p, ok
}

// RegisterThread adds t to the tid table.
func (c *Coordinator) RegisterThread(t *TCB) {
	c.mu.Lock()
	c.tcbs[t.TID] = t
	c.mu.Unlock()
}

// RemoveThread deletes tid from the tid table.
func (c *Coordinator) RemoveThread(tid TID) {
	c.mu.Lock()
	delete(c.tcbs, tid)
	c.mu.Unlock()
}

// Thread looks up a TCB by tid.
func (c *Coordinator) Thread(tid TID) (*TCB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tcbs[tid]
	return t, ok
}

// SetInit designates pid as the task orphans are reparented to.
func (c *Coordinator) SetInit(pid Pid) {
	c.mu.Lock()
	c.initPid = pid
	c.hasInit = true
	c.mu.Unlock()
}

// Init returns the designated init task, if one has been set.
func (c *Coordinator) Init() (*PCB, bool) {
	c.mu.Lock()
	pid, ok := c.initPid, c.hasInit
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.Task(pid)
}

// TaskSnapshot is one task's state as of the moment Snapshot was taken,
// for `vkctl state`'s debugging dump (SPEC_FULL.md §4.7).
type TaskSnapshot struct {
	Pid     Pid
	Parent  Pid
	Threads int32
}

// ThreadSnapshot is one thread's state as of the moment Snapshot was
// taken.
type ThreadSnapshot struct {
	TID   TID
	Pid   Pid
	CPU   int
	State State
}

// Snapshot returns a point-in-time copy of every live task and thread
// the coordinator knows about. It takes c.mu only long enough to copy
// the two tables, so it never blocks FORK/WAIT/VANISH traffic for
// longer than a map copy.
func (c *Coordinator) Snapshot() ([]TaskSnapshot, []ThreadSnapshot) {
	c.mu.Lock()
	tasks := make([]TaskSnapshot, 0, len(c.pids))
	for _, p := range c.pids {
		tasks = append(tasks, TaskSnapshot{Pid: p.Pid, Parent: p.Parent, Threads: p.Threads()})
	}
	threads := make([]ThreadSnapshot, 0, len(c.tcbs))
	for _, t := range c.tcbs {
		snap := ThreadSnapshot{TID: t.TID, CPU: t.CPU(), State: t.State()}
		if t.Task != nil {
			snap.Pid = t.Task.Pid
		}
		threads = append(threads, snap)
	}
	c.mu.Unlock()
	return tasks, threads
}

// pickCore advances and returns the next fork-placement target,
// round-robin over worker CPUs 1..numWorkers.
func (c *Coordinator) pickCore() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	core := c.nextCore
	c.nextCore++
	if c.nextCore > c.numWorkers {
		c.nextCore = 1
	}
	return core
}
