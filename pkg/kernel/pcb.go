package kernel

import (
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/mm"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// Pid is a process id: the tid of a task's founding thread.
type Pid = TID

// ExitStatus is {pid, status} (spec.md §3); ownership transfers from
// the vanishing task to its parent's child-exit-status queue, consumed
// by the parent via wait.
type ExitStatus struct {
	Pid    Pid
	Status int32
}

// PCB is the Process Control Block (spec.md §3). The wait-struct fields
// (aliveCount, zombieCount, childExits, waitQueue) are manager-side only
// — they are read and mutated exclusively by the life-cycle coordinator
// under waitMu, never by a worker.
type PCB struct {
	Pid    Pid
	Parent Pid

	CR3 mm.PhysAddr
	AS  *mm.AddressSpace

	Argv []string

	liveThreads atomic.Int32

	waitMu      vsync.Mutex
	exitStatus  int32
	exited      bool
	aliveCount  int
	zombieCount int
	childExits  []ExitStatus
	waitQueue   []bus.Message
}

// NewPCB builds the founding PCB of a new task.
func NewPCB(pid, parent Pid, as *mm.AddressSpace, argv []string) *PCB {
	p := &PCB{
		Pid:    pid,
		Parent: parent,
		AS:     as,
		Argv:   append([]string(nil), argv...),
	}
	if as != nil {
		p.CR3 = as.CR3
	}
	return p
}

// CloneArgv deep-copies p's argv for a forked child, mirroring the
// teacher's use of github.com/mohae/deepcopy for task metadata clones
// rather than a hand-rolled recursive copy.
func (p *PCB) CloneArgv() []string {
	return deepcopy.Copy(p.Argv).([]string)
}

// IncThreads implements THREAD_FORK's "increment task thread count
// atomically" (spec.md §4.1).
func (p *PCB) IncThreads() int32 { return p.liveThreads.Add(1) }

// DecThreads decrements the live-thread count, returning the new value.
func (p *PCB) DecThreads() int32 { return p.liveThreads.Add(-1) }

// Threads returns the task's current live-thread count.
func (p *PCB) Threads() int32 { return p.liveThreads.Load() }

// SetStatus implements set_status(int) (spec.md §6): it records the
// value vanish() will report to the parent, without itself exiting the
// task. A task that never calls set_status vanishes with status 0.
func (p *PCB) SetStatus(status int32) {
	p.waitMu.Lock()
	p.exitStatus = status
	p.waitMu.Unlock()
}

// Status returns the status most recently recorded by SetStatus.
func (p *PCB) Status() int32 {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.exitStatus
}
