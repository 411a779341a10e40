package kernel

import (
	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/klog"
)

// Console is the narrow interface the manager's life-cycle loop drives
// print/readline/cursor/color syscalls through. pkg/console implements
// it; pkg/kernel depends only on this interface, never on pkg/console
// itself, keeping the dependency one-directional (bus before kernel,
// kernel before the packages that wire consoles and syscalls together).
type Console interface {
	Print(s string)
	ReadLine() string
	SetCursorPos(row, col int)
	GetCursorPos() (row, col int)
	SetTermColor(code int)
}

// Dispatch runs the manager's main loop body once: `loop { msg =
// manager_recv(); dispatch(msg) }` (spec.md §4.6). Apart from the
// console calls (Readline waits for a line of terminal input, Print may
// wait on the console's rate limiter), every effect here is one or more
// non-blocking Bus.Send calls. console
// may be nil, in which case console-facing ops are harmless no-ops —
// useful for tests that exercise fork/wait/vanish without a terminal.
func (c *Coordinator) Dispatch(msg bus.Message, console Console) {
	switch msg.Kind {
	case bus.FORK:
		c.dispatchFork(msg)
	case bus.FORKResponse:
		c.dispatchForkResponse(msg)
	case bus.Wait:
		c.dispatchWait(msg)
	case bus.Vanish:
		c.dispatchVanish(msg)
	case bus.SetInitPCB:
		c.SetInit(Pid(msg.RequesterTID))
		c.reply(msg, 0)
	case bus.MakeRunnable, bus.Yield:
		c.dispatchRelay(msg)
	case bus.Print:
		if console != nil {
			console.Print(msg.Text)
		}
		c.reply(msg, 0)
	case bus.Readline:
		reply := bus.Message{Kind: bus.Response, RequesterTID: msg.RequesterTID}
		if console != nil {
			reply.Text = console.ReadLine()
		}
		c.Bus.Send(reply, msg.RequesterCPU)
	case bus.SetCursorPos:
		if console != nil {
			console.SetCursorPos(int(msg.Arg0), int(msg.Arg1))
		}
		c.reply(msg, 0)
	case bus.GetCursorPos:
		reply := bus.Message{Kind: bus.Response, RequesterTID: msg.RequesterTID}
		if console != nil {
			row, col := console.GetCursorPos()
			reply.Arg0, reply.Arg1 = int64(row), int64(col)
		}
		c.Bus.Send(reply, msg.RequesterCPU)
	case bus.SetTermColor:
		if console != nil {
			console.SetTermColor(int(msg.Arg0))
		}
		c.reply(msg, 0)
	case bus.Halt:
		for cpu := 1; cpu <= c.numWorkers; cpu++ {
			c.Bus.Send(bus.Message{Kind: bus.Halt}, cpu)
		}
	default:
		klog.Warningf("kernel: manager: unexpected worker->manager message kind %d", msg.Kind)
	}
}

// reply sends a generic Response carrying result back to msg's sender.
func (c *Coordinator) reply(msg bus.Message, result int64) {
	c.Bus.Send(bus.Message{Kind: bus.Response, RequesterTID: msg.RequesterTID, Result: result}, msg.RequesterCPU)
}

// dispatchFork handles the first arrival of a fork request: pick a
// placement core round-robin and forward the request there unmodified
// (spec.md §4.6).
func (c *Coordinator) dispatchFork(msg bus.Message) {
	core := c.pickCore()
	c.mu.Lock()
	c.pendingForks[TID(msg.Arg0)] = &forkAttempt{core: core, requesterCPU: msg.RequesterCPU}
	c.mu.Unlock()
	c.Bus.Send(msg, core)
}

// dispatchForkResponse handles a placement worker's report of success
// or failure (spec.md §4.6): on success, reply to the original
// requester with the new tid and forward the fork back to the
// placement worker so the child can run; on failure, retry on the next
// worker up to N-1 times before giving up.
func (c *Coordinator) dispatchForkResponse(msg bus.Message) {
	newTID := TID(msg.Arg0)
	c.mu.Lock()
	fa, ok := c.pendingForks[newTID]
	c.mu.Unlock()
	if !ok {
		klog.Warningf("kernel: manager: fork response for unknown tid %d", newTID)
		return
	}

	if msg.Result == 0 {
		c.mu.Lock()
		delete(c.pendingForks, newTID)
		c.mu.Unlock()
		c.Bus.Send(bus.Message{Kind: bus.FORKResponse, RequesterTID: msg.RequesterTID, Result: int64(newTID)}, fa.requesterCPU)
		c.Bus.Send(bus.Message{Kind: bus.FORK, RequesterTID: msg.RequesterTID, Arg0: int64(newTID)}, fa.core)
		return
	}

	fa.retries++
	if fa.retries > c.numWorkers-1 {
		c.mu.Lock()
		delete(c.pendingForks, newTID)
		c.mu.Unlock()
		c.Bus.Send(bus.Message{Kind: bus.FORKResponse, RequesterTID: msg.RequesterTID, Result: msg.Result}, fa.requesterCPU)
		return
	}
	fa.core = c.pickCore()
	c.Bus.Send(bus.Message{Kind: bus.FORK, RequesterTID: msg.RequesterTID, Arg0: int64(newTID)}, fa.core)
}

// dispatchRelay forwards a cross-CPU MakeRunnable/Yield request to the
// CPU that owns the named target thread (spec.md §4.5): the requester
// never knows which CPU a tid lives on, so it routes the request
// through the manager, which does.
func (c *Coordinator) dispatchRelay(msg bus.Message) {
	target, ok := c.Thread(TID(msg.Arg0))
	if !ok {
		klog.Warningf("kernel: manager: relay for unknown tid %d", msg.Arg0)
		c.reply(msg, int64(errno.ETIDNOTFOUND))
		return
	}
	c.Bus.Send(msg, target.CPU())
}

// dispatchWait implements wait() (spec.md §4.6, §6): reap one already-
// queued child exit status immediately, park the waiter if the task
// still has live children, or fail with ECHILD if it has none.
func (c *Coordinator) dispatchWait(msg bus.Message) {
	waiter, ok := c.Thread(TID(msg.RequesterTID))
	if !ok || waiter.Task == nil {
		c.reply(msg, int64(errno.ENOENT))
		return
	}
	p := waiter.Task

	p.waitMu.Lock()
	if len(p.childExits) > 0 {
		es := p.childExits[0]
		p.childExits = p.childExits[1:]
		p.zombieCount--
		p.waitMu.Unlock()
		c.Bus.Send(bus.Message{Kind: bus.WaitResponse, RequesterTID: msg.RequesterTID, Result: 0, Arg0: int64(es.Pid), Arg1: int64(es.Status)}, msg.RequesterCPU)
		return
	}
	if p.aliveCount > 0 {
		p.waitQueue = append(p.waitQueue, msg)
		p.waitMu.Unlock()
		return
	}
	p.waitMu.Unlock()
	c.Bus.Send(bus.Message{Kind: bus.WaitResponse, RequesterTID: msg.RequesterTID, Result: int64(errno.ECHILD)}, msg.RequesterCPU)
}

// dispatchVanish implements vanish() (spec.md §4.6, §6): record the
// task's exit status against its parent (or init, if the parent is
// already gone), wake a parent waiter if one is queued, reparent the
// vanishing task's own children to init, and acknowledge the worker so
// it can finish tearing the thread down.
func (c *Coordinator) dispatchVanish(msg bus.Message) {
	child, ok := c.Thread(TID(msg.RequesterTID))
	if !ok || child.Task == nil {
		c.reply(msg, int64(errno.ENOENT))
		return
	}
	task := child.Task
	pid := task.Pid
	status := int32(msg.Arg0)

	parent, ok := c.Task(task.Parent)
	if !ok {
		parent, ok = c.Init()
	}
	if ok && parent != nil {
		c.recordExit(parent, ExitStatus{Pid: pid, Status: status})
	}

	if init, ok := c.Init(); ok && init.Pid != pid {
		c.reparentOrphans(pid, init)
	}

	c.RemoveTask(pid)
	c.RemoveThread(child.TID)
	c.Bus.Send(bus.Message{Kind: bus.VanishBack, RequesterTID: msg.RequesterTID, Result: 0}, msg.RequesterCPU)
}

// recordExit delivers es to parent: immediately, to a queued waiter if
// one exists, or onto parent's child-exit queue for a future wait.
func (c *Coordinator) recordExit(parent *PCB, es ExitStatus) {
	parent.waitMu.Lock()
	if len(parent.waitQueue) > 0 {
		w := parent.waitQueue[0]
		parent.waitQueue = parent.waitQueue[1:]
		parent.aliveCount--
		parent.waitMu.Unlock()
		c.Bus.Send(bus.Message{Kind: bus.WaitResponse, RequesterTID: w.RequesterTID, Result: 0, Arg0: int64(es.Pid), Arg1: int64(es.Status)}, w.RequesterCPU)
		return
	}
	parent.childExits = append(parent.childExits, es)
	parent.aliveCount--
	parent.zombieCount++
	parent.waitMu.Unlock()
}

// reparentOrphans implements vanish's "unreaped children are reparented
// to init" (spec.md §4.6): every live task whose parent was deadPid now
// points at init, and any of deadPid's own already-queued grandchild
// exit statuses move to init's queue (waking a queued init waiter
// immediately where one exists) rather than being lost.
func (c *Coordinator) reparentOrphans(deadPid Pid, init *PCB) {
	var orphans []Pid
	c.mu.Lock()
	for pid, p := range c.pids {
		if pid != deadPid && p.Parent == deadPid {
			p.Parent = init.Pid
			orphans = append(orphans, pid)
		}
	}
	c.mu.Unlock()
	if len(orphans) > 0 {
		init.waitMu.Lock()
		init.aliveCount += len(orphans)
		init.waitMu.Unlock()
	}

	dead, ok := c.Task(deadPid)
	if !ok {
		return
	}
	dead.waitMu.Lock()
	pending := dead.childExits
	dead.childExits = nil
	dead.waitMu.Unlock()
	for _, es := range pending {
		c.recordExit(init, es)
	}
}
