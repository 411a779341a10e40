package kernel

import (
	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/errno"
)

// Fork implements ContextSwitch(FORK) on the requesting worker (spec.md
// §4.1, §4.6). If the caller's task already has more than one thread,
// it fails locally with EMORETHR and does not switch — fork only ever
// starts from a single-threaded task. Otherwise it reserves a tid for
// the child, registers a placeholder TCB for it (unowned by any
// address space yet — clone_pd runs wherever the manager places it),
// and sends a FORK request, blocking the caller exactly like SEND_MSG.
func (s *Scheduler) Fork(coord *Coordinator) *TCB {
	cur := s.Current()
	if cur.Task.Threads() > 1 {
		cur.Result = int64(errno.EMORETHR)
		return cur
	}

	newTID := coord.IssueTID()
	child := NewTCB(newTID, nil, 0, 0)
	coord.RegisterThread(child)

	return s.SendMsg(bus.Message{
		Kind:         bus.FORK,
		RequesterTID: uint32(cur.TID),
		Arg0:         int64(newTID),
	})
}

// CompleteForkOnWorker runs on whichever worker the manager placed a
// fork onto (spec.md §4.6: "the worker completes address-space
// cloning"). It clones the requester's address space, builds the
// child's PCB and TCB, adopts the new thread onto this scheduler, and
// reports success or failure back to the manager via msg's requester
// fields (still the original requester — the manager forwards the
// unmodified FORK message to the chosen worker, per spec.md §4.6).
func (s *Scheduler) CompleteForkOnWorker(msg bus.Message, coord *Coordinator) bus.Message {
	reply := bus.Message{Kind: bus.FORKResponse, RequesterTID: msg.RequesterTID, Arg0: msg.Arg0}

	parent, ok := coord.Thread(TID(msg.RequesterTID))
	if !ok || parent.Task == nil {
		reply.Result = int64(errno.ENOENT)
		return reply
	}
	newTID := TID(msg.Arg0)
	child, ok := coord.Thread(newTID)
	if !ok {
		reply.Result = int64(errno.ENOENT)
		return reply
	}

	childAS, errc := parent.Task.AS.ClonePD(s.shared, s.frames)
	if errc != errno.ESUCCESS {
		reply.Result = int64(errc)
		return reply
	}

	childTask := NewPCB(Pid(newTID), parent.Task.Pid, childAS, parent.Task.CloneArgv())
	child.Task = childTask
	child.StackBase = s.stacks.Alloc(child)
	s.Adopt(child)

	coord.RegisterTask(childTask)

	reply.Result = 0
	return reply
}
