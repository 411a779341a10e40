package kernel

import (
	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/klog"
)

// handleInbound converts one manager->worker message into a scheduling
// effect, per spec.md §4.5's integration list. It returns the TCB that
// should run next on this CPU immediately, or nil if the message had no
// such effect (the caller should fall back to the run queue).
// Precondition: s.mu held (called only from pickNext).
func (s *Scheduler) handleInbound(msg bus.Message) *TCB {
	switch msg.Kind {
	case bus.FORK:
		return s.handleForkMessage(msg)

	case bus.VanishBack:
		t, ok := s.coord.Thread(TID(msg.RequesterTID))
		if !ok {
			klog.Warningf("kernel: cpu %d: vanish ack for unknown tid %d", s.cpu, msg.RequesterTID)
			return nil
		}
		if t.Task != nil && t.Task.AS != nil && s.shared != nil {
			t.Task.AS.FreeEntireSpace(s.shared.KernelPDEs)
		}
		s.zombies.Push(t)
		return nil

	case bus.FORKResponse, bus.WaitResponse, bus.Response:
		t, ok := s.coord.Thread(TID(msg.RequesterTID))
		if !ok {
			klog.Warningf("kernel: cpu %d: reply for unknown tid %d", s.cpu, msg.RequesterTID)
			return nil
		}
		t.Result = msg.Result
		t.Msg = msg // carries WaitResponse's pid/status (Arg0/Arg1) to the waiting syscall
		t.setState(Normal)
		return t

	case bus.MakeRunnable, bus.Yield:
		target, ok := s.coord.Thread(TID(msg.Arg0))
		if !ok {
			klog.Warningf("kernel: cpu %d: make_runnable/yield for unknown tid %d", s.cpu, msg.Arg0)
			return nil
		}
		if msg.Kind == bus.MakeRunnable {
			s.MakeRunnable(target)
		}
		s.bus.Send(bus.Message{Kind: bus.Response, RequesterTID: msg.RequesterTID, Result: 0})
		if msg.Kind == bus.Yield {
			return target
		}
		return nil

	case bus.Halt:
		s.halted = true
		return nil

	default:
		klog.Warningf("kernel: cpu %d: unexpected manager->worker message kind %d", s.cpu, msg.Kind)
		return nil
	}
}

// handleForkMessage implements the FORK effect: the first delivery of
// a given fork (child not yet built) runs clone_pd and replies to the
// manager; the second delivery (after the manager confirms success)
// admits the already-built child so it runs now.
func (s *Scheduler) handleForkMessage(msg bus.Message) *TCB {
	newTID := TID(msg.Arg0)
	child, ok := s.coord.Thread(newTID)
	if !ok {
		klog.Warningf("kernel: cpu %d: fork message for unregistered tid %d", s.cpu, newTID)
		return nil
	}
	if child.Task == nil {
		reply := s.CompleteForkOnWorker(msg, s.coord)
		s.bus.Send(reply)
		return nil
	}
	return child
}
