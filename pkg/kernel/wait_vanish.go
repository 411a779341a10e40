package kernel

import "github.com/vkernel/vkernel/pkg/bus"

// Wait implements the wait() syscall's scheduling half (spec.md §6):
// ask the manager to reap one child exit status, blocking exactly like
// SEND_MSG. On return, cur.Result is ESUCCESS or ECHILD, and cur.Msg
// carries the reaped {pid, status} in Arg0/Arg1 on success.
func (s *Scheduler) Wait(cur *TCB) *TCB {
	return s.SendMsg(bus.Message{
		Kind:         bus.Wait,
		RequesterTID: uint32(cur.TID),
	})
}

// Vanish implements the scheduling half of vanish()/task exit (spec.md
// §4.6, §6): report status to the manager for delivery to the task's
// parent (or init), blocking until the manager acknowledges so the
// caller's stack and TCB can be safely handed to the zombie reaper.
func (s *Scheduler) Vanish(cur *TCB, status int32) *TCB {
	return s.SendMsg(bus.Message{
		Kind:         bus.Vanish,
		RequesterTID: uint32(cur.TID),
		Arg0:         int64(status),
	})
}
