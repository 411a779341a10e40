package kernel

// Context is the register-state record spec.md's DESIGN NOTES (§9)
// call for: "the reference implementation relies on an assembly helper
// to save/restore general-purpose registers across a call to the
// scheduler. In a systems-language rewrite, expose this as an `unsafe`
// primitive operating on a `Context` record; keep the scheduler's
// state-machine logic in safe code above it." The reference's helper
// pushes registers onto the outgoing thread's own stack and
// reinterprets that memory as a struct; this simulation's stack
// addresses (stack.go's StackTable) are synthetic bookkeeping values
// with no real backing memory for an unsafe.Pointer cast to
// reinterpret, so Context is instead carried as a plain field on TCB
// and Save/RestoreContext are ordinary struct copies. The record and
// the save-before-switch/restore-after-switch discipline the note asks
// for are preserved; only the assembly/unsafe boundary collapses, since
// there is no real machine execution underneath a TCB to cross it with.
type Context struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
}

// SaveContext captures t's register state, called by the scheduler
// immediately before a context switch away from t (spec.md §4.2).
func SaveContext(t *TCB, regs Context) {
	t.ctx = regs
}

// RestoreContext returns the register state SaveContext last recorded
// for t, called by the scheduler immediately after installing t as the
// running thread (spec.md §4.2).
func RestoreContext(t *TCB) Context {
	return t.ctx
}
