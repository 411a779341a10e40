package kernel

import (
	"github.com/vkernel/vkernel/pkg/klog"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// StackSize is the size of one kernel stack slab. Spec.md §3 requires a
// power-of-two region aligned on that boundary so current_tcb() reduces
// to a shift and a table lookup.
const StackSize = 8192

const stackShift = 13 // log2(StackSize)

// StackTable is the slab freelist current_tcb() is built on: it
// allocates fixed-size, StackSize-aligned kernel stacks and remembers
// which TCB owns each live slab, so a stack pointer alone identifies
// the running thread (spec.md §3 invariant: "the current stack-
// pointer's high bits index the TCB of the running thread").
type StackTable struct {
	mu vsync.Mutex

	slabSize int
	next     uintptr // bump pointer for slabs never yet recycled
	free     []uintptr
	owner    map[uintptr]*TCB // slab base -> owning TCB
}

// NewStackTable builds a table whose bump allocator starts at base,
// which must be StackSize-aligned.
func NewStackTable(base uintptr) *StackTable {
	if base%StackSize != 0 {
		klog.Panicf("kernel: NewStackTable: base %#x is not %d-aligned", base, StackSize)
	}
	return &StackTable{next: base, owner: make(map[uintptr]*TCB)}
}

// Alloc returns a fresh StackSize-aligned stack base for owner,
// reusing a freed slab if one is available.
func (st *StackTable) Alloc(owner *TCB) uintptr {
	st.mu.Lock()
	defer st.mu.Unlock()

	var base uintptr
	if n := len(st.free); n > 0 {
		base = st.free[n-1]
		st.free = st.free[:n-1]
	} else {
		base = st.next
		st.next += StackSize
	}
	st.owner[base] = owner
	return base
}

// Free returns base to the freelist. It is the zombie reaper's job to
// call this only once a stack is no longer in use (spec.md §4.1: "the
// vanishing thread cannot free its own stack while still running on
// it").
func (st *StackTable) Free(base uintptr) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.owner, base)
	st.free = append(st.free, base)
}

// CurrentTCB implements current_tcb(): given a live stack pointer
// anywhere inside a slab, returns the TCB that owns it.
func (st *StackTable) CurrentTCB(sp uintptr) *TCB {
	base := (sp >> stackShift) << stackShift
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.owner[base]
}
