// Package sync provides the synchronization primitives the rest of the
// kernel is built from, in the dependency order spec.md §2 names: a
// spinlock, a FIFO mutex, and an atomic counter. Everything above this
// package (frame allocator, page tables, scheduler, message bus, life-cycle
// coordinator, syscall dispatch) is built out of these three.
package sync

import (
	"sync/atomic"

	"github.com/vkernel/vkernel/pkg/klog"
)

// A Spinlock is a non-reentrant, non-FIFO mutual exclusion lock that busy
// waits. It is appropriate for short critical sections such as a run-queue
// or a mailbox, where the expected hold time is a handful of instructions
// and a thread should never sleep while holding it.
type Spinlock struct {
	held atomic.Bool
}

// Lock acquires s, spinning until it is free.
func (s *Spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		// busy wait; real hardware would insert a PAUSE here.
	}
}

// TryLock attempts to acquire s without blocking, reporting success.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases s.
func (s *Spinlock) Unlock() {
	if !s.held.CompareAndSwap(true, false) {
		klog.Panicf("sync: Spinlock unlocked while not held")
	}
}

// A Mutex is a FIFO, ticket-based sleeping mutex: waiters are granted the
// lock in the order they arrived. Unlike Spinlock, a blocked goroutine
// parks instead of spinning, so Mutex is appropriate for longer critical
// sections (page-table group locks, PCB wait-struct locks, the pid table).
type Mutex struct {
	ticket    atomic.Uint64
	serving   atomic.Uint64
	destroyed atomic.Bool
	wake      atomic.Pointer[chan struct{}]
	initOnce  atomic.Bool
}

func (m *Mutex) init() {
	if m.initOnce.CompareAndSwap(false, true) {
		ch := make(chan struct{})
		close(ch)
		m.wake.Store(&ch)
	}
}

// Lock acquires m in FIFO order relative to other Lock calls.
func (m *Mutex) Lock() {
	m.init()
	my := m.ticket.Add(1) - 1
	for {
		if m.destroyed.Load() {
			klog.Panicf("sync: Mutex locked after Destroy")
		}
		if m.serving.Load() == my {
			return
		}
		<-*m.wake.Load()
	}
}

// Unlock releases m, admitting the next ticket holder.
func (m *Mutex) Unlock() {
	m.init()
	m.serving.Add(1)
	ch := make(chan struct{})
	old := m.wake.Swap(&ch)
	close(*old)
}

// TryLock attempts to acquire m without blocking. It only succeeds if the
// lock is uncontended (no other ticket is currently being served ahead of
// a freshly issued one). Used by the zombie reaper, which must never block
// on contention.
func (m *Mutex) TryLock() bool {
	m.init()
	if m.destroyed.Load() {
		return false
	}
	for {
		cur := m.ticket.Load()
		if cur != m.serving.Load() {
			return false
		}
		if m.ticket.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Destroy marks m unusable. Per spec.md's authoritative design-notes
// decision, a destroyed mutex that still has outstanding holders panics
// (the alternative variant, spinning on outstanding holders, is NOT used
// here).
func (m *Mutex) Destroy() {
	m.init()
	if m.ticket.Load() != m.serving.Load() {
		klog.Panicf("sync: Mutex destroyed with outstanding holders")
	}
	m.destroyed.Store(true)
}

// A Counter is an atomic int64 used for frame-reservation accounting: it
// supports a reserve/unreserve pair that never goes negative, so a caller
// can commit to "I will need K of these" before doing anything that would
// make a half-built state externally visible.
type Counter struct {
	v atomic.Int64
}

// NewCounter returns a Counter initialized to n.
func NewCounter(n int64) *Counter {
	c := &Counter{}
	c.v.Store(n)
	return c
}

// Reserve attempts to decrement the counter by n, failing (and leaving the
// counter unchanged) if that would take it negative.
func (c *Counter) Reserve(n int64) bool {
	for {
		cur := c.v.Load()
		if cur < n {
			return false
		}
		if c.v.CompareAndSwap(cur, cur-n) {
			return true
		}
	}
}

// Unreserve gives back n previously reserved units (the inverse of
// Reserve), or simply credits n fresh units (e.g. frames just freed).
func (c *Counter) Unreserve(n int64) {
	c.v.Add(n)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return c.v.Load()
}
