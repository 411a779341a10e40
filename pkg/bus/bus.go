// Package bus implements the cross-CPU message bus (spec.md §4.5): a
// manager/worker split where CPU 0 owns global task state and CPUs
// 1..N-1 exchange typed Messages with it through per-worker mailboxes.
//
// The bus never looks inside a Message's payload and never retries a
// delivery; it only guarantees FIFO order within one (worker, manager)
// pair. Retry policy (e.g. re-dispatching a failed fork to another
// worker) belongs to the life-cycle coordinator built on top of this
// package.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// Kind identifies the purpose of a Message and which payload fields are
// meaningful (spec.md §3: "Message...kind, requester-tid, requester-cpu,
// payload").
type Kind int

const (
	// FORK asks the manager (or, forwarded, a chosen worker) to finish
	// address-space cloning for a new thread.
	FORK Kind = iota
	// FORKResponse carries the outcome of a FORK: from the placement
	// worker to the manager once clone_pd has run, and from the manager
	// back to the requester (Result is the new tid or an errno). The
	// manager's second delivery to the placement worker is a FORK.
	FORKResponse
	// Vanish reports a thread's task has fully exited.
	Vanish
	// VanishBack acknowledges a Vanish once the manager has finished
	// bookkeeping, letting the worker finish tearing the thread down.
	VanishBack
	// Wait asks the manager to reap one child's exit status.
	Wait
	// WaitResponse delivers a reaped exit status, or ECHILD, to a
	// waiter.
	WaitResponse
	// SetInitPCB designates the task that orphans are reparented to.
	SetInitPCB
	// Print asks the manager to render text on the shared console.
	Print
	// Readline asks the manager for one line of console input.
	Readline
	// SetCursorPos asks the manager to move the console cursor.
	SetCursorPos
	// GetCursorPos asks the manager for the console cursor position.
	GetCursorPos
	// SetTermColor asks the manager to change console text color.
	SetTermColor
	// MakeRunnable asks the manager to resolve a cross-CPU
	// make_runnable(tid) and return the target's scheduling context.
	MakeRunnable
	// Yield asks the manager to resolve a cross-CPU yield(tid).
	Yield
	// Halt is broadcast by the manager to every worker at shutdown.
	Halt
	// Response is the generic reply to the remaining requests: Result
	// carries the result code, Text carries Readline's line, and
	// Arg0/Arg1 carry GetCursorPos's row and column.
	Response
)

// Message is the unit of exchange on the bus. Not every field is
// meaningful for every Kind; see the Kind constants' doc comments.
type Message struct {
	Kind Kind

	RequesterTID uint32
	RequesterCPU int

	// TargetCPU names a destination CPU for MakeRunnable/Yield/FORK
	// forwarding; it is the manager's fork-placement decision or the
	// cross-CPU target named by the caller.
	TargetCPU int

	// Result carries a syscall return value (new tid, an errno, 0) on
	// response-shaped messages.
	Result int64

	// Arg0/Arg1 carry kind-specific scalar payload: cursor row/col for
	// {Get,Set}CursorPos, a color code for SetTermColor, an exit status
	// for Vanish/WaitResponse, a byte count for Readline.
	Arg0 int64
	Arg1 int64

	// Text carries Print's output or Readline's result.
	Text string
}

// node is one link in a mailbox's singly-linked FIFO.
type node struct {
	msg  Message
	next *node
}

// mailbox is a singly-linked FIFO queue guarded by a dedicated spinlock,
// per spec.md §4.5. It is not lock-free, but it is cheap enough under
// the single-producer/single-consumer access pattern the bus imposes on
// it (one worker ever pushes to its own outbound queue and pops its own
// inbound queue; only the manager ever touches the other ends).
type mailbox struct {
	lock vsync.Spinlock
	head *node
	tail *node
}

func (q *mailbox) push(m Message) {
	n := &node{msg: m}
	q.lock.Lock()
	if q.tail == nil {
		q.head, q.tail = n, n
	} else {
		q.tail.next = n
		q.tail = n
	}
	q.lock.Unlock()
}

func (q *mailbox) pop() (Message, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head == nil {
		return Message{}, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	return n.msg, true
}

// pollInterval is how long manager_recv waits between sweeps of the
// outbound queues once a sweep finds nothing. The bus is simulated over
// host goroutines rather than real CPUs spinning on memory, so a short
// sleep stands in for spec.md's "busy-looping on absence" without
// pegging a host core per worker.
const pollInterval = 50 * time.Microsecond

var errEmpty = errors.New("bus: no message ready")

// Bus is the manager's view of the topology: 2*(N-1) queues, a pair
// (inbound, outbound) per worker CPU 1..N-1.
type Bus struct {
	numWorkers int
	inbound    []*mailbox
	outbound   []*mailbox
	rr         uint64
}

// New builds a Bus for numWorkers worker CPUs (spec.md's N-1). Every
// worker's inbound and outbound queues are allocated up front by the
// manager, matching spec.md §4.5's "a worker pre-allocates its own
// inbound and outbound queues during its boot-up and publishes pointers
// into the manager's array" — here publication is implicit, since the
// manager owns the allocation.
func New(numWorkers int) *Bus {
	b := &Bus{
		numWorkers: numWorkers,
		inbound:    make([]*mailbox, numWorkers),
		outbound:   make([]*mailbox, numWorkers),
	}
	for i := 0; i < numWorkers; i++ {
		b.inbound[i] = &mailbox{}
		b.outbound[i] = &mailbox{}
	}
	return b
}

// NumWorkers returns the number of worker CPUs this bus serves.
func (b *Bus) NumWorkers() int { return b.numWorkers }

func (b *Bus) index(cpu int) int { return cpu - 1 }

// Send implements manager_send(msg, cpu): enqueue msg on the named
// worker's inbound queue.
func (b *Bus) Send(m Message, cpu int) {
	b.inbound[b.index(cpu)].push(m)
}

// Recv implements manager_recv(): round-robin poll across all outbound
// queues, busy-looping (here, backing off) on absence. ctx cancellation
// is the only way Recv returns without a message; the manager's main
// loop returns when that happens.
func (b *Bus) Recv(ctx context.Context) (Message, bool) {
	start := int(b.rr % uint64(b.numWorkers))
	b.rr++

	var found Message
	op := func() error {
		for i := 0; i < b.numWorkers; i++ {
			idx := (start + i) % b.numWorkers
			if m, ok := b.outbound[idx].pop(); ok {
				found = m
				return nil
			}
		}
		return errEmpty
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return Message{}, false
	}
	return found, true
}

// Worker returns cpu's handle onto the bus. cpu must be in [1, numWorkers].
func (b *Bus) Worker(cpu int) *WorkerEnd {
	return &WorkerEnd{bus: b, cpu: cpu}
}

// WorkerEnd is one worker CPU's handle onto the bus: it can only ever
// push to its own outbound queue and pop its own inbound queue.
type WorkerEnd struct {
	bus *Bus
	cpu int
}

// Send implements worker_send(msg): enqueue on this CPU's outbound queue.
func (w *WorkerEnd) Send(m Message) {
	m.RequesterCPU = w.cpu
	w.bus.outbound[w.bus.index(w.cpu)].push(m)
}

// Recv implements worker_recv() -> msg|nil: dequeue from this CPU's
// inbound queue without blocking. Called once per trip through the
// scheduler's "get next runnable" path (spec.md §4.5).
func (w *WorkerEnd) Recv() (Message, bool) {
	return w.bus.inbound[w.bus.index(w.cpu)].pop()
}
