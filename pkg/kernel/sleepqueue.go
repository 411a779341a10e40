package kernel

import "container/heap"

// sleepQueue is the per-CPU priority queue ordered by absolute wakeup
// tick (spec.md §3). sleep(n) parks the calling thread here instead of
// the run queue; the timer callback (Scheduler.TickSleepers) pops every
// entry whose wakeTick has arrived, sets it Normal and appends it to the
// run queue.
type sleepQueue struct {
	h sleepHeap
}

func newSleepQueue() *sleepQueue {
	return &sleepQueue{}
}

// Push parks t until tick.
func (q *sleepQueue) Push(t *TCB, tick uint64) {
	t.wakeTick = tick
	heap.Push(&q.h, t)
}

// PopReady pops and returns every thread whose wakeTick <= now, in
// wakeup order.
func (q *sleepQueue) PopReady(now uint64) []*TCB {
	var ready []*TCB
	for len(q.h) > 0 && q.h[0].wakeTick <= now {
		ready = append(ready, heap.Pop(&q.h).(*TCB))
	}
	return ready
}

// Len reports how many threads are currently sleeping.
func (q *sleepQueue) Len() int { return len(q.h) }

type sleepHeap []*TCB

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wakeTick < h[j].wakeTick }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x interface{}) { *h = append(*h, x.(*TCB)) }
func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
