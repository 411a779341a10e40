// Package pgalloc implements the kernel's physical frame allocator: a
// per-CPU segment tree over free frames (spec.md §4.3), plus the
// reservation protocol that lets a mapping operation commit to "I will need
// K frames" before it mutates any page-table entry, so out-of-memory is
// detected before a mapping is ever half-built.
//
// Frames are backed by anonymous host memory obtained with
// golang.org/x/sys/unix.Mmap, standing in for physical RAM: this kernel
// runs as a host process simulating protected-mode semantics rather than
// owning real hardware frames.
package pgalloc

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/vkernel/vkernel/pkg/klog"
	"github.com/vkernel/vkernel/pkg/sync"
)

// FrameSize is the size in bytes of a single physical frame (the x86
// page size).
const FrameSize = 4096

// NAN is the sentinel segment-tree value meaning "no free frame reachable
// below this node."
const NAN uint32 = ^uint32(0)

const framesPerLeaf = 32

// Memory is the backing store for all physical frames in the system: a
// single mmap'd region, sliced into per-CPU Allocators below. It exists so
// that ZFOD copy-on-write tests and clone_pd's page-content copy (spec.md
// §4.4) have real byte storage to operate on.
type Memory struct {
	bytes     []byte
	numFrames int
}

// NewMemory mmaps anonymous storage for numFrames frames.
func NewMemory(numFrames int) (*Memory, error) {
	b, err := unix.Mmap(-1, 0, numFrames*FrameSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pgalloc: mmap %d frames: %w", numFrames, err)
	}
	return &Memory{bytes: b, numFrames: numFrames}, nil
}

// Frame returns the byte slice backing the given global frame index.
func (m *Memory) Frame(index uint32) []byte {
	off := int(index) * FrameSize
	return m.bytes[off : off+FrameSize]
}

// Close unmaps the backing storage. Only used by tests and final shutdown.
func (m *Memory) Close() error {
	return unix.Munmap(m.bytes)
}

// Allocator is a per-CPU frame allocator: a perfect binary segment tree
// over a bitmap of free frames, plus an independent reservation counter.
// Frames allocated by one CPU's Allocator are only ever freed back to that
// same Allocator (spec.md §5: "frames 'belong' to the CPU that allocated
// them").
type Allocator struct {
	mu sync.Spinlock

	base      uint32 // first global frame index owned by this allocator
	numFrames int

	bitmap    []uint32 // one word per leaf; bit i set means frame (leaf*32+i) is free
	tree      []uint32 // 1-indexed array segment tree; tree[1] is the root
	leafCount int      // power-of-two leaf count

	free *sync.Counter // independent reservation counter, spec.md §4.3
}

// NewAllocator builds an Allocator over numFrames frames starting at global
// index base, with every frame initially free.
func NewAllocator(base uint32, numFrames int) *Allocator {
	leaves := (numFrames + framesPerLeaf - 1) / framesPerLeaf
	leafCount := 1
	for leafCount < leaves {
		leafCount <<= 1
	}
	if leafCount == 0 {
		leafCount = 1
	}

	a := &Allocator{
		base:      base,
		numFrames: numFrames,
		bitmap:    make([]uint32, leafCount),
		tree:      make([]uint32, 2*leafCount),
		leafCount: leafCount,
		free:      sync.NewCounter(int64(numFrames)),
	}
	for i := 0; i < leafCount; i++ {
		lo := i * framesPerLeaf
		if lo >= numFrames {
			a.bitmap[i] = 0
			continue
		}
		hi := lo + framesPerLeaf
		if hi > numFrames {
			// Only the low (numFrames-lo) bits of this leaf are real
			// frames; the rest must never be handed out.
			a.bitmap[i] = (uint32(1) << uint(numFrames-lo)) - 1
		} else {
			a.bitmap[i] = ^uint32(0)
		}
	}
	for i := 0; i < leafCount; i++ {
		a.tree[leafCount+i] = leafValue(i, a.bitmap[i])
	}
	for i := leafCount - 1; i >= 1; i-- {
		a.tree[i] = minNAN(a.tree[2*i], a.tree[2*i+1])
	}
	return a
}

func leafValue(leaf int, bitmap uint32) uint32 {
	if bitmap == 0 {
		return NAN
	}
	return uint32(leaf*framesPerLeaf + bits.TrailingZeros32(bitmap))
}

func minNAN(a, b uint32) uint32 {
	if a == NAN {
		return b
	}
	if b == NAN {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// GetFrame returns the smallest free local frame index, or (0, false) if
// this allocator is exhausted. The returned index is local (add a.base for
// the global index); see GetFrameGlobal.
func (a *Allocator) GetFrame() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	root := a.tree[1]
	if root == NAN {
		return 0, false
	}
	leaf := root / framesPerLeaf
	bit := root % framesPerLeaf
	a.bitmap[leaf] &^= uint32(1) << bit
	a.rewalk(int(leaf))
	return root, true
}

// GetFrameGlobal is GetFrame translated into the global frame-index space.
func (a *Allocator) GetFrameGlobal() (uint32, bool) {
	idx, ok := a.GetFrame()
	if !ok {
		return 0, false
	}
	return a.base + idx, true
}

// PutFrame returns local frame index to the free set.
func (a *Allocator) PutFrame(index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	leaf := index / framesPerLeaf
	bit := index % framesPerLeaf
	if a.bitmap[leaf]&(uint32(1)<<bit) != 0 {
		klog.Panicf("pgalloc: double free of frame %d", index)
	}
	a.bitmap[leaf] |= uint32(1) << bit
	a.rewalk(int(leaf))
}

// PutFrameGlobal is PutFrame translated from the global frame-index space.
func (a *Allocator) PutFrameGlobal(index uint32) {
	a.PutFrame(index - a.base)
}

// rewalk recomputes the tree path from the given leaf up to the root.
// Precondition: a.mu is held.
func (a *Allocator) rewalk(leaf int) {
	pos := a.leafCount + leaf
	a.tree[pos] = leafValue(leaf, a.bitmap[leaf])
	for pos > 1 {
		pos /= 2
		a.tree[pos] = minNAN(a.tree[2*pos], a.tree[2*pos+1])
	}
}

// Reserve atomically decrements the free counter by n, without touching
// the tree. It fails (leaving the counter unchanged) if that would take it
// negative. Every mapping that may allocate a new frame must reserve
// before mutating any PTE (spec.md §4.3's core invariant).
func (a *Allocator) Reserve(n int) bool {
	return a.free.Reserve(int64(n))
}

// Unreserve is the inverse of Reserve: it is called when a reservation's
// mapping failed partway and must be rolled back, never when the
// reservation was "spent" by a successful mapping (spent reservations are
// not returned to the counter; they correspond to frames now actually in
// use, which are credited back only by PutFrame/UnreserveFreed).
func (a *Allocator) Unreserve(n int) {
	a.free.Unreserve(int64(n))
}

// UnreserveFreed credits n units back to the free counter because n frames
// were actually freed (as opposed to a failed reservation being rolled
// back). Semantically identical to Unreserve; kept as a distinct name at
// call sites for clarity about which case is being handled.
func (a *Allocator) UnreserveFreed(n int) {
	a.free.Unreserve(int64(n))
}

// FreeCount returns the number of frames currently available to reserve.
func (a *Allocator) FreeCount() int64 {
	return a.free.Load()
}

// Base returns the first global frame index owned by this allocator.
func (a *Allocator) Base() uint32 { return a.base }

// NumFrames returns how many frames this allocator owns.
func (a *Allocator) NumFrames() int { return a.numFrames }
