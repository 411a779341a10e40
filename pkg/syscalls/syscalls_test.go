package syscalls

import (
	"testing"

	"github.com/vkernel/vkernel/pkg/errno"
	"github.com/vkernel/vkernel/pkg/image"
	"github.com/vkernel/vkernel/pkg/kernel"
	"github.com/vkernel/vkernel/pkg/mm"
	"github.com/vkernel/vkernel/pkg/pgalloc"
	vsync "github.com/vkernel/vkernel/pkg/sync"
)

// newTestHandler builds a single-worker Handler with real mm/pgalloc
// state and one running task, for syscalls that complete locally
// (no manager round trip).
func newTestHandler(t *testing.T) (*Handler, *kernel.TCB) {
	t.Helper()
	mem, err := pgalloc.NewMemory(256)
	if err != nil {
		t.Fatalf("pgalloc.NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	frames := pgalloc.NewAllocator(0, 256)
	shared := mm.InitVM(mem, frames, 1)

	idle := kernel.NewTCB(0, nil, 0, 1)
	stacks := kernel.NewStackTable(0)
	sched := kernel.NewScheduler(1, idle, kernel.NewZombieList(), stacks, &vsync.Mutex{}, nil, kernel.NewClock())
	sched.SetMM(shared, frames)
	coord := kernel.NewCoordinator(nil, 1)

	as := mm.NewAddressSpace(shared, frames)
	task := kernel.NewPCB(1, 0, as, []string{"init"})
	cur := kernel.NewTCB(1, task, 0, 1)
	sched.Adopt(cur)

	toc := image.NewTOC(nil)
	h := New(sched, coord, shared, frames, stacks, kernel.NewClock(), toc)
	return h, cur
}

func TestGettid(t *testing.T) {
	h, cur := newTestHandler(t)
	h.Dispatch(cur, Gettid, Args{})
	if cur.Result != int64(cur.TID) {
		t.Fatalf("Gettid: Result = %d, want %d", cur.Result, cur.TID)
	}
}

func TestSetStatusRecordsOnPCB(t *testing.T) {
	h, cur := newTestHandler(t)
	h.Dispatch(cur, SetStatus, Args{N0: 42})
	if got := cur.Task.Status(); got != 42 {
		t.Fatalf("Task.Status() = %d, want 42", got)
	}
}

func TestNewPagesThenRemovePagesRoundTrips(t *testing.T) {
	h, cur := newTestHandler(t)
	before := h.frames.FreeCount()

	base := mm.Addr(0x10000000)
	h.Dispatch(cur, NewPages, Args{P0: base, N0: 8192})
	if errno.Errno(cur.Result) != errno.ESUCCESS {
		t.Fatalf("NewPages: Result = %d, want ESUCCESS", cur.Result)
	}

	// Reading never allocates a real frame for a ZFOD page: the
	// reservation count should still equal what was charged up front.
	afterAlloc := h.frames.FreeCount()
	if afterAlloc != before-2 {
		t.Fatalf("FreeCount after NewPages(8192, zfod) = %d, want %d", afterAlloc, before-2)
	}

	h.Dispatch(cur, RemovePages, Args{P0: base})
	if errno.Errno(cur.Result) != errno.ESUCCESS {
		t.Fatalf("RemovePages: Result = %d, want ESUCCESS", cur.Result)
	}
	after := h.frames.FreeCount()
	if after != before {
		t.Fatalf("FreeCount after RemovePages = %d, want %d (back to before)", after, before)
	}
}

func TestNewPagesZFODWriteAllocatesOneFrame(t *testing.T) {
	h, cur := newTestHandler(t)
	base := mm.Addr(0x20000000)
	h.Dispatch(cur, NewPages, Args{P0: base, N0: 2 * mm.PageSize})

	before := h.frames.FreeCount()
	if !cur.Task.AS.IsPageZFOD(base+mm.PageSize, true) {
		t.Fatalf("IsPageZFOD: expected a write fault on a ZFOD page to be handled")
	}
	after := h.frames.FreeCount()
	if after != before {
		t.Fatalf("FreeCount after first ZFOD write = %d, want unchanged %d (reservation was pre-paid)", after, before)
	}

	h.Dispatch(cur, RemovePages, Args{P0: base})
	if errno.Errno(cur.Result) != errno.ESUCCESS {
		t.Fatalf("RemovePages after ZFOD write: Result = %d, want ESUCCESS", cur.Result)
	}
}

func TestReadFileUnknownName(t *testing.T) {
	h, cur := newTestHandler(t)
	base := mm.Addr(0x30000000)
	h.Dispatch(cur, NewPages, Args{P0: base, N0: mm.PageSize})

	// Write the name "missing\0" into the new page so readFile can
	// read it back as a user pointer.
	if errc := cur.Task.AS.CopyIn(base, append([]byte("missing"), 0)); errc != errno.ESUCCESS {
		t.Fatalf("CopyIn name: %v", errc)
	}
	h.Dispatch(cur, ReadFile, Args{P0: base, P1: base + 64, N0: 16, N1: 0})
	if errno.Errno(cur.Result) != errno.ENOENT {
		t.Fatalf("ReadFile(missing): Result = %d, want ENOENT", cur.Result)
	}
}

func TestDescheduleReturnsImmediatelyWhenRejectNonzero(t *testing.T) {
	h, cur := newTestHandler(t)
	base := mm.Addr(0x40000000)
	h.Dispatch(cur, NewPages, Args{P0: base, N0: mm.PageSize})
	one := [4]byte{1, 0, 0, 0}
	if errc := cur.Task.AS.CopyIn(base, one[:]); errc != errno.ESUCCESS {
		t.Fatalf("CopyIn reject flag: %v", errc)
	}

	next := h.Dispatch(cur, Deschedule, Args{P0: base})
	if next != cur {
		t.Fatalf("Deschedule(reject!=0): expected no switch, caller keeps running")
	}
	if cur.Result != 0 {
		t.Fatalf("Deschedule(reject!=0): Result = %d, want 0", cur.Result)
	}
}
