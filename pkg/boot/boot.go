// Package boot implements the manager boot sequence and AP bring-up
// order (spec.md §6's Boot contract): "exactly one CPU is the manager
// (CPU 0) and calls the manager boot (init IDT, init console, init
// message bus, boot APs, run dispatch loop). Each AP enters the AP main
// with its CPU id and initializes its per-CPU state in a fixed order
// (adopt initial PD -> per-CPU heap -> frame allocator -> message
// queues -> context switcher -> scheduler -> syscall subsystems),
// enables interrupts, and loads its idle task." IDT wiring, PIC/APIC
// timer calibration, and the keyboard controller are out-of-scope
// external collaborators (spec.md §1); everything downstream of them
// that this package can still drive for real — the bus, the scheduler,
// the life-cycle coordinator, the syscall handlers — is built here,
// grounded on runsc/boot/loader.go's bring-up ordering and log cadence.
package boot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/vkernel/vkernel/pkg/bus"
	"github.com/vkernel/vkernel/pkg/config"
	"github.com/vkernel/vkernel/pkg/image"
	"github.com/vkernel/vkernel/pkg/kernel"
	"github.com/vkernel/vkernel/pkg/klog"
	"github.com/vkernel/vkernel/pkg/mm"
	"github.com/vkernel/vkernel/pkg/pgalloc"
	vsync "github.com/vkernel/vkernel/pkg/sync"
	"github.com/vkernel/vkernel/pkg/syscalls"
)

// kernelPDEs is the number of low page-directory entries every address
// space reserves for the kernel-shared prefix (spec.md §3 invariant
// (i)); small relative to the 4MB a PDE covers, since this kernel has
// no device drivers or in-kernel heap of its own size to map.
const kernelPDEs = 4

// framesPerMachine sizes the frame allocator's backing memory: enough
// 4K frames for a handful of modest programs across every CPU.
const framesPerMachine = 1 << 16 // 256MiB

// Worker is one AP's fully-assembled per-CPU state, in the order
// spec.md's Boot contract lists: scheduler (context switcher + run/sleep
// queues) and the syscall subsystem built on top of it.
type Worker struct {
	CPU     int
	Sched   *kernel.Scheduler
	Handler *syscalls.Handler
}

// Machine is a fully booted instance: the manager's coordinator and bus,
// the kernel-wide VM/frame state every worker shares, and every worker's
// assembled state.
type Machine struct {
	Config  *config.Config
	Bus     *bus.Bus
	Coord   *kernel.Coordinator
	Shared  *mm.Shared
	Frames  *pgalloc.Allocator
	Mem     *pgalloc.Memory
	Clock   *kernel.Clock
	TOC     *image.TOC
	Stacks  *kernel.StackTable
	Workers []*Worker

	lock *flock.Flock
}

// LoadTOC reads every configured program's bytes off the host
// filesystem into the in-memory program table exec()/readfile() read
// from (spec.md §4.9: no filesystem in the guest, so the whole table is
// materialized once at boot). Exported so `vkctl toc` can inspect a
// configuration's program table without bringing up a whole machine.
func LoadTOC(programs []config.ProgramEntry) (*image.TOC, error) {
	entries := make([]image.Entry, 0, len(programs))
	for _, p := range programs {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return nil, fmt.Errorf("boot: loading program %q from %s: %w", p.Name, p.Path, err)
		}
		entries = append(entries, image.Entry{Name: p.Name, Bytes: data})
	}
	return image.NewTOC(entries), nil
}

// Boot runs the manager boot sequence: acquire the single-instance boot
// lock, build the kernel-wide VM/bus/coordinator state, bring up every
// worker CPU concurrently in the fixed per-CPU order, then return a
// Machine ready for Run. It does not itself run the dispatch loop —
// callers decide when to start serving (e.g. cmd/vkctl waits for a
// console to attach first).
func Boot(cfg *config.Config) (*Machine, error) {
	lock := flock.New(cfg.BootLock)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("boot: acquiring boot lock %s: %w", cfg.BootLock, err)
	}
	if !locked {
		return nil, fmt.Errorf("boot: %s is held by another vkernel instance", cfg.BootLock)
	}

	klog.Infof("boot: manager: init message bus (%d workers)", cfg.NumCPUs)
	b := bus.New(cfg.NumCPUs)
	coord := kernel.NewCoordinator(b, cfg.NumCPUs)

	klog.Infof("boot: manager: init frame allocator and shared VM state")
	mem, err := pgalloc.NewMemory(framesPerMachine)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("boot: allocating machine memory: %w", err)
	}
	frames := pgalloc.NewAllocator(0, framesPerMachine)
	shared := mm.InitVM(mem, frames, kernelPDEs)

	klog.Infof("boot: manager: loading program table (%d entries)", len(cfg.Programs))
	toc, err := LoadTOC(cfg.Programs)
	if err != nil {
		mem.Close()
		lock.Unlock()
		return nil, err
	}

	clock := kernel.NewClock()
	stacks := kernel.NewStackTable(0)
	heapMu := &vsync.Mutex{}

	m := &Machine{
		Config: cfg, Bus: b, Coord: coord, Shared: shared, Frames: frames,
		Mem: mem, Clock: clock, TOC: toc, Stacks: stacks, lock: lock,
	}

	klog.Infof("boot: bringing up %d APs", cfg.NumCPUs)
	g := new(errgroup.Group)
	workers := make([]*Worker, cfg.NumCPUs)
	for i := 0; i < cfg.NumCPUs; i++ {
		cpu := i + 1 // CPU 0 is the manager
		g.Go(func() error {
			workers[cpu-1] = bootAP(cpu, coord, b, shared, frames, stacks, heapMu, clock, toc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		mem.Close()
		lock.Unlock()
		return nil, err
	}
	m.Workers = workers
	return m, nil
}

// bootAP assembles one AP's per-CPU state in the fixed order spec.md's
// Boot contract names: adopt the initial PD (every AddressSpace starts
// from shared's kernel prefix, so there is nothing CPU-specific to do
// here beyond wiring the shared pointer in), per-CPU heap (heapMu,
// process-wide but threaded through each scheduler as if it weren't,
// the same way the real per-CPU heap allocator spec.md lists as an
// external collaborator would be), frame allocator, message queues
// (bus.Worker), context switcher + scheduler, then the syscall
// subsystem. It finishes by installing the idle task, matching "enables
// interrupts, and loads its idle task" — the interrupt-enable step
// itself has no Go-level effect since there is no IDT in scope.
func bootAP(cpu int, coord *kernel.Coordinator, b *bus.Bus, shared *mm.Shared, frames *pgalloc.Allocator, stacks *kernel.StackTable, heapMu *vsync.Mutex, clock *kernel.Clock, toc *image.TOC) *Worker {
	idle := kernel.NewTCB(0, nil, 0, cpu)
	sched := kernel.NewScheduler(cpu, idle, kernel.NewZombieList(), stacks, heapMu, b.Worker(cpu), clock)
	sched.SetMM(shared, frames)
	sched.SetCoordinator(coord)

	handler := syscalls.New(sched, coord, shared, frames, stacks, clock, toc)
	klog.ForCPU(cpu).Infof("boot: ready (idle task installed)")
	return &Worker{CPU: cpu, Sched: sched, Handler: handler}
}

// Shutdown releases the boot lock and the machine's backing memory.
// Call once Run's context is cancelled and every worker has stopped.
func (m *Machine) Shutdown() error {
	m.Mem.Close()
	return m.lock.Unlock()
}

// Run drives the manager's dispatch loop and every worker's tick loop
// until ctx is cancelled. A halt syscall makes the manager broadcast
// Halt, which stops every worker's tick loop; the manager loop and the
// clock keep running, so Run returns only once ctx is cancelled.
// console may be nil (see kernel.Coordinator.Dispatch).
func (m *Machine) Run(ctx context.Context, console kernel.Console) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.Clock.Run(ctx, time.Duration(m.Config.TickPeriodMillis)*time.Millisecond)
		return nil
	})
	for _, w := range m.Workers {
		w := w
		g.Go(func() error {
			runWorker(ctx, w, time.Duration(m.Config.TickPeriodMillis)*time.Millisecond)
			return nil
		})
	}
	g.Go(func() error {
		runManager(ctx, m.Coord, console)
		return nil
	})
	return g.Wait()
}

// runManager implements "run dispatch loop": `loop { msg =
// manager_recv(); dispatch(msg) }` (spec.md §4.6), returning once ctx is
// cancelled.
func runManager(ctx context.Context, coord *kernel.Coordinator, console kernel.Console) {
	for {
		msg, ok := coord.Bus.Recv(ctx)
		if !ok {
			return
		}
		coord.Dispatch(msg, console)
	}
}

// runWorker drives one AP's scheduler on the machine's shared tick: each
// tick runs TickSleepers (spec.md §4.1's sleep-queue wakeup) then Tick
// itself, and finishes any syscall that was waiting on a manager reply
// (wait/readline) before the next tick.
func runWorker(ctx context.Context, w *Worker, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Sched.TickSleepers()
			next := w.Sched.Tick()
			finishPending(w.Handler, next)
			if w.Sched.Halted() {
				return
			}
		}
	}
}

// finishPending completes the one syscall family that needs a
// continuation after its blocking reply lands (syscalls.Handler's
// FinishWait/FinishReadLine doc comments): a WaitResponse always needs
// FinishWait; a plain Response only needs FinishReadLine when
// PendingAddr marks it as a readline reply rather than some other
// manager acknowledgement (print, cursor, color, make_runnable/yield).
func finishPending(h *syscalls.Handler, next *kernel.TCB) {
	switch next.Msg.Kind {
	case bus.WaitResponse:
		h.FinishWait(next)
	case bus.Response:
		if next.PendingAddr != 0 {
			h.FinishReadLine(next)
		}
	}
}
