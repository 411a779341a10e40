package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

	"github.com/vkernel/vkernel/pkg/boot"
	"github.com/vkernel/vkernel/pkg/config"
)

// stateCmd implements subcommands.Command for "state": boot a machine,
// run it for a bounded window, and dump periodic scheduler/task-table
// snapshots — a debugging aid modeled on runsc/cmd/state.go, adapted
// since this kernel keeps no on-disk state to load (spec.md §6:
// "Persistent state. None.").
type stateCmd struct {
	manifest string
	duration time.Duration
	interval time.Duration
}

func (*stateCmd) Name() string     { return "state" }
func (*stateCmd) Synopsis() string { return "dump scheduler/task-table snapshots for debugging" }
func (*stateCmd) Usage() string {
	return `state [flags] - boot a machine and periodically dump its task/thread tables
`
}

func (c *stateCmd) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f)
	f.StringVar(&c.manifest, "manifest", "", "path to a TOML boot manifest overriding unset flags.")
	f.DurationVar(&c.duration, "duration", 2*time.Second, "how long to run before exiting.")
	f.DurationVar(&c.interval, "interval", 500*time.Millisecond, "snapshot interval.")
}

func (c *stateCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.NewFromFlags(f)
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	if c.manifest != "" {
		if err := cfg.OverrideFromFile(c.manifest); err != nil {
			fatalf("%v", err)
			return subcommands.ExitFailure
		}
	}

	m, err := boot.Boot(cfg)
	if err != nil {
		fatalf("boot: %v", err)
		return subcommands.ExitFailure
	}
	defer m.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, c.duration)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, nil) }()

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return subcommands.ExitSuccess
		case <-t.C:
			c.dump(m)
		}
	}
}

func (c *stateCmd) dump(m *boot.Machine) {
	tasks, threads := m.Coord.Snapshot()
	fmt.Printf("--- tasks: %d, threads: %d ---\n", len(tasks), len(threads))
	for _, t := range tasks {
		fmt.Printf("pid=%d parent=%d threads=%d\n", t.Pid, t.Parent, t.Threads)
	}
	for _, t := range threads {
		fmt.Printf("tid=%d pid=%d cpu=%d state=%s\n", t.TID, t.Pid, t.CPU, t.State)
	}
}
