package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/google/subcommands"

	"github.com/vkernel/vkernel/pkg/boot"
	"github.com/vkernel/vkernel/pkg/config"
	"github.com/vkernel/vkernel/pkg/console"
	"github.com/vkernel/vkernel/pkg/klog"
)

// bootCmd implements subcommands.Command for "boot": start the
// simulated SMP kernel from a config/manifest and run it until
// interrupted.
type bootCmd struct {
	manifest string
	headless bool
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot the simulated kernel" }
func (*bootCmd) Usage() string {
	return `boot [flags] - boot the simulated SMP kernel and run until interrupted
`
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f)
	f.StringVar(&c.manifest, "manifest", "", "path to a TOML boot manifest overriding unset flags.")
	f.BoolVar(&c.headless, "headless", false, "back the console with a fresh pty instead of this process's controlling terminal.")
}

func (c *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
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

	klog.Infof("vkctl: booting %d CPUs, init=%q", cfg.NumCPUs, cfg.InitName)
	m, err := boot.Boot(cfg)
	if err != nil {
		fatalf("boot: %v", err)
		return subcommands.ExitFailure
	}
	defer m.Shutdown()

	var term *console.Terminal
	if c.headless {
		var slave string
		term, slave, err = console.NewPTY()
		if err == nil {
			klog.Infof("vkctl: headless console attached at %s", slave)
		}
	} else {
		term, err = console.New()
	}
	if err != nil {
		fatalf("console: %v", err)
		return subcommands.ExitFailure
	}
	defer term.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	if err := m.Run(ctx, term); err != nil {
		fatalf("run: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
