package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/vkernel/vkernel/pkg/boot"
	"github.com/vkernel/vkernel/pkg/config"
)

// tocCmd implements subcommands.Command for "toc": list the in-memory
// program table a config/manifest would boot with, without bringing up
// a machine.
type tocCmd struct {
	manifest string
}

func (*tocCmd) Name() string     { return "toc" }
func (*tocCmd) Synopsis() string { return "list the boot program table" }
func (*tocCmd) Usage() string {
	return `toc [flags] - list the programs a config/manifest would load at boot
`
}

func (c *tocCmd) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f)
	f.StringVar(&c.manifest, "manifest", "", "path to a TOML boot manifest overriding unset flags.")
}

func (c *tocCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
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

	toc, err := boot.LoadTOC(cfg.Programs)
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	for _, name := range toc.Names() {
		entry, _ := toc.Lookup(name)
		marker := ""
		if name == cfg.InitName {
			marker = " (init)"
		}
		fmt.Printf("%s\t%d bytes%s\n", name, len(entry.Bytes), marker)
	}
	return subcommands.ExitSuccess
}
