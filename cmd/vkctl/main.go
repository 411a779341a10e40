// Command vkctl is the operator CLI for the simulated kernel
// (SPEC_FULL.md §4.7), analogous to runsc/cli/main.go: a thin
// google/subcommands.Commander wrapper that parses a shared flag set and
// dispatches to boot/toc/state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/vkernel/vkernel/pkg/klog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&tocCmd{}, "")
	subcommands.Register(&stateCmd{}, "")

	debug := flag.Bool("debug", false, "enable debug logging.")
	flag.Parse()
	klog.SetDebug(*debug)

	os.Exit(int(subcommands.Execute(context.Background())))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vkctl: "+format+"\n", args...)
	os.Exit(1)
}
