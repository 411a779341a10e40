// Package config is the boot-time configuration layer (spec.md §6's
// Boot contract: CPU count, the program table, the init task, kernel
// stack size, timer tick period). It follows the same
// flags-then-file-layering split as runsc/config/flags.go: RegisterFlags
// seeds a flag.FlagSet with defaults, NewFromFlags snapshots it into a
// Config, and OverrideFromFile merges a TOML boot manifest on top of
// whatever the flags didn't explicitly set — the file wins only where
// the operator didn't already pin a value on the command line, mirroring
// runsc's own "flags are the baseline, [file] overrides what it names"
// rule (see Config.Override there).
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ProgramEntry names one program the boot TOC should carry, loaded from
// a path on the host filesystem into the in-memory image table
// (pkg/image.TOC) at boot.
type ProgramEntry struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Config is the fully-resolved boot configuration.
type Config struct {
	// NumCPUs is the number of worker CPUs to bring up (spec.md §5); CPU
	// 0 is always the manager in addition to running the bus's poll
	// loop.
	NumCPUs int `flag:"cpus" toml:"cpus"`

	// InitName is the TOC entry exec'd as pid 1.
	InitName string `flag:"init" toml:"init"`

	// StackSize is the per-thread kernel stack slab size in bytes
	// (spec.md §3); must be a power of two. It is validated here but not
	// applied: pkg/kernel's StackTable always hands out stacks of the
	// fixed kernel.StackSize.
	StackSize int `flag:"stack-size" toml:"stack_size"`

	// TickPeriodMillis is the manager's timer-tick period driving
	// Scheduler.Tick and the sleep-queue wakeups (spec.md §4.1).
	TickPeriodMillis int `flag:"tick-ms" toml:"tick_ms"`

	// BootLock is the path to the single-instance boot lock
	// (flock(2)-style advisory lock via github.com/gofrs/flock) pkg/boot
	// takes before bringing up any CPU.
	BootLock string `flag:"boot-lock" toml:"boot_lock"`

	// Programs is the boot TOC: every program pkg/image.TOC should know
	// about at boot, beyond whatever InitName names.
	Programs []ProgramEntry `toml:"programs"`

	explicit map[string]bool
}

// RegisterFlags registers the flags NewFromFlags reads back (spec.md
// §6, runsc/config/flags.go's RegisterFlags shape).
func RegisterFlags(fs *flag.FlagSet) {
	fs.Int("cpus", 4, "number of worker CPUs to bring up, in addition to the manager.")
	fs.String("init", "init", "TOC entry name exec'd as pid 1.")
	fs.Int("stack-size", 8192, "per-thread kernel stack size in bytes.")
	fs.Int("tick-ms", 10, "manager timer-tick period in milliseconds.")
	fs.String("boot-lock", "/var/run/vkernel/boot.lock", "path to the single-instance boot lock file.")
}

// NewFromFlags builds a Config from a FlagSet RegisterFlags has already
// populated (and the caller has parsed), recording which flags were
// explicitly set so OverrideFromFile knows which fields it may still
// override from a TOML manifest.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	c := &Config{explicit: map[string]bool{}}
	c.NumCPUs = intFlag(fs, "cpus")
	c.InitName = stringFlag(fs, "init")
	c.StackSize = intFlag(fs, "stack-size")
	c.TickPeriodMillis = intFlag(fs, "tick-ms")
	c.BootLock = stringFlag(fs, "boot-lock")

	fs.Visit(func(f *flag.Flag) { c.explicit[f.Name] = true })

	if c.NumCPUs < 1 {
		return nil, fmt.Errorf("config: cpus must be >= 1, got %d", c.NumCPUs)
	}
	if c.StackSize <= 0 || c.StackSize&(c.StackSize-1) != 0 {
		return nil, fmt.Errorf("config: stack-size must be a power of two, got %d", c.StackSize)
	}
	return c, nil
}

func intFlag(fs *flag.FlagSet, name string) int {
	v, _ := fs.Lookup(name).Value.(flag.Getter).Get().(int)
	return v
}

func stringFlag(fs *flag.FlagSet, name string) string {
	v, _ := fs.Lookup(name).Value.(flag.Getter).Get().(string)
	return v
}

// manifest is the TOML boot manifest's on-disk shape; a separate type
// from Config so that a manifest missing `cpus`/`init`/etc. decodes as
// the zero value rather than silently clobbering flag-supplied fields
// with TOML's own zero defaults.
type manifest struct {
	NumCPUs          *int           `toml:"cpus"`
	InitName         *string        `toml:"init"`
	StackSize        *int           `toml:"stack_size"`
	TickPeriodMillis *int           `toml:"tick_ms"`
	Programs         []ProgramEntry `toml:"programs"`
}

// OverrideFromFile merges a TOML boot manifest onto c, field by field:
// a manifest field overrides c's only when c's corresponding flag was
// never explicitly set on the command line. Programs is additive
// regardless, since no flag can express it.
func (c *Config) OverrideFromFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	var m manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if m.NumCPUs != nil && !c.explicit["cpus"] {
		c.NumCPUs = *m.NumCPUs
	}
	if m.InitName != nil && !c.explicit["init"] {
		c.InitName = *m.InitName
	}
	if m.StackSize != nil && !c.explicit["stack-size"] {
		c.StackSize = *m.StackSize
	}
	if m.TickPeriodMillis != nil && !c.explicit["tick-ms"] {
		c.TickPeriodMillis = *m.TickPeriodMillis
	}
	c.Programs = append(c.Programs, m.Programs...)

	if c.NumCPUs < 1 {
		return fmt.Errorf("config: cpus must be >= 1, got %d", c.NumCPUs)
	}
	if c.StackSize <= 0 || c.StackSize&(c.StackSize-1) != 0 {
		return fmt.Errorf("config: stack-size must be a power of two, got %d", c.StackSize)
	}
	return nil
}
