package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func newTestFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func TestNewFromFlagsDefaults(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.NumCPUs != 4 || c.InitName != "init" || c.StackSize != 8192 || c.TickPeriodMillis != 10 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestNewFromFlagsRejectsNonPowerOfTwoStack(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse([]string{"-stack-size=6000"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := NewFromFlags(fs); err == nil {
		t.Fatal("NewFromFlags: expected error for non-power-of-two stack size")
	}
}

func TestOverrideFromFileLeavesExplicitFlagsAlone(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse([]string{"-cpus=2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	data := "cpus = 8\ninit = \"shell\"\n\n[[programs]]\nname = \"shell\"\npath = \"/bin/shell\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := c.OverrideFromFile(path); err != nil {
		t.Fatalf("OverrideFromFile: %v", err)
	}
	if c.NumCPUs != 2 {
		t.Fatalf("NumCPUs = %d, want 2 (explicit flag must win)", c.NumCPUs)
	}
	if c.InitName != "shell" {
		t.Fatalf("InitName = %q, want %q (flag default is not explicit, file should win)", c.InitName, "shell")
	}
	if len(c.Programs) != 1 || c.Programs[0].Name != "shell" {
		t.Fatalf("Programs = %+v, want one entry named shell", c.Programs)
	}
}

func TestOverrideFromFileMissingFileIsNoop(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if err := c.OverrideFromFile(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("OverrideFromFile(missing): %v", err)
	}
	if c.NumCPUs != 4 {
		t.Fatalf("NumCPUs changed on missing file: %d", c.NumCPUs)
	}
}
