// Package console backs the print/readline/cursor-position/term-color
// syscalls (spec.md §6) with a real host terminal, implementing the
// kernel.Console interface pkg/kernel's life-cycle coordinator drives.
// A bare-metal kernel would own a VGA text-mode buffer and a keyboard
// controller directly; here the host tty stands in for both, the same
// way runsc/sandbox/sandbox.go hands a pty to a sandboxed process in
// place of the real console hardware it doesn't have either.
package console

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	termconsole "github.com/containerd/console"
	"github.com/kr/pty"
	"golang.org/x/time/rate"
)

// Terminal implements kernel.Console over a raw host terminal. Input is
// read byte-by-byte with no host line discipline (cooked mode echo,
// erase processing) in the way, so ReadLine does its own echo and
// backspace handling — mirroring a real keyboard driver, which hands
// the kernel raw scancodes and leaves editing to it.
type Terminal struct {
	con termconsole.Console
	in  *bufio.Reader

	restore func() error

	// limiter bounds how fast Print can flood the host terminal — a
	// guest stuck print-looping in a fault handler shouldn't be able to
	// wedge the operator's terminal emulator.
	limiter *rate.Limiter

	mu       sync.Mutex
	row, col int
}

// New attaches to the process's own controlling terminal and puts it in
// raw mode. Call Close to restore the terminal's prior state.
func New() (*Terminal, error) {
	c, err := termconsole.ConsoleFromFile(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("console: no controlling terminal: %w", err)
	}
	return newTerminal(c)
}

// NewPTY opens a fresh pty pair and backs the console with its master
// side, for boot sessions with no controlling terminal of their own
// (headless `vkctl boot`, tests) — the same role
// runsc/sandbox/sandbox.go's console.NewWithSocket+pty pairing plays
// when a sandboxed process needs a console the host didn't hand it.
// The returned slavePath can be opened by another process to interact
// with the session; `vkctl boot` logs it when it starts headless.
func NewPTY() (t *Terminal, slavePath string, err error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, "", fmt.Errorf("console: opening pty: %w", err)
	}
	c, err := termconsole.ConsoleFromFile(master)
	if err != nil {
		slave.Close()
		master.Close()
		return nil, "", fmt.Errorf("console: wrapping pty master: %w", err)
	}
	t, err = newTerminal(c)
	if err != nil {
		slave.Close()
		master.Close()
		return nil, "", err
	}
	return t, slave.Name(), nil
}

func newTerminal(c termconsole.Console) (*Terminal, error) {
	if err := c.SetRaw(); err != nil {
		return nil, fmt.Errorf("console: SetRaw: %w", err)
	}
	return &Terminal{
		con:     c,
		in:      bufio.NewReader(c),
		restore: c.Reset,
		limiter: rate.NewLimiter(rate.Limit(64*1024), 4096),
	}, nil
}

// Close restores the terminal to the mode it was in before New/NewPTY.
func (t *Terminal) Close() error {
	return t.restore()
}

// Print implements kernel.Console. Output is rate-limited by byte
// count so a runaway print loop in the guest degrades gracefully
// instead of saturating the operator's terminal.
func (t *Terminal) Print(s string) {
	if err := t.limiter.WaitN(context.Background(), clampBurst(len(s), t.limiter)); err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.con, s)
	for _, r := range s {
		if r == '\n' {
			t.row++
			t.col = 0
		} else {
			t.col++
		}
	}
}

func clampBurst(n int, l *rate.Limiter) int {
	if b := l.Burst(); n > b {
		return b
	}
	return n
}

// ReadLine implements kernel.Console: it reads raw bytes up to the
// next CR/LF, echoing each byte back (and handling backspace) itself,
// since the raw terminal mode above leaves no host echo in the loop.
func (t *Terminal) ReadLine() string {
	var line []byte
	for {
		b, err := t.in.ReadByte()
		if err != nil {
			return string(line)
		}
		switch b {
		case '\r', '\n':
			t.Print("\r\n")
			return string(line)
		case 0x7f, 0x08: // backspace / delete
			if len(line) > 0 {
				line = line[:len(line)-1]
				t.Print("\b \b")
			}
		default:
			line = append(line, b)
			t.Print(string(b))
		}
	}
}

// SetCursorPos implements kernel.Console via the ANSI CUP escape
// sequence, tracking the position locally rather than round-tripping a
// device-status-report query through the same byte stream ReadLine
// consumes.
func (t *Terminal) SetCursorPos(row, col int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.con, "\x1b[%d;%dH", row+1, col+1)
	t.row, t.col = row, col
}

// GetCursorPos implements kernel.Console, returning the position last
// set by SetCursorPos or advanced by Print — the position this package
// tracks, not a live query of the terminal.
func (t *Terminal) GetCursorPos() (row, col int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.row, t.col
}

// SetTermColor implements kernel.Console via an ANSI SGR escape
// sequence; code is the raw SGR parameter (e.g. 31 for red foreground).
func (t *Terminal) SetTermColor(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.con, "\x1b[%dm", code)
}
