// Package image implements the kernel's program image format: a
// statically linked in-memory table of contents of (name, bytes)
// pairs, ELF32 segment loading, user-stack/argv construction for
// exec(), and the readfile() syscall's direct TOC read (spec.md §6,
// §4.9 — there is no filesystem, so readfile reads straight out of a
// TOC entry's byte slice).
package image

import (
	"sort"

	"github.com/vkernel/vkernel/pkg/errno"
)

// Entry is one program in the table of contents.
type Entry struct {
	Name  string
	Bytes []byte
}

// TOC is the kernel's entire program image table, built once at boot
// and never mutated afterward — exec() and readfile() only ever read
// from it.
type TOC struct {
	entries map[string]*Entry
}

// NewTOC builds a TOC from entries. Later entries with a duplicate name
// overwrite earlier ones.
func NewTOC(entries []Entry) *TOC {
	t := &TOC{entries: make(map[string]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		t.entries[e.Name] = &e
	}
	return t
}

// Lookup returns the named program, if present.
func (t *TOC) Lookup(name string) (*Entry, bool) {
	e, ok := t.entries[name]
	return e, ok
}

// Names returns every program name in the table, sorted.
func (t *TOC) Names() []string {
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadAt implements readfile(name, buf, count, offset) (spec.md §6):
// it copies up to len(buf) bytes starting at offset from the named
// entry, with no filesystem or open-file-table involved. Returns the
// number of bytes copied, or a negative Errno.
func (t *TOC) ReadAt(name string, buf []byte, offset int) int64 {
	e, ok := t.entries[name]
	if !ok {
		return int64(errno.ENOENT)
	}
	if offset < 0 || offset > len(e.Bytes) {
		return int64(errno.EINVAL)
	}
	n := copy(buf, e.Bytes[offset:])
	return int64(n)
}
