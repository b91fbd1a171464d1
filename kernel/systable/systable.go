// Package systable routes numeric syscall codes to handlers through a
// fixed-depth trie.
//
// A 32-bit code is split into bit groups, most significant first, one per
// trie level. Level widths are fixed when the trie is built. Intermediate
// levels hold sub-tables; the last level holds handlers. Tables are built
// once by successive registrations and are read-only afterwards: Lookup
// and Dispatch may run concurrently with each other but not with AddTable
// or AddHandler.
package systable

import (
	"errors"
	"fmt"
)

// CodeBits is the width of a syscall code.
const CodeBits = 32

var (
	// ErrBadWidths indicates level widths that do not cover a code.
	ErrBadWidths = errors.New("systable: level widths must be positive and sum to 32")

	// ErrBadIndex indicates a path component too large for its level.
	ErrBadIndex = errors.New("systable: index out of range for level")
)

// Call carries one syscall's arguments and result.
type Call struct {
	Task uint32
	Args []uint32
	Ret  uint64
}

// Handler services a syscall.
type Handler func(c *Call)

// Widths lists the bit width of each level, root first.
type Widths []uint8

// DefaultWidths is the standard 7/5/5/15 split: domain, family, sub-family
// and function.
func DefaultWidths() Widths { return Widths{7, 5, 5, 15} }

func (w Widths) validate() error {
	if len(w) < 2 {
		return ErrBadWidths
	}
	sum := 0
	for _, b := range w {
		if b == 0 {
			return ErrBadWidths
		}
		sum += int(b)
	}
	if sum != CodeBits {
		return ErrBadWidths
	}
	return nil
}

type entry struct {
	sub *Table
	fn  Handler
}

// Table is one level of the trie. Its length may be smaller than its
// level's index space; indices past the end are out of range.
type Table struct {
	entries []entry
}

// NewTable returns a table with n slots.
func NewTable(n int) *Table {
	return &Table{entries: make([]entry, n)}
}

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.entries) }

// Trie is a syscall dispatch trie.
type Trie struct {
	widths Widths
	root   *Table
}

// New returns an empty trie with the given level widths.
func New(widths Widths) (*Trie, error) {
	if err := widths.validate(); err != nil {
		return nil, err
	}
	return &Trie{widths: append(Widths(nil), widths...)}, nil
}

// Levels returns the trie depth.
func (t *Trie) Levels() int { return len(t.widths) }

// Path packs per-level indices into a code. Missing trailing indices are
// zero.
func (t *Trie) Path(idx ...uint32) (uint32, error) {
	if len(idx) > len(t.widths) {
		return 0, fmt.Errorf("%w: %d components for %d levels", ErrBadIndex, len(idx), len(t.widths))
	}
	var path uint32
	shift := CodeBits
	for lvl, w := range t.widths {
		shift -= int(w)
		if lvl >= len(idx) {
			continue
		}
		if idx[lvl] >= 1<<w {
			return 0, fmt.Errorf("%w: level %d index %d", ErrBadIndex, lvl, idx[lvl])
		}
		path |= idx[lvl] << shift
	}
	return path, nil
}

// index extracts the level's group from path.
func (t *Trie) index(path uint32, level int) uint32 {
	shift := CodeBits
	for _, w := range t.widths[:level+1] {
		shift -= int(w)
	}
	return (path >> shift) & (1<<t.widths[level] - 1)
}

// walk follows path down to the table that serves level.
func (t *Trie) walk(path uint32, level int) *Table {
	tbl := t.root
	for lvl := 0; lvl < level; lvl++ {
		if tbl == nil {
			return nil
		}
		idx := t.index(path, lvl)
		if idx >= uint32(len(tbl.entries)) {
			return nil
		}
		tbl = tbl.entries[idx].sub
	}
	return tbl
}

// AddTable installs tbl as the table serving level for codes matching
// path; level counts the index groups consumed to reach it, so level 0
// replaces the root. Slots of the last level hold handlers, so level
// Levels() and beyond fail, as do a missing intermediate table and an
// out-of-range index.
func (t *Trie) AddTable(path uint32, level int, tbl *Table) bool {
	if level < 0 || level >= len(t.widths) || tbl == nil {
		return false
	}
	if level == 0 {
		t.root = tbl
		return true
	}
	parent := t.walk(path, level-1)
	if parent == nil {
		return false
	}
	idx := t.index(path, level-1)
	if idx >= uint32(len(parent.entries)) {
		return false
	}
	parent.entries[idx] = entry{sub: tbl}
	return true
}

// AddHandler registers fn for path. Every table on the way must exist.
func (t *Trie) AddHandler(path uint32, fn Handler) bool {
	if fn == nil {
		return false
	}
	leaf := len(t.widths) - 1
	tbl := t.walk(path, leaf)
	if tbl == nil {
		return false
	}
	idx := t.index(path, leaf)
	if idx >= uint32(len(tbl.entries)) {
		return false
	}
	tbl.entries[idx] = entry{fn: fn}
	return true
}

// Lookup returns the handler for path, or nil.
func (t *Trie) Lookup(path uint32) Handler {
	leaf := len(t.widths) - 1
	tbl := t.walk(path, leaf)
	if tbl == nil {
		return nil
	}
	idx := t.index(path, leaf)
	if idx >= uint32(len(tbl.entries)) {
		return nil
	}
	return tbl.entries[idx].fn
}

// Dispatch runs the handler for path with c. It reports false when no
// handler is registered.
func (t *Trie) Dispatch(path uint32, c *Call) bool {
	fn := t.Lookup(path)
	if fn == nil {
		return false
	}
	fn(c)
	return true
}
