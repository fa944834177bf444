// Package transfer tracks the file movements a bind produces. The binder
// never copies output files itself; it hands these lists to the surrounding
// build orchestration, which performs the actual moves and copies.
package transfer

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/gersonkurz/wixbind/internal/ir"
)

// Transfer is one pending source-to-destination file movement.
type Transfer struct {
	Source      string
	Destination string
	Move        bool // move instead of copy
	Location    ir.SourceLocation
}

// TrackedType classifies a tracked file.
type TrackedType int

const (
	TrackedIntermediate TrackedType = iota
	TrackedFinal
)

// TrackedFile is one file the bind wrote or will write.
type TrackedFile struct {
	Path string
	Type TrackedType
}

// List collects transfers and tracked files for one bind. Appends are
// thread-safe; cabinet workers add split-cabinet transfers concurrently
// with the orchestrator.
type List struct {
	mu        sync.Mutex
	transfers []Transfer
	tracked   []TrackedFile
}

// NewList creates an empty transfer list.
func NewList() *List {
	return &List{}
}

// Add appends a transfer.
func (l *List) Add(t Transfer) {
	l.mu.Lock()
	l.transfers = append(l.transfers, t)
	l.mu.Unlock()
}

// Track appends a tracked file.
func (l *List) Track(path string, typ TrackedType) {
	l.mu.Lock()
	l.tracked = append(l.tracked, TrackedFile{Path: path, Type: typ})
	l.mu.Unlock()
}

// Transfers returns a copy of the pending transfers.
func (l *List) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// Tracked returns a copy of the tracked files.
func (l *List) Tracked() []TrackedFile {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TrackedFile, len(l.tracked))
	copy(out, l.tracked)
	return out
}

// FindBySourceName returns a copy of the first transfer whose source file
// name matches name case-insensitively. Used by cabinet splitting to clone
// the original cabinet's registration for a new sibling.
func (l *List) FindBySourceName(name string) (Transfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.transfers {
		if strings.EqualFold(filepath.Base(t.Source), name) {
			return t, true
		}
	}
	return Transfer{}, false
}
