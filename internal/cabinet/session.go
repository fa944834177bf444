// Package cabinet builds the physical cabinet files for one bind. Cabinets
// are compressed on a fixed worker pool; a cabinet exceeding the split
// threshold notifies the session mid-compression so it can insert the new
// sibling cabinet into the shared media table.
package cabinet

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/transfer"
)

// Session owns the shared mutable state of one cabinet build: the media and
// file tables, the transfer list, and the split-chain bookkeeping. All split
// callbacks serialize on the session mutex; table mutation is never safe for
// concurrent readers or writers.
type Session struct {
	mu        sync.Mutex
	sink      *diag.Sink
	media     []*ir.MediaRow
	files     []*ir.FileRow
	transfers *transfer.List

	// splitChain maps the first cabinet name of a split sequence to the
	// most recently appended cabinet name in that sequence.
	splitChain map[string]string
}

// NewSession creates a session over the given tables. The slices are shared
// with the caller and mutated in place.
func NewSession(sink *diag.Sink, media []*ir.MediaRow, files []*ir.FileRow, transfers *transfer.List) *Session {
	return &Session{
		sink:       sink,
		media:      media,
		files:      files,
		transfers:  transfers,
		splitChain: make(map[string]string),
	}
}

// Media returns the media table in its current order.
func (s *Session) Media() []*ir.MediaRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ir.MediaRow, len(s.media))
	copy(out, s.media)
	return out
}

// Files returns the file table.
func (s *Session) Files() []*ir.FileRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ir.FileRow, len(s.files))
	copy(out, s.files)
	return out
}

// HandleSplit is the split notification callback. The compressor invokes it
// on the worker thread that hit the size threshold, passing the base name of
// the first cabinet in the sequence, the file name of the new sibling
// cabinet, and the token of the first file placed in the new cabinet.
//
// The whole body is a critical section: two workers compressing different
// cabinets may both split at once.
func (s *Session) HandleSplit(firstCabinetName, newCabinetName, fileToken string) error {
	if !s.mu.TryLock() {
		// Purely diagnostic; the lock below blocks until available.
		s.sink.Info("msg", "waiting for cabinet split lock", "cabinet", newCabinetName)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	firstCabinetFile := firstCabinetName + ".cab"

	// Clone the first cabinet's transfer for the new sibling. A missing
	// transfer means cabinet registration and splitting ran out of order.
	orig, found := s.transfers.FindBySourceName(firstCabinetFile)
	if !found {
		return fmt.Errorf("no file transfer registered for split cabinet %s", firstCabinetFile)
	}

	last, ok := s.splitChain[firstCabinetFile]
	if !ok {
		last = firstCabinetFile
	}

	// Locate the media row of the last cabinet appended to this sequence.
	lastIndex := -1
	for i, m := range s.media {
		if strings.EqualFold(m.Cabinet, last) {
			lastIndex = i
			break
		}
	}
	if lastIndex == -1 {
		return fmt.Errorf("media row for split cabinet %s not found", last)
	}
	for _, m := range s.media {
		if strings.EqualFold(m.Cabinet, newCabinetName) {
			return fmt.Errorf("split cabinet name %s collides with existing cabinet %s", newCabinetName, m.Cabinet)
		}
	}

	s.transfers.Add(transfer.Transfer{
		Source:      filepath.Join(filepath.Dir(orig.Source), newCabinetName),
		Destination: filepath.Join(filepath.Dir(orig.Destination), newCabinetName),
		Move:        orig.Move,
		Location:    orig.Location,
	})

	found2 := s.media[lastIndex]
	newRow := &ir.MediaRow{
		DiskID:  found2.DiskID + 1,
		Cabinet: newCabinetName,
		// LastSequence is corrected implicitly: sequence numbers were
		// assigned by total order before cabbing started.
		LastSequence:     found2.LastSequence,
		CompressionLevel: found2.CompressionLevel,
	}

	// Renumber every disk at or above the new one to keep DiskIDs
	// contiguous; non-contiguous DiskIDs are fatal to split-cabinet
	// extraction in the installer engine.
	for _, m := range s.media {
		if m.DiskID >= newRow.DiskID {
			m.DiskID++
		}
	}
	s.media = append(s.media, nil)
	copy(s.media[lastIndex+2:], s.media[lastIndex+1:])
	s.media[lastIndex+1] = newRow

	// The token file belongs in the new split cabinet, not a renumbered
	// later disk. Exactly one file is exempted per split event.
	for _, f := range s.files {
		if f.DiskID >= newRow.DiskID && f.FileID != fileToken {
			f.DiskID++
		}
	}

	s.splitChain[firstCabinetFile] = newCabinetName

	if err := s.validateMediaLocked(); err != nil {
		return fmt.Errorf("media table corrupted by cabinet split: %w", err)
	}
	return nil
}

// validateMediaLocked re-checks the DiskID invariants. Caller holds s.mu.
func (s *Session) validateMediaLocked() error {
	ids := make([]int, 0, len(s.media))
	for _, m := range s.media {
		ids = append(ids, m.DiskID)
	}
	sort.Ints(ids)
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			return fmt.Errorf("duplicate DiskID %d", id)
		}
		if i > 0 && id != ids[i-1]+1 {
			return fmt.Errorf("DiskID gap between %d and %d", ids[i-1], id)
		}
	}
	return nil
}

// Validate re-checks the media and file table invariants: unique contiguous
// DiskIDs and every file referencing an existing disk.
func (s *Session) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateMediaLocked(); err != nil {
		return err
	}
	known := make(map[int]bool, len(s.media))
	for _, m := range s.media {
		known[m.DiskID] = true
	}
	for _, f := range s.files {
		if !known[f.DiskID] {
			return fmt.Errorf("file %s references missing DiskID %d", f.FileID, f.DiskID)
		}
	}
	return nil
}
