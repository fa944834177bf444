// Package payload resolves each payload's container or package association,
// its packaging decision, and its hash and size.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/transfer"
)

// Processor owns payload resolution for one bind. Process may run multiple
// passes; payloads already processed are skipped, so package processors can
// append new payloads between passes.
type Processor struct {
	sink             *diag.Sink
	section          *ir.Section
	transfers        *transfer.List
	layoutDir        string
	defaultPackaging ir.Packaging
	processed        map[string]bool
}

// NewProcessor creates a payload processor. defaultPackaging is the bundle
// level default applied to payloads authored without one.
func NewProcessor(sink *diag.Sink, section *ir.Section, transfers *transfer.List, layoutDir string, defaultPackaging ir.Packaging) *Processor {
	if defaultPackaging == ir.PackagingDefault {
		defaultPackaging = ir.PackagingEmbedded
	}
	return &Processor{
		sink:             sink,
		section:          section,
		transfers:        transfers,
		layoutDir:        layoutDir,
		defaultPackaging: defaultPackaging,
		processed:        make(map[string]bool),
	}
}

// AssociateGroups follows every group membership edge from a payload to its
// parent and sets the payload's back-reference. A payload ends up with at
// most one of PackageRef or ContainerRef, plus an independent LayoutOnly
// flag.
func (p *Processor) AssociateGroups() {
	for _, g := range p.section.Groups {
		if g.ChildType != ir.GroupPayload {
			continue
		}
		payload := p.section.PayloadByID(g.ChildID)
		if payload == nil {
			p.sink.Error(g.Location, "group references unknown payload %s", g.ChildID)
			continue
		}
		switch g.ParentType {
		case ir.GroupPackage:
			if payload.ContainerRef != "" {
				p.sink.Error(payload.Location, "payload %s belongs to both package %s and container %s", payload.ID, g.ParentID, payload.ContainerRef)
				continue
			}
			payload.PackageRef = g.ParentID
		case ir.GroupContainer:
			if payload.PackageRef != "" {
				p.sink.Error(payload.Location, "payload %s belongs to both package %s and container %s", payload.ID, payload.PackageRef, g.ParentID)
				continue
			}
			payload.ContainerRef = g.ParentID
		case ir.GroupLayout:
			payload.LayoutOnly = true
		}
	}
}

// Process resolves packaging, hash, and size for every payload not yet
// processed, registering file transfers for non-embedded payloads. Returns
// the number of payloads processed in this pass.
func (p *Processor) Process() int {
	count := 0
	for _, payload := range p.section.Payloads {
		if p.processed[payload.ID] {
			continue
		}
		p.processed[payload.ID] = true
		count++
		p.processOne(payload)
	}
	return count
}

func (p *Processor) processOne(payload *ir.PayloadRow) {
	if payload.Packaging == ir.PackagingDefault {
		if payload.ContainerRef != "" {
			payload.Packaging = ir.PackagingEmbedded
		} else {
			payload.Packaging = p.defaultPackaging
		}
	}

	if payload.Packaging == ir.PackagingDownload && payload.DownloadURL == "" {
		p.sink.Error(payload.Location, "payload %s is marked for download but has no download URL", payload.ID)
		return
	}

	if payload.SourcePath != "" {
		size, hash, err := HashFile(payload.SourcePath)
		if err != nil {
			p.sink.Error(payload.Location, "hashing payload %s: %v", payload.ID, err)
			return
		}
		payload.FileSize = size
		payload.Hash = hash
	}

	switch payload.Packaging {
	case ir.PackagingExternal:
		p.transfers.Add(transfer.Transfer{
			Source:      payload.SourcePath,
			Destination: filepath.Join(p.layoutDir, payload.Name),
			Location:    payload.Location,
		})
		p.transfers.Track(filepath.Join(p.layoutDir, payload.Name), transfer.TrackedFinal)
	case ir.PackagingDownload:
		// Downloaded at install time; nothing ships in the layout.
	}

	if payload.LayoutOnly && payload.Packaging == ir.PackagingEmbedded {
		// Layout-only copies ship beside the bundle even when embedded.
		p.transfers.Add(transfer.Transfer{
			Source:      payload.SourcePath,
			Destination: filepath.Join(p.layoutDir, payload.Name),
			Location:    payload.Location,
		})
	}
}

// HashFile returns a file's size and hex SHA-256 digest.
func HashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("reading %s: %w", path, err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
