// Package container assembles payload containers and the final bundle
// executable. Non-UX containers build first so their hashes and sizes can go
// into the manifest, which then rides inside the UX container, which is
// stitched onto the native stub last.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/payload"
	"github.com/gersonkurz/wixbind/internal/transfer"
	"github.com/klauspost/compress/flate"
)

// containerMagic heads every container archive.
var containerMagic = []byte("WCNT1")

// Builder assembles the containers and final executable for one bind.
type Builder struct {
	sink            *diag.Sink
	section         *ir.Section
	transfers       *transfer.List
	intermediateDir string
	outputDir       string
}

// NewBuilder creates a container builder.
func NewBuilder(sink *diag.Sink, section *ir.Section, transfers *transfer.List, intermediateDir, outputDir string) *Builder {
	return &Builder{
		sink:            sink,
		section:         section,
		transfers:       transfers,
		intermediateDir: intermediateDir,
		outputDir:       outputDir,
	}
}

// AssignEmbeddedIDs gives every embedded payload a sequential id scoped to
// its container. UX container ids are independent from the other containers
// and start at a1: slot a0 is reserved for the bundle manifest, which is
// only produced later but must already have its final id when the manifest
// describes the UX payloads.
func AssignEmbeddedIDs(section *ir.Section) {
	counters := map[string]int{ir.UXContainerID: 1}
	for _, p := range section.Payloads {
		if p.ContainerRef == "" {
			continue
		}
		n := counters[p.ContainerRef]
		p.EmbeddedID = fmt.Sprintf("a%d", n)
		counters[p.ContainerRef] = n + 1
	}
}

// payloadsFor returns the container's payloads in embedded-id order.
func (b *Builder) payloadsFor(containerID string) []*ir.PayloadRow {
	var out []*ir.PayloadRow
	for _, p := range b.section.Payloads {
		if p.ContainerRef == containerID {
			out = append(out, p)
		}
	}
	return out
}

// BuildNonUX builds every container except the UX container and fills in
// their final hash and size. Attached containers get their index after the
// UX container, which is always attached first.
func (b *Builder) BuildNonUX() error {
	attachedIndex := 1
	for _, c := range b.section.Containers {
		if c.ID == ir.UXContainerID {
			continue
		}
		payloads := b.payloadsFor(c.ID)
		if len(payloads) == 0 {
			b.sink.Warning(c.Location, "container %s contains no payloads, skipping container creation", c.ID)
			continue
		}
		path := filepath.Join(b.intermediateDir, c.Name)
		if err := writeArchive(path, payloads); err != nil {
			return fmt.Errorf("building container %s: %w", c.ID, err)
		}
		size, hash, err := payload.HashFile(path)
		if err != nil {
			return fmt.Errorf("hashing container %s: %w", c.ID, err)
		}
		c.FileSize = size
		c.Hash = hash
		b.transfers.Track(path, transfer.TrackedIntermediate)

		if c.Type == ir.ContainerAttached {
			c.AttachedIndex = attachedIndex
			attachedIndex++
		} else {
			b.transfers.Add(transfer.Transfer{
				Source:      path,
				Destination: filepath.Join(b.outputDir, c.Name),
				Location:    c.Location,
			})
		}
		b.sink.Info("msg", "container built", "container", c.ID,
			"payloads", len(payloads), "size", humanize.Bytes(uint64(size)))
	}
	return nil
}

// BuildUX builds the UX container with the manifest in its reserved first
// slot. The authored UX payloads keep the ids AssignEmbeddedIDs gave them,
// so the already-written manifest stays accurate. Returns the container's
// path.
func (b *Builder) BuildUX(manifestPath string) (string, error) {
	payloads := b.payloadsFor(ir.UXContainerID)

	manifestRow := &ir.PayloadRow{
		ID:           "BundleManifest",
		Name:         "manifest.xml",
		SourcePath:   manifestPath,
		Packaging:    ir.PackagingEmbedded,
		ContainerRef: ir.UXContainerID,
		EmbeddedID:   "a0",
	}
	ordered := append([]*ir.PayloadRow{manifestRow}, payloads...)

	ux := b.section.UXContainer()
	if ux == nil {
		ux = &ir.ContainerRow{ID: ir.UXContainerID, Name: "bundle-ux", Type: ir.ContainerAttached}
		b.section.Containers = append(b.section.Containers, ux)
	}

	path := filepath.Join(b.intermediateDir, "bundle-ux")
	if err := writeArchive(path, ordered); err != nil {
		return "", fmt.Errorf("building UX container: %w", err)
	}
	size, hash, err := payload.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing UX container: %w", err)
	}
	ux.FileSize = size
	ux.Hash = hash
	ux.AttachedIndex = 0
	b.transfers.Track(path, transfer.TrackedIntermediate)
	return path, nil
}

// AttachStub concatenates the native bootstrapper stub, the UX container,
// and every attached container into the final bundle executable, and
// registers its transfer.
func (b *Builder) AttachStub(stubPath, uxPath string, attached []string, exeName string) error {
	outPath := filepath.Join(b.intermediateDir, exeName)
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating bundle executable: %w", err)
	}
	defer out.Close()

	parts := append([]string{stubPath, uxPath}, attached...)
	for _, part := range parts {
		in, err := os.Open(part)
		if err != nil {
			return fmt.Errorf("opening %s: %w", part, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("appending %s to bundle: %w", part, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("finishing bundle executable: %w", err)
	}

	b.transfers.Track(outPath, transfer.TrackedFinal)
	b.transfers.Add(transfer.Transfer{
		Source:      outPath,
		Destination: filepath.Join(b.outputDir, exeName),
		Move:        true,
	})
	return nil
}

// AttachedContainerPaths returns the intermediate paths of the attached
// non-UX containers in attached-index order.
func (b *Builder) AttachedContainerPaths() []string {
	byIndex := make(map[int]string)
	max := 0
	for _, c := range b.section.Containers {
		if c.ID == ir.UXContainerID || c.Type != ir.ContainerAttached || c.FileSize == 0 {
			continue
		}
		byIndex[c.AttachedIndex] = filepath.Join(b.intermediateDir, c.Name)
		if c.AttachedIndex > max {
			max = c.AttachedIndex
		}
	}
	var out []string
	for i := 1; i <= max; i++ {
		if p, ok := byIndex[i]; ok {
			out = append(out, p)
		}
	}
	return out
}

// writeArchive compresses payloads into a container archive. Entries keep
// the given order; each holds the payload name, sizes, and a flate stream.
func writeArchive(path string, payloads []*ir.PayloadRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.Write(containerMagic); err != nil {
		return err
	}
	for _, p := range payloads {
		if err := writeArchiveEntry(out, p); err != nil {
			return fmt.Errorf("packing payload %s: %w", p.ID, err)
		}
	}
	return out.Close()
}

func writeArchiveEntry(out *os.File, p *ir.PayloadRow) error {
	in, err := os.Open(p.SourcePath)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	name := []byte(p.Name)
	if err := binary.Write(out, binary.LittleEndian, uint16(len(name))); err != nil {
		return err
	}
	if _, err := out.Write(name); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(info.Size())); err != nil {
		return err
	}

	// Compressed size is only known after writing, so reserve the slot and
	// patch it when the entry is done.
	sizePos, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(0)); err != nil {
		return err
	}
	start, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	fw, err := flate.NewWriter(out, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, in); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}

	end, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := out.Seek(sizePos, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(end-start)); err != nil {
		return err
	}
	_, err = out.Seek(end, io.SeekStart)
	return err
}
