// Package packages enriches chain package facades with type-specific data:
// versions, cache ids, scope rules, and patch metadata.
package packages

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/facade"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/resolve"
)

// Context carries the shared state the type-specific processors need.
type Context struct {
	Sink            *diag.Sink
	Section         *ir.Section
	Cache           resolve.Cache
	IntermediateDir string

	// seenCacheIDs tracks the first facade claiming each cache id so the
	// duplicate error can cite both occurrences.
	seenCacheIDs map[string]*facade.PackageFacade
}

// NewContext creates a processor context for one bind.
func NewContext(sink *diag.Sink, section *ir.Section, cache resolve.Cache, intermediateDir string) *Context {
	return &Context{
		Sink:            sink,
		Section:         section,
		Cache:           cache,
		IntermediateDir: intermediateDir,
		seenCacheIDs:    make(map[string]*facade.PackageFacade),
	}
}

// Process runs the type-specific processor for one facade.
func (c *Context) Process(f *facade.PackageFacade) {
	switch f.Package.Type {
	case ir.PackageExe:
		c.processExe(f)
	case ir.PackageMsi:
		c.processMsi(f)
	case ir.PackageMsp:
		c.processMsp(f)
	case ir.PackageMsu:
		c.processMsu(f)
	}
	c.deriveCacheID(f)
	c.checkDuplicateCacheID(f)
}

// primaryPayload returns the facade's primary payload row, or nil with an
// error reported.
func (c *Context) primaryPayload(f *facade.PackageFacade) *ir.PayloadRow {
	payload := c.Section.PayloadByID(f.Package.PayloadRef)
	if payload == nil {
		c.Sink.Error(f.Location(), "chain package %s has no primary payload %s", f.Package.ID, f.Package.PayloadRef)
	}
	return payload
}

// deriveCacheID fills a missing CacheID from the primary payload's hash.
func (c *Context) deriveCacheID(f *facade.PackageFacade) {
	if f.Package.CacheID != "" {
		return
	}
	payload := c.primaryPayload(f)
	if payload == nil || payload.Hash == "" {
		return
	}
	if f.Package.Version != "" {
		f.Package.CacheID = fmt.Sprintf("%sv%s", strings.ToUpper(payload.Hash[:32]), f.Package.Version)
	} else {
		f.Package.CacheID = strings.ToUpper(payload.Hash[:32])
	}
}

// checkDuplicateCacheID reports a two-line fatal error, citing both source
// locations, when two packages share a cache id.
func (c *Context) checkDuplicateCacheID(f *facade.PackageFacade) {
	id := f.Package.CacheID
	if id == "" {
		return
	}
	if first, ok := c.seenCacheIDs[id]; ok {
		c.Sink.Error(first.Location(), "cache id %s for package %s duplicates another package's cache id", id, first.Package.ID)
		c.Sink.Error(f.Location(), "cache id %s for package %s was first used by package %s", id, f.Package.ID, first.Package.ID)
		return
	}
	c.seenCacheIDs[id] = f
}

func (c *Context) processExe(f *facade.PackageFacade) {
	if f.Exe == nil {
		return
	}
	if f.Exe.DetectCondition == "" && !f.Package.Permanent {
		c.Sink.Warning(f.Location(), "exe package %s has no detect condition and is not permanent; it will reinstall on every run", f.Package.ID)
	}
	c.backfillFromPayload(f)
}

func (c *Context) processMsi(f *facade.PackageFacade) {
	if f.Msi == nil {
		return
	}
	msi := f.Msi
	if f.Package.Version == "" {
		f.Package.Version = msi.ProductVersion
	}
	if f.Package.DisplayName == "" {
		f.Package.DisplayName = msi.ProductName
	}
	if f.Package.Language == "" {
		f.Package.Language = msi.ProductLanguage
	}
	c.backfillFromPayload(f)

	// Seed the variable cache so later delayed fields can reference the
	// package's language and manufacturer.
	c.Cache.Set(resolve.FormatKey("packageLanguage", f.Package.ID), msi.ProductLanguage)
	c.Cache.Set(resolve.FormatKey("packageManufacturer", f.Package.ID), msi.Manufacturer)
	c.Cache.Set(resolve.FormatKey("packageVersion", f.Package.ID), msi.ProductVersion)
}

func (c *Context) processMsp(f *facade.PackageFacade) {
	if f.Msp == nil {
		return
	}
	c.backfillFromPayload(f)

	// The runtime engine needs the patch applicability metadata without
	// extracting the whole MSP, so it ships as its own UX payload. This
	// payload appears after pass 1 and is picked up by the second payload
	// processing pass.
	metaID := f.Package.ID + ".patch.xml"
	if c.Section.PayloadByID(metaID) != nil {
		return
	}
	metaPath := filepath.Join(c.IntermediateDir, metaID)
	if err := writePatchMetadata(metaPath, f.Msp); err != nil {
		c.Sink.Error(f.Location(), "writing patch metadata for %s: %v", f.Package.ID, err)
		return
	}
	c.Section.Payloads = append(c.Section.Payloads, &ir.PayloadRow{
		ID:           metaID,
		Name:         metaID,
		SourcePath:   metaPath,
		Packaging:    ir.PackagingEmbedded,
		ContainerRef: ir.UXContainerID,
		Location:     f.Location(),
	})
}

func (c *Context) processMsu(f *facade.PackageFacade) {
	if f.Msu == nil {
		return
	}
	// Windows update packages always install per-machine; authored scope
	// is overridden silently.
	f.Package.Scope = ir.ScopePerMachine
	c.backfillFromPayload(f)
}

// backfillFromPayload defaults DisplayName and Description from the primary
// payload when not explicitly authored.
func (c *Context) backfillFromPayload(f *facade.PackageFacade) {
	payload := c.primaryPayload(f)
	if payload == nil {
		return
	}
	if f.Package.DisplayName == "" {
		f.Package.DisplayName = payload.Name
	}
	if f.Package.Description == "" {
		f.Package.Description = payload.Name
	}
}

// AggregateSizes recomputes each package's total size as the sum of its
// payloads' file sizes and defaults InstallSize to Size when unset.
func AggregateSizes(section *ir.Section, facades map[string]*facade.PackageFacade) {
	totals := make(map[string]int64, len(facades))
	for _, p := range section.Payloads {
		if p.PackageRef != "" {
			totals[p.PackageRef] += p.FileSize
		}
	}
	for id, f := range facades {
		f.Package.Size = totals[id]
		if f.Package.InstallSize == 0 {
			f.Package.InstallSize = f.Package.Size
		}
	}
}

// writePatchMetadata emits the applicability document for one MSP package.
func writePatchMetadata(path string, msp *ir.MspPackageRow) error {
	var sb strings.Builder
	sb.WriteString("<Patch Code='" + msp.PatchCode + "'>\n")
	for _, target := range msp.TargetProductCodes {
		sb.WriteString("  <TargetProduct Code='" + target + "'/>\n")
	}
	sb.WriteString("</Patch>\n")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
