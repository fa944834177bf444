// Package binder runs the bundle bind pipeline: the ordered sequence of
// transformations turning a linked intermediate section into a fully
// resolved bundle executable. Each step is a hard precondition for the
// next; the sink is checked between phases so no partial output escapes.
package binder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gersonkurz/wixbind/internal/chain"
	"github.com/gersonkurz/wixbind/internal/container"
	"github.com/gersonkurz/wixbind/internal/depend"
	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/facade"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/manifest"
	"github.com/gersonkurz/wixbind/internal/packages"
	"github.com/gersonkurz/wixbind/internal/payload"
	"github.com/gersonkurz/wixbind/internal/resolve"
	"github.com/gersonkurz/wixbind/internal/transfer"
	"github.com/google/uuid"
)

// Extension is a backend hook invoked around the bind. Extensions are
// called in registration order; the binder does not own their logic.
type Extension interface {
	PreBind(section *ir.Section, sink *diag.Sink) error
	PostBind(result *Result, sink *diag.Sink) error
}

// Options configures one bundle bind.
type Options struct {
	IntermediateDir string
	OutputDir       string
	StubPath        string // native bootstrapper stub
	ExeName         string // final executable file name
	Extensions      []Extension
}

// Result is the contract handed back to the surrounding build
// orchestration, which performs the actual file movements.
type Result struct {
	ExecutablePath string
	ManifestPath   string
	Transfers      []transfer.Transfer
	Tracked        []transfer.TrackedFile
}

// Bind runs the full bundle bind pipeline. Any fatal condition aborts with
// no partial output considered valid.
func Bind(section *ir.Section, opts Options, sink *diag.Sink) (*Result, error) {
	if opts.ExeName == "" {
		opts.ExeName = "bundle.exe"
	}
	if err := os.MkdirAll(opts.IntermediateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating intermediate folder: %w", err)
	}

	for _, ext := range opts.Extensions {
		if err := ext.PreBind(section, sink); err != nil {
			return nil, fmt.Errorf("extension pre-bind: %w", err)
		}
	}

	// Required groups. No chain packages means no UX, no chain, no
	// containers: an unbuildable bundle. Singleton violations are internal
	// consistency bugs from the linker, not user error.
	if len(section.Packages) == 0 {
		sink.Error(nil, "a bundle must contain at least one chain package")
		return nil, fmt.Errorf("bundle has no chain packages")
	}
	bundle, err := section.OneBundle()
	if err != nil {
		return nil, err
	}
	ba, err := section.OneBA()
	if err != nil {
		return nil, err
	}
	chainRow, err := section.OneChain()
	if err != nil {
		return nil, err
	}

	bundle.BundleID = "{" + strings.ToUpper(uuid.NewString()) + "}"
	bundle.PerMachine = true // flipped later if any package forces per-user

	transfers := transfer.NewList()
	cache := resolve.NewCache()

	// Payload association and first processing pass.
	payloadProc := payload.NewProcessor(sink, section, transfers, opts.OutputDir, bundle.DefaultPackaging)
	payloadProc.AssociateGroups()
	payloadProc.Process()
	if sink.HasErrors() {
		return nil, fmt.Errorf("payload processing failed")
	}

	// Package facades and type-specific processing.
	facades := facade.Assemble(section, sink)
	if sink.HasErrors() {
		return nil, fmt.Errorf("package facade assembly failed")
	}
	pkgCtx := packages.NewContext(sink, section, cache, opts.IntermediateDir)
	for _, pkg := range section.Packages {
		pkgCtx.Process(facades[pkg.ID])
	}
	if sink.HasErrors() {
		return nil, fmt.Errorf("package processing failed")
	}

	// Second payload pass picks up payloads the package processors added.
	payloadProc.Process()
	if sink.HasErrors() {
		return nil, fmt.Errorf("payload processing failed")
	}

	packages.AggregateSizes(section, facades)

	if err := embedUXPayloads(section, sink); err != nil {
		return nil, err
	}
	container.AssignEmbeddedIDs(section)

	slipstreams := associateSlipstreams(section, facades)
	verifyCatalogs(section, sink)

	ordered, _ := chain.Order(section, facades, sink)
	if sink.HasErrors() {
		return nil, fmt.Errorf("chain ordering failed")
	}

	fields := resolve.CollectDelayedFields(section)
	resolve.ResolveDelayedFields(fields, cache, sink)
	if sink.HasErrors() {
		return nil, fmt.Errorf("delayed field resolution failed")
	}

	depend.ComputeBundleProvider(bundle)
	orderedFacades := make([]*facade.PackageFacade, 0, len(ordered))
	for _, item := range ordered {
		if item.Package != nil {
			orderedFacades = append(orderedFacades, item.Package)
		}
	}
	providers := depend.ComputePackageProviders(section, orderedFacades)

	chain.ResolveScope(bundle, ordered, sink)

	// Assembly. Non-UX containers first so their hash and size go into the
	// manifest, which rides inside the UX container, attached last.
	containerBuilder := container.NewBuilder(sink, section, transfers, opts.IntermediateDir, opts.OutputDir)
	if err := containerBuilder.BuildNonUX(); err != nil {
		return nil, err
	}

	manifestXML, err := manifest.Write(&manifest.Data{
		Bundle:      bundle,
		BA:          ba,
		Chain:       chainRow,
		Ordered:     ordered,
		Section:     section,
		Providers:   providers,
		Slipstreams: slipstreams,
	})
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(opts.IntermediateDir, "bundle-manifest.xml")
	if err := os.WriteFile(manifestPath, []byte(manifestXML), 0644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	transfers.Track(manifestPath, transfer.TrackedIntermediate)

	uxPath, err := containerBuilder.BuildUX(manifestPath)
	if err != nil {
		return nil, err
	}
	if err := containerBuilder.AttachStub(opts.StubPath, uxPath, containerBuilder.AttachedContainerPaths(), opts.ExeName); err != nil {
		return nil, err
	}
	if sink.HasErrors() {
		return nil, fmt.Errorf("bundle assembly failed")
	}

	result := &Result{
		ExecutablePath: filepath.Join(opts.IntermediateDir, opts.ExeName),
		ManifestPath:   manifestPath,
		Transfers:      transfers.Transfers(),
		Tracked:        transfers.Tracked(),
	}

	sink.Info("msg", "bundle bound",
		"bundle", bundle.Name,
		"packages", len(section.Packages),
		"payloads", len(section.Payloads),
		"containers", len(section.Containers),
		"size", humanize.Bytes(uint64(fileSize(result.ExecutablePath))))

	for _, ext := range opts.Extensions {
		if err := ext.PostBind(result, sink); err != nil {
			return nil, fmt.Errorf("extension post-bind: %w", err)
		}
	}
	return result, nil
}

// embedUXPayloads forces every UX container payload to embedded packaging.
// The engine cannot stream or download the UX before the UX exists, so
// authored non-embedded packaging is coerced with a warning. A bundle with
// zero UX payloads has no bootstrapper application and is unbuildable.
func embedUXPayloads(section *ir.Section, sink *diag.Sink) error {
	count := 0
	for _, p := range section.Payloads {
		if p.ContainerRef != ir.UXContainerID {
			continue
		}
		count++
		if p.Packaging != ir.PackagingEmbedded {
			sink.Warning(p.Location, "payload %s is part of the bootstrapper application and must be embedded; packaging %s ignored", p.ID, p.Packaging)
			p.Packaging = ir.PackagingEmbedded
		}
	}
	if count == 0 {
		sink.Error(nil, "bundle has no bootstrapper application payloads")
		return fmt.Errorf("missing bootstrapper application")
	}
	return nil
}

// associateSlipstreams links each MSP package to the MSI packages it
// targets, in chain order.
func associateSlipstreams(section *ir.Section, facades map[string]*facade.PackageFacade) []manifest.Slipstream {
	productToMsi := make(map[string]string)
	for _, pkg := range section.Packages {
		f := facades[pkg.ID]
		if f != nil && f.Msi != nil && f.Msi.ProductCode != "" {
			productToMsi[strings.ToUpper(f.Msi.ProductCode)] = pkg.ID
		}
	}
	var out []manifest.Slipstream
	for _, pkg := range section.Packages {
		f := facades[pkg.ID]
		if f == nil || f.Msp == nil {
			continue
		}
		for _, target := range f.Msp.TargetProductCodes {
			if msiRef, ok := productToMsi[strings.ToUpper(target)]; ok {
				out = append(out, manifest.Slipstream{MsiRef: msiRef, MspRef: pkg.ID})
			}
		}
	}
	return out
}

// verifyCatalogs checks that every non-embedded payload's hash is covered
// by an authored catalog. No catalogs authored means no verification.
func verifyCatalogs(section *ir.Section, sink *diag.Sink) {
	if len(section.Catalogs) == 0 {
		return
	}
	digests := make(map[string]bool)
	for _, cat := range section.Catalogs {
		f, err := os.Open(cat.SourcePath)
		if err != nil {
			sink.Error(cat.Location, "reading catalog %s: %v", cat.ID, err)
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				digests[strings.ToLower(line)] = true
			}
		}
		f.Close()
	}
	for _, p := range section.Payloads {
		if p.Packaging == ir.PackagingEmbedded || p.Hash == "" {
			continue
		}
		if !digests[strings.ToLower(p.Hash)] {
			sink.Warning(p.Location, "payload %s is not covered by any authored catalog", p.ID)
		}
	}
}

func fileSize(path string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return 0
}
