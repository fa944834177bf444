package cabinet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/transfer"
)

// MediaPlan pairs a media row with the ordered files destined for its
// cabinet. File order is the fixed sequence order; workers never reorder it.
type MediaPlan struct {
	Media *ir.MediaRow
	Files []FileFacade
}

// workItem is one pending cabinet compression, consumed by exactly one
// worker.
type workItem struct {
	cabinetName string
	path        string
	files       []FileFacade
	level       string
	maxSplit    int64
	cachePath   string
	action      ResolveAction
}

// Builder orchestrates one parallel cabinet build.
type Builder struct {
	sink      *diag.Sink
	opts      Options
	session   *Session
	resolver  Resolver
	outputDir string
}

// NewBuilder creates a cabinet builder. opts must already be normalized.
func NewBuilder(sink *diag.Sink, opts Options, session *Session, resolver Resolver, outputDir string) *Builder {
	if resolver == nil {
		resolver = NewDirResolver(opts.CacheDir)
	}
	return &Builder{sink: sink, opts: opts, session: session, resolver: resolver, outputDir: outputDir}
}

// Build creates every cabinet in the plan on a fixed worker pool and blocks
// until all are done. Table mutation from splits happens through the
// session; registration errors inside splits abort the whole bind.
func (b *Builder) Build(plan []MediaPlan) error {
	if err := os.MkdirAll(b.opts.IntermediateDir, 0755); err != nil {
		return fmt.Errorf("creating intermediate folder: %w", err)
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].Media.DiskID < plan[j].Media.DiskID })

	var items []workItem
	for _, p := range plan {
		item, queue := b.registerCabinet(p)
		if queue {
			items = append(items, item)
		}
	}
	if b.sink.HasErrors() {
		return fmt.Errorf("cabinet registration failed")
	}

	b.runPool(items)

	if err := b.session.Validate(); err != nil {
		return fmt.Errorf("validating media tables: %w", err)
	}
	if b.sink.HasErrors() {
		return fmt.Errorf("cabinet creation failed")
	}
	return nil
}

// registerCabinet decides the cache action for one cabinet, registers its
// transfers and tracked files, and returns the work item to queue if the
// cabinet must actually be compressed.
func (b *Builder) registerCabinet(p MediaPlan) (workItem, bool) {
	name := p.Media.Cabinet
	embedded := strings.HasPrefix(name, "#")
	display := strings.TrimPrefix(name, "#")

	if len(p.Files) == 0 {
		b.sink.Warning(p.Media.Location, "cabinet %s contains no files, skipping cabinet creation", display)
	}

	resolved := b.resolver.Resolve(display, p.Files, b.opts.IntermediateDir)
	buildPath := filepath.Join(b.opts.IntermediateDir, display)
	sourcePath := buildPath
	if resolved.Action == ActionReuse {
		sourcePath = resolved.Path
		// Required on reuse: a stale cache timestamp older than a rebuilt
		// sibling would make every later build look out of date.
		if err := refreshTimestamp(resolved.Path); err != nil {
			b.sink.Warning(p.Media.Location, "could not refresh timestamp of cached cabinet %s: %v", resolved.Path, err)
		}
	}

	if embedded {
		// Embedded cabinets become database streams; no file transfer.
		b.session.transfers.Track(sourcePath, transfer.TrackedIntermediate)
	} else {
		b.session.transfers.Track(sourcePath, transfer.TrackedIntermediate)
		b.session.transfers.Add(transfer.Transfer{
			Source:      sourcePath,
			Destination: filepath.Join(b.outputDir, display),
			Move:        resolved.Action == ActionBuildAndMove,
			Location:    p.Media.Location,
		})
	}

	if len(p.Files) == 0 || resolved.Action == ActionReuse {
		return workItem{}, false
	}
	return workItem{
		cabinetName: display,
		path:        buildPath,
		files:       p.Files,
		level:       p.Media.CompressionLevel,
		maxSplit:    b.opts.maxSplitBytes(),
		cachePath:   resolved.Path,
		action:      resolved.Action,
	}, true
}

// runPool compresses the queued cabinets on CabbingThreads workers.
func (b *Builder) runPool(items []workItem) {
	queue := make(chan workItem)
	var wg sync.WaitGroup
	for i := 0; i < b.opts.CabbingThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				b.buildOne(item)
			}
		}()
	}
	for _, item := range items {
		queue <- item
	}
	close(queue)
	wg.Wait()
}

// buildOne compresses a single cabinet, handling splits and cache updates.
func (b *Builder) buildOne(item workItem) {
	written, err := writeCabinet(item.path, item.files, item.level, item.maxSplit, b.session.HandleSplit)
	if err != nil {
		b.sink.Error(nil, "building cabinet %s: %v", item.cabinetName, err)
		return
	}

	var total int64
	for _, p := range written {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	b.sink.Info("msg", "cabinet built", "cabinet", item.cabinetName,
		"files", len(item.files), "parts", len(written), "size", humanize.Bytes(uint64(total)))

	switch item.action {
	case ActionBuildAndMove:
		if err := os.MkdirAll(filepath.Dir(item.cachePath), 0755); err == nil {
			err = os.Rename(item.path, item.cachePath)
		}
		if err != nil {
			b.sink.Warning(nil, "could not move cabinet %s into cache: %v", item.cabinetName, err)
		}
	case ActionBuildAndCopy:
		if err := copyFile(item.path, item.cachePath); err != nil {
			// Cache population failures are advisory; the built cabinet
			// is still valid.
			b.sink.Warning(nil, "could not copy cabinet %s into cache: %v", item.cabinetName, err)
		}
	}
}

func sourceSize(path string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return 0
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// PlanFromTables groups the file table by media row, turning each file into
// a facade ordered by sequence number. Files referencing a missing disk are
// fatal errors.
func PlanFromTables(media []*ir.MediaRow, files []*ir.FileRow, sink *diag.Sink) []MediaPlan {
	byDisk := make(map[int]*MediaPlan, len(media))
	plans := make([]MediaPlan, 0, len(media))
	for _, m := range media {
		plans = append(plans, MediaPlan{Media: m})
	}
	for i := range plans {
		byDisk[plans[i].Media.DiskID] = &plans[i]
	}
	for _, f := range files {
		p, ok := byDisk[f.DiskID]
		if !ok {
			sink.Error(f.Location, "file %s references missing DiskID %d", f.FileID, f.DiskID)
			continue
		}
		p.Files = append(p.Files, FileFacade{
			ID:         f.FileID,
			SourcePath: f.SourcePath,
			Sequence:   f.Sequence,
			Size:       sourceSize(f.SourcePath),
		})
	}
	for i := range plans {
		sort.Slice(plans[i].Files, func(a, b int) bool {
			return plans[i].Files[a].Sequence < plans[i].Files[b].Sequence
		})
	}
	return plans
}
