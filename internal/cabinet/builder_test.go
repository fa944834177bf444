package cabinet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/transfer"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts, err := Options{
		CabbingThreads:  2,
		IntermediateDir: filepath.Join(t.TempDir(), "obj"),
	}.Normalize()
	if err != nil {
		t.Fatalf("normalizing options: %v", err)
	}
	return opts
}

func TestBuildWritesCabinetAndTransfer(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "bin")
	opts := testOptions(t)

	media := []*ir.MediaRow{{DiskID: 1, Cabinet: "cab1.cab", LastSequence: 2}}
	files := []*ir.FileRow{
		{FileID: "f1", DiskID: 1, Sequence: 1, SourcePath: writeTestFile(t, dir, "f1.bin", 64)},
		{FileID: "f2", DiskID: 1, Sequence: 2, SourcePath: writeTestFile(t, dir, "f2.bin", 64)},
	}

	sink := newTestSink()
	transfers := transfer.NewList()
	session := NewSession(sink, media, files, transfers)
	plan := PlanFromTables(media, files, sink)

	builder := NewBuilder(sink, opts, session, nil, outDir)
	if err := builder.Build(plan); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	built := filepath.Join(opts.IntermediateDir, "cab1.cab")
	if _, err := os.Stat(built); err != nil {
		t.Errorf("cabinet was not written: %v", err)
	}

	got, found := transfers.FindBySourceName("cab1.cab")
	if !found {
		t.Fatal("no transfer registered for cab1.cab")
	}
	if got.Destination != filepath.Join(outDir, "cab1.cab") {
		t.Errorf("transfer destination = %q", got.Destination)
	}
	if got.Move {
		t.Error("uncached build must copy, not move")
	}
}

func TestBuildEmbeddedCabinetHasNoTransfer(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t)

	media := []*ir.MediaRow{{DiskID: 1, Cabinet: "#cab1.cab", LastSequence: 1}}
	files := []*ir.FileRow{
		{FileID: "f1", DiskID: 1, Sequence: 1, SourcePath: writeTestFile(t, dir, "f1.bin", 64)},
	}

	sink := newTestSink()
	transfers := transfer.NewList()
	session := NewSession(sink, media, files, transfers)

	builder := NewBuilder(sink, opts, session, nil, filepath.Join(dir, "bin"))
	if err := builder.Build(PlanFromTables(media, files, sink)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := transfers.Transfers(); len(got) != 0 {
		t.Errorf("embedded cabinet registered %d transfers, want none", len(got))
	}
	if got := transfers.Tracked(); len(got) != 1 {
		t.Errorf("embedded cabinet tracked %d files, want 1", len(got))
	}
	// The stripped name is used on disk, never the # marker.
	if _, err := os.Stat(filepath.Join(opts.IntermediateDir, "cab1.cab")); err != nil {
		t.Errorf("embedded cabinet was not written: %v", err)
	}
}

func TestBuildWarnsOnEmptyCabinet(t *testing.T) {
	opts := testOptions(t)
	media := []*ir.MediaRow{{DiskID: 1, Cabinet: "cab1.cab"}}

	sink := newTestSink()
	session := NewSession(sink, media, nil, transfer.NewList())

	builder := NewBuilder(sink, opts, session, nil, t.TempDir())
	if err := builder.Build(PlanFromTables(media, nil, sink)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if sink.WarningCount() != 1 {
		t.Errorf("WarningCount = %d, want 1", sink.WarningCount())
	}
	if _, err := os.Stat(filepath.Join(opts.IntermediateDir, "cab1.cab")); err == nil {
		t.Error("empty cabinet was written anyway")
	}
}

func TestBuildReusesCachedCabinet(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	opts := testOptions(t)
	opts.CacheDir = cacheDir

	src := writeTestFile(t, dir, "f1.bin", 64)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(src, old, old); err != nil {
		t.Fatalf("backdating source: %v", err)
	}
	cached := filepath.Join(cacheDir, "cab1.cab")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cached, []byte("WCAB1cached"), 0644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Minute)
	if err := os.Chtimes(cached, stale, stale); err != nil {
		t.Fatal(err)
	}

	media := []*ir.MediaRow{{DiskID: 1, Cabinet: "cab1.cab", LastSequence: 1}}
	files := []*ir.FileRow{{FileID: "f1", DiskID: 1, Sequence: 1, SourcePath: src}}

	sink := newTestSink()
	transfers := transfer.NewList()
	session := NewSession(sink, media, files, transfers)

	builder := NewBuilder(sink, opts, session, nil, filepath.Join(dir, "bin"))
	if err := builder.Build(PlanFromTables(media, files, sink)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// The cached cabinet is served as-is; nothing is recompressed.
	if _, err := os.Stat(filepath.Join(opts.IntermediateDir, "cab1.cab")); err == nil {
		t.Error("cabinet was rebuilt despite a fresh cache entry")
	}
	got, found := transfers.FindBySourceName("cab1.cab")
	if !found {
		t.Fatal("no transfer registered for reused cabinet")
	}
	if got.Source != cached {
		t.Errorf("transfer source = %q, want the cache path %q", got.Source, cached)
	}

	// Reuse must bump the cache timestamp so later builds see it as fresh.
	info, err := os.Stat(cached)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().After(stale.Add(30 * time.Second)) {
		t.Errorf("cached cabinet timestamp was not refreshed: %v", info.ModTime())
	}
}

func TestBuildPopulatesCache(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	opts := testOptions(t)
	opts.CacheDir = cacheDir

	media := []*ir.MediaRow{{DiskID: 1, Cabinet: "cab1.cab", LastSequence: 1}}
	files := []*ir.FileRow{
		{FileID: "f1", DiskID: 1, Sequence: 1, SourcePath: writeTestFile(t, dir, "f1.bin", 64)},
	}

	sink := newTestSink()
	session := NewSession(sink, media, files, transfer.NewList())

	builder := NewBuilder(sink, opts, session, nil, filepath.Join(dir, "bin"))
	if err := builder.Build(PlanFromTables(media, files, sink)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "cab1.cab")); err != nil {
		t.Errorf("cabinet was not copied into the cache: %v", err)
	}
}

func TestPlanFromTablesOrdersAndValidates(t *testing.T) {
	media := []*ir.MediaRow{{DiskID: 1, Cabinet: "cab1.cab"}}
	files := []*ir.FileRow{
		{FileID: "late", DiskID: 1, Sequence: 9},
		{FileID: "early", DiskID: 1, Sequence: 2},
		{FileID: "dangling", DiskID: 4, Sequence: 1},
	}
	sink := newTestSink()
	plans := PlanFromTables(media, files, sink)

	if len(plans) != 1 {
		t.Fatalf("got %d plans, want 1", len(plans))
	}
	if len(plans[0].Files) != 2 {
		t.Fatalf("got %d files in plan, want 2", len(plans[0].Files))
	}
	if plans[0].Files[0].ID != "early" || plans[0].Files[1].ID != "late" {
		t.Errorf("files not in sequence order: %v", plans[0].Files)
	}
	if !sink.HasErrors() {
		t.Error("dangling DiskID reference was not reported")
	}
}
