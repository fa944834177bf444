package cabinet

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestSplitName(t *testing.T) {
	tests := []struct {
		base    string
		n       int
		want    string
		wantErr bool
	}{
		{base: "cab1", n: 1, want: "cab1b.cab"},
		{base: "cab1", n: 2, want: "cab1c.cab"},
		{base: "media", n: 25, want: "mediaz.cab"},
		{base: "cab1", n: 0, wantErr: true},
		{base: "cab1", n: 26, wantErr: true},
	}
	for _, tc := range tests {
		got, err := splitName(tc.base, tc.n)
		if tc.wantErr {
			if err == nil {
				t.Errorf("splitName(%q, %d) succeeded, want error", tc.base, tc.n)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitName(%q, %d) failed: %v", tc.base, tc.n, err)
			continue
		}
		if got != tc.want {
			t.Errorf("splitName(%q, %d) = %q, want %q", tc.base, tc.n, got, tc.want)
		}
	}
}

// writeTestFile writes size bytes of incompressible content so the split
// threshold arithmetic is not defeated by compression.
func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("generating test content: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestWriteCabinetSingle(t *testing.T) {
	dir := t.TempDir()
	files := []FileFacade{
		{ID: "f1", SourcePath: writeTestFile(t, dir, "f1.bin", 256), Sequence: 1},
		{ID: "f2", SourcePath: writeTestFile(t, dir, "f2.bin", 256), Sequence: 2},
	}
	path := filepath.Join(dir, "cab1.cab")

	written, err := writeCabinet(path, files, "", 0, nil)
	if err != nil {
		t.Fatalf("writeCabinet failed: %v", err)
	}
	if len(written) != 1 || written[0] != path {
		t.Fatalf("written = %v, want single %s", written, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading cabinet: %v", err)
	}
	if !bytes.HasPrefix(content, cabinetMagic) {
		t.Errorf("cabinet does not start with the format magic")
	}
}

func TestWriteCabinetSplits(t *testing.T) {
	dir := t.TempDir()
	files := []FileFacade{
		{ID: "f1", SourcePath: writeTestFile(t, dir, "f1.bin", 4096), Sequence: 1},
		{ID: "f2", SourcePath: writeTestFile(t, dir, "f2.bin", 4096), Sequence: 2},
		{ID: "f3", SourcePath: writeTestFile(t, dir, "f3.bin", 4096), Sequence: 3},
	}
	path := filepath.Join(dir, "cab1.cab")

	type splitCall struct {
		first, newName, token string
	}
	var calls []splitCall
	onSplit := func(first, newName, token string) error {
		calls = append(calls, splitCall{first, newName, token})
		return nil
	}

	// A one-byte threshold forces a split before every file after the
	// first; a split never strands an empty cabinet.
	written, err := writeCabinet(path, files, "", 1, onSplit)
	if err != nil {
		t.Fatalf("writeCabinet failed: %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("written = %v, want 3 parts", written)
	}
	wantParts := []string{"cab1.cab", "cab1b.cab", "cab1c.cab"}
	for i, p := range written {
		if filepath.Base(p) != wantParts[i] {
			t.Errorf("part %d = %s, want %s", i, filepath.Base(p), wantParts[i])
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("part %s was not written: %v", p, err)
		}
	}

	if len(calls) != 2 {
		t.Fatalf("got %d split callbacks, want 2", len(calls))
	}
	if calls[0] != (splitCall{"cab1", "cab1b.cab", "f2"}) {
		t.Errorf("first split callback = %+v", calls[0])
	}
	if calls[1] != (splitCall{"cab1", "cab1c.cab", "f3"}) {
		t.Errorf("second split callback = %+v", calls[1])
	}
}

func TestWriteCabinetSplitCallbackErrorAborts(t *testing.T) {
	dir := t.TempDir()
	files := []FileFacade{
		{ID: "f1", SourcePath: writeTestFile(t, dir, "f1.bin", 4096), Sequence: 1},
		{ID: "f2", SourcePath: writeTestFile(t, dir, "f2.bin", 4096), Sequence: 2},
	}
	path := filepath.Join(dir, "cab1.cab")

	onSplit := func(first, newName, token string) error {
		return os.ErrExist
	}
	if _, err := writeCabinet(path, files, "", 1, onSplit); err == nil {
		t.Fatal("expected the split callback error to abort the cabinet")
	}
}
