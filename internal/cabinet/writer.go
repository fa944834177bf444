package cabinet

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// FileFacade is one file to be packed into a cabinet. Immutable once the
// facade set for a build has been computed.
type FileFacade struct {
	ID         string // file token, matches ir.FileRow.FileID
	SourcePath string
	Sequence   int
	Size       int64
}

// SplitFunc is invoked by the compressor, on the compressing worker thread,
// when a cabinet crosses the split threshold. firstCabinetName is the base
// name (no extension) of the first cabinet in the sequence; fileToken names
// the first file placed in the new cabinet.
type SplitFunc func(firstCabinetName, newCabinetName, fileToken string) error

// cabinetMagic heads every physical cabinet file.
var cabinetMagic = []byte("WCAB1")

// countingWriter tracks compressed bytes so the writer can detect when a
// cabinet crosses the split threshold.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type openCabinet struct {
	path  string
	f     *os.File
	count *countingWriter
	zw    *zstd.Encoder
}

func openForWrite(path, level string) (*openCabinet, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating cabinet %s: %w", path, err)
	}
	if _, err := f.Write(cabinetMagic); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing cabinet header: %w", err)
	}
	count := &countingWriter{w: f}
	zw, err := zstd.NewWriter(count, zstd.WithEncoderLevel(encoderLevel(level)))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating compressor: %w", err)
	}
	return &openCabinet{path: path, f: f, count: count, zw: zw}, nil
}

func (c *openCabinet) writeEntry(facade FileFacade) error {
	src, err := os.Open(facade.SourcePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", facade.SourcePath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("sizing %s: %w", facade.SourcePath, err)
	}

	name := []byte(facade.ID)
	if err := binary.Write(c.zw, binary.LittleEndian, uint16(len(name))); err != nil {
		return fmt.Errorf("writing entry header: %w", err)
	}
	if _, err := c.zw.Write(name); err != nil {
		return fmt.Errorf("writing entry name: %w", err)
	}
	if err := binary.Write(c.zw, binary.LittleEndian, uint64(info.Size())); err != nil {
		return fmt.Errorf("writing entry size: %w", err)
	}
	if _, err := io.Copy(c.zw, src); err != nil {
		return fmt.Errorf("compressing %s: %w", facade.SourcePath, err)
	}
	// Flush so the split threshold check below sees real compressed bytes.
	return c.zw.Flush()
}

func (c *openCabinet) close() error {
	if err := c.zw.Close(); err != nil {
		c.f.Close()
		return fmt.Errorf("finishing cabinet %s: %w", c.path, err)
	}
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("closing cabinet %s: %w", c.path, err)
	}
	return nil
}

func encoderLevel(name string) zstd.EncoderLevel {
	switch strings.ToLower(name) {
	case "none", "low":
		return zstd.SpeedFastest
	case "high":
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// splitName derives the n-th sibling cabinet name in a split sequence. The
// first split of cab1.cab yields cab1b.cab, the next cab1c.cab.
func splitName(base string, n int) (string, error) {
	if n < 1 || n > 25 {
		return "", fmt.Errorf("cabinet %s split into too many siblings (%d)", base, n)
	}
	return fmt.Sprintf("%s%c.cab", base, 'a'+n), nil
}

// writeCabinet compresses files, in their given sequence order, into the
// cabinet at path. When maxSplit is positive and the compressed size crosses
// it, the remaining files continue in a new sibling cabinet after notifying
// onSplit. Returns the paths of every cabinet written.
func writeCabinet(path string, files []FileFacade, level string, maxSplit int64, onSplit SplitFunc) ([]string, error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	current, err := openForWrite(path, level)
	if err != nil {
		return nil, err
	}
	written := []string{path}
	splits := 0

	for i, f := range files {
		if maxSplit > 0 && i > 0 && current.count.n >= maxSplit {
			if err := current.close(); err != nil {
				return written, err
			}
			splits++
			newName, err := splitName(base, splits)
			if err != nil {
				return written, err
			}
			if onSplit != nil {
				if err := onSplit(base, newName, f.ID); err != nil {
					return written, err
				}
			}
			newPath := filepath.Join(dir, newName)
			current, err = openForWrite(newPath, level)
			if err != nil {
				return written, err
			}
			written = append(written, newPath)
		}
		if err := current.writeEntry(f); err != nil {
			current.close()
			return written, err
		}
	}
	if err := current.close(); err != nil {
		return written, err
	}
	return written, nil
}
