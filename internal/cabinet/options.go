package cabinet

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Environment variable overrides honored by the MSI cabinet path. Malformed
// values are fatal configuration errors, never silently ignored.
const (
	// EnvMaxCabSizeForLargeFileSplitting overrides the split threshold, in MB.
	EnvMaxCabSizeForLargeFileSplitting = "WIXBIND_MCSLFS"
	// EnvMaxUncompressedMediaSize overrides the uncompressed media size
	// threshold, in MB.
	EnvMaxUncompressedMediaSize = "WIXBIND_MUMS"
	// EnvCabbingThreadCount overrides the cabbing worker count.
	EnvCabbingThreadCount = "WIXBIND_CABBING_THREADS"
)

// MaxSplitCabSizeMB is the hard ceiling on the large-file split threshold.
// Above 2048 MB the byte-size arithmetic overflows 32 bits in the cabinet
// format itself.
const MaxSplitCabSizeMB = 2048

// DefaultMaxUncompressedMediaSizeMB is the default uncompressed media size
// threshold.
const DefaultMaxUncompressedMediaSizeMB = 200

// Options configures one cabinet build.
type Options struct {
	// CabbingThreads is the worker pool size. Zero means the host's
	// logical processor count.
	CabbingThreads int

	// MaxSplitCabSizeMB is the size threshold, in MB, beyond which a
	// single cabinet is split. Zero disables splitting.
	MaxSplitCabSizeMB int

	// MaxUncompressedMediaSizeMB bounds how much uncompressed content one
	// medium should carry before compression is forced on.
	MaxUncompressedMediaSizeMB int

	// IntermediateDir is where cabinets are written before transfer.
	IntermediateDir string

	// CacheDir enables cabinet reuse between builds when non-empty.
	CacheDir string
}

// Normalize applies defaults and environment overrides, validating the
// result. Configuration errors abort before any cabinet work begins.
func (o Options) Normalize() (Options, error) {
	if o.CabbingThreads == 0 {
		o.CabbingThreads = runtime.NumCPU()
	}
	if v := os.Getenv(EnvCabbingThreadCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("invalid %s value %q: %w", EnvCabbingThreadCount, v, err)
		}
		o.CabbingThreads = n
	}
	if o.CabbingThreads <= 0 {
		return o, fmt.Errorf("cabbing thread count must be at least 1, got %d", o.CabbingThreads)
	}

	if v := os.Getenv(EnvMaxCabSizeForLargeFileSplitting); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("invalid %s value %q: %w", EnvMaxCabSizeForLargeFileSplitting, v, err)
		}
		o.MaxSplitCabSizeMB = n
	}
	if o.MaxSplitCabSizeMB < 0 || o.MaxSplitCabSizeMB > MaxSplitCabSizeMB {
		return o, fmt.Errorf("split cabinet size threshold %d MB out of range (0..%d)", o.MaxSplitCabSizeMB, MaxSplitCabSizeMB)
	}

	if o.MaxUncompressedMediaSizeMB == 0 {
		o.MaxUncompressedMediaSizeMB = DefaultMaxUncompressedMediaSizeMB
	}
	if v := os.Getenv(EnvMaxUncompressedMediaSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("invalid %s value %q: %w", EnvMaxUncompressedMediaSize, v, err)
		}
		o.MaxUncompressedMediaSizeMB = n
	}
	if o.MaxUncompressedMediaSizeMB < 0 {
		return o, fmt.Errorf("uncompressed media size threshold must not be negative, got %d", o.MaxUncompressedMediaSizeMB)
	}

	return o, nil
}

// maxSplitBytes converts the threshold to bytes; zero disables splitting.
func (o Options) maxSplitBytes() int64 {
	return int64(o.MaxSplitCabSizeMB) * 1024 * 1024
}
