package cabinet

import (
	"os"
	"path/filepath"
	"time"
)

// ResolveAction says what to do for one cabinet after consulting the cache.
type ResolveAction int

const (
	// ActionBuild compresses the cabinet into the intermediate folder.
	ActionBuild ResolveAction = iota
	// ActionBuildAndMove compresses, then moves the result into the cache.
	ActionBuildAndMove
	// ActionBuildAndCopy compresses, then copies the result into the cache.
	ActionBuildAndCopy
	// ActionReuse serves the cabinet straight from the cache.
	ActionReuse
)

// Resolved is the cache policy decision for one cabinet.
type Resolved struct {
	Path   string // where the cabinet will exist (or already exists)
	Action ResolveAction
}

// Resolver decides between building a cabinet and reusing a cached one.
// The default consults a filesystem cache directory; build orchestration
// may plug in its own policy.
type Resolver interface {
	Resolve(cabinetName string, files []FileFacade, intermediateDir string) Resolved
}

// dirResolver reuses a cached cabinet when it is at least as new as every
// source file packed into it.
type dirResolver struct {
	cacheDir string
}

// NewDirResolver creates the default cache resolver over cacheDir. An empty
// cacheDir disables reuse entirely.
func NewDirResolver(cacheDir string) Resolver {
	return &dirResolver{cacheDir: cacheDir}
}

func (r *dirResolver) Resolve(cabinetName string, files []FileFacade, intermediateDir string) Resolved {
	if r.cacheDir == "" {
		return Resolved{Path: filepath.Join(intermediateDir, cabinetName), Action: ActionBuild}
	}

	cached := filepath.Join(r.cacheDir, cabinetName)
	info, err := os.Stat(cached)
	if err != nil {
		return Resolved{Path: cached, Action: ActionBuildAndCopy}
	}

	for _, f := range files {
		src, err := os.Stat(f.SourcePath)
		if err != nil || src.ModTime().After(info.ModTime()) {
			return Resolved{Path: cached, Action: ActionBuildAndCopy}
		}
	}
	return Resolved{Path: cached, Action: ActionReuse}
}

// refreshTimestamp bumps a reused cabinet's modification time to now. This
// is a required invariant of reuse: a cached cabinet older than a rebuilt
// sibling would make every later build perceive the product as out of date.
func refreshTimestamp(path string) error {
	now := time.Now()
	return os.Chtimes(path, now, now)
}
