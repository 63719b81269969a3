package provider

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Change represents a detected file change.
type Change struct {
	// Path is relative to the watched root, slash-separated.
	Path string

	// Removed is set when the file was deleted.
	Removed bool
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Root is the directory to watch.
	Root string

	// Ignore patterns to skip (names, path segments or globs).
	Ignore []string

	// Extensions limits watching to these extensions. Empty watches everything.
	Extensions []string

	// Interval is the poll interval.
	Interval time.Duration
}

// DefaultIgnore contains default patterns to ignore.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	"*.tmp",
	"*.swp",
	"*~",
}

// fileState is the last observed state of one file.
type fileState struct {
	modTime time.Time
	size    int64
	digest  [32]byte
}

// Watcher polls a directory tree for changes.
//
// Modification time and size select candidates; a blake3 digest of the
// content decides whether a candidate really changed, so rewrites with
// identical bytes are not reported.
type Watcher struct {
	config      WatcherConfig
	onChange    func(Change)
	mu          sync.Mutex
	initialized bool
	files       map[string]fileState
}

// NewWatcher creates a new file watcher.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Interval == 0 {
		config.Interval = 300 * time.Millisecond
	}
	if len(config.Ignore) == 0 {
		config.Ignore = DefaultIgnore
	}

	return &Watcher{
		config: config,
		files:  make(map[string]fileState),
	}
}

// OnChange sets the callback for file changes.
func (w *Watcher) OnChange(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Prime records the current state of the tree without reporting anything.
// Start calls it when it has not run yet.
func (w *Watcher) Prime() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.files = w.scan(nil)
	w.initialized = true
}

// Start polls the tree until ctx is done and returns ctx.Err().
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	initialized := w.initialized
	w.mu.Unlock()
	if !initialized {
		w.Prime()
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

// checkForChanges rescans the tree and reports differences.
func (w *Watcher) checkForChanges() {
	w.mu.Lock()
	callback := w.onChange
	previous := w.files
	w.mu.Unlock()

	current := w.scan(previous)

	var changes []Change
	for rel, state := range current {
		old, existed := previous[rel]
		if !existed || old.digest != state.digest {
			changes = append(changes, Change{Path: rel})
		}
	}
	for rel := range previous {
		if _, ok := current[rel]; !ok {
			changes = append(changes, Change{Path: rel, Removed: true})
		}
	}

	w.mu.Lock()
	w.files = current
	w.mu.Unlock()

	if callback == nil {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	for _, change := range changes {
		callback(change)
	}
}

// scan walks the root and returns the state of every watched file.
// Digests from previous are reused when modification time and size match.
func (w *Watcher) scan(previous map[string]fileState) map[string]fileState {
	files := make(map[string]fileState)
	root := w.config.Root

	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.shouldIgnore(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.shouldIgnore(rel) || !w.matchesExtension(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		state := fileState{modTime: info.ModTime(), size: info.Size()}
		if old, ok := previous[rel]; ok && old.modTime.Equal(state.modTime) && old.size == state.size {
			state.digest = old.digest
		} else {
			digest, err := fileDigest(p)
			if err != nil {
				return nil
			}
			state.digest = digest
		}
		files[rel] = state
		return nil
	})

	return files
}

func (w *Watcher) matchesExtension(p string) bool {
	if len(w.config.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range w.config.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// fileDigest returns the blake3 digest of a file's content.
func fileDigest(p string) ([32]byte, error) {
	var sum [32]byte

	f, err := os.Open(p)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// shouldIgnore checks if a path relative to the root should be ignored.
func (w *Watcher) shouldIgnore(rel string) bool {
	name := filepath.Base(rel)
	normalized := filepath.ToSlash(rel)

	for _, pattern := range w.config.Ignore {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		if name == pattern {
			return true
		}

		hasPathSep := strings.Contains(pattern, "/") || strings.Contains(pattern, "\\")
		hasGlob := strings.ContainsAny(pattern, "*?[")

		if hasGlob {
			if hasPathSep {
				if matched, _ := path.Match(filepath.ToSlash(pattern), normalized); matched {
					return true
				}
			} else if matched, _ := filepath.Match(pattern, name); matched {
				return true
			}
			continue
		}

		if hasPathSep {
			if pathMatchesSegments(normalized, filepath.ToSlash(pattern)) {
				return true
			}
			continue
		}

		if pathHasSegment(normalized, pattern) {
			return true
		}
	}

	return false
}

func pathHasSegment(p, segment string) bool {
	for _, part := range splitPathSegments(p) {
		if part == segment {
			return true
		}
	}
	return false
}

func pathMatchesSegments(p, pattern string) bool {
	pathParts := splitPathSegments(p)
	patternParts := splitPathSegments(pattern)
	if len(patternParts) == 0 || len(patternParts) > len(pathParts) {
		return false
	}

	for i := 0; i <= len(pathParts)-len(patternParts); i++ {
		match := true
		for j := range patternParts {
			if pathParts[i+j] != patternParts[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func splitPathSegments(p string) []string {
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			result = append(result, part)
		}
	}
	return result
}
