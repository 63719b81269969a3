package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vango-dev/livepush/internal/errors"
)

// FSOptions configures a filesystem provider.
type FSOptions struct {
	// Interval is the watcher poll interval.
	Interval time.Duration

	// Ignore patterns, see WatcherConfig.
	Ignore []string

	// Extensions to watch. Defaults to .lua.
	Extensions []string

	Logger *slog.Logger
}

// FS serves files from a directory and reports changes to them.
type FS struct {
	root   string
	opts   FSOptions
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFS creates a provider rooted at dir.
func NewFS(dir string, opts FSOptions) (*FS, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.New(errors.CodeSourceInvalid).
			WithDetail("source root " + dir + " is not accessible").
			Wrap(err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.CodeSourceInvalid).
			WithDetail("source root " + dir + " is not a directory")
	}

	if opts.Extensions == nil {
		opts.Extensions = []string{".lua"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FS{
		root:   root,
		opts:   opts,
		logger: logger.With("component", "provider", "kind", "fs"),
	}, nil
}

// Root returns the absolute directory served.
func (f *FS) Root() string {
	return f.root
}

// Fetch reads a file below the root.
func (f *FS) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rel := f.Normalize(p)
	if rel == "" {
		return nil, ErrNotFound
	}
	if escapesRoot(rel) {
		return nil, errors.New(errors.CodePathOutsideRoot).
			WithDetail(p).
			Wrap(ErrNotFound)
	}

	full := filepath.Join(f.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Normalize returns p relative to the root, slash-separated.
// Absolute paths inside the root are made relative.
func (f *FS) Normalize(p string) string {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(f.root, p); err == nil {
			p = rel
		}
	}
	return cleanRelative(p)
}

// Subscribe installs fn as the change callback and starts watching.
// Passing nil stops the watcher.
func (f *FS) Subscribe(fn func(path string)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopLocked()
	if fn == nil {
		return
	}

	w := NewWatcher(WatcherConfig{
		Root:       f.root,
		Ignore:     f.opts.Ignore,
		Extensions: f.opts.Extensions,
		Interval:   f.opts.Interval,
	})
	w.OnChange(func(c Change) {
		f.logger.Debug("source changed", "path", c.Path, "removed", c.Removed)
		fn(c.Path)
	})
	w.Prime()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done

	go func() {
		defer close(done)
		if err := w.Start(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			f.logger.Error("watcher stopped", "error", errors.New(errors.CodeWatchFailed).Wrap(err))
		}
	}()
}

// Close stops watching.
func (f *FS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	return nil
}

func (f *FS) stopLocked() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
}
