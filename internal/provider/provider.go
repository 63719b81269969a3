package provider

import (
	"context"
	stderrors "errors"
	"path"
	"strings"
)

// CodeProvider supplies script sources to the bridge.
//
// Paths are relative and slash-separated. Implementations must be safe for
// concurrent use; Fetch is called from every connection's processing goroutine.
type CodeProvider interface {
	// Fetch returns the bytes of the file at path, or ErrNotFound.
	Fetch(ctx context.Context, path string) ([]byte, error)

	// Normalize maps a client or watcher path to the provider's canonical
	// relative form, so that two spellings of the same file compare equal.
	Normalize(path string) string

	// Subscribe installs fn as the single change callback. A later call
	// replaces it; nil unsubscribes and stops watching.
	Subscribe(fn func(path string))
}

// ErrNotFound is returned by Fetch when the file does not exist.
var ErrNotFound = stderrors.New("provider: file not found")

// IsNotFound reports whether err means the file is absent.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// cleanRelative converts p to a clean slash-separated relative path.
// Leading slashes are dropped; ".." segments are kept so callers can reject them.
func cleanRelative(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// escapesRoot reports whether a cleaned relative path leaves its root.
func escapesRoot(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}
