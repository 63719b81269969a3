package provider

import (
	"context"
	"sync"
)

// Memory is an in-memory CodeProvider. Set and Delete notify the subscriber.
type Memory struct {
	mu       sync.RWMutex
	files    map[string][]byte
	onChange func(string)
	fetches  int
}

// NewMemory creates a provider holding a copy of files.
func NewMemory(files map[string][]byte) *Memory {
	m := &Memory{files: make(map[string][]byte, len(files))}
	for p, data := range files {
		m.files[cleanRelative(p)] = append([]byte(nil), data...)
	}
	return m
}

// Fetch returns a copy of the stored bytes.
func (m *Memory) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.fetches++
	data, ok := m.files[m.Normalize(p)]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Normalize cleans p to a relative slash path.
func (m *Memory) Normalize(p string) string {
	return cleanRelative(p)
}

// Subscribe installs fn as the change callback.
func (m *Memory) Subscribe(fn func(path string)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Subscribed reports whether a callback is installed.
func (m *Memory) Subscribed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onChange != nil
}

// Fetches returns how many times Fetch was called.
func (m *Memory) Fetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches
}

// Set stores data at p and notifies the subscriber.
func (m *Memory) Set(p string, data []byte) {
	p = cleanRelative(p)
	m.mu.Lock()
	m.files[p] = append([]byte(nil), data...)
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Delete removes p and notifies the subscriber.
func (m *Memory) Delete(p string) {
	p = cleanRelative(p)
	m.mu.Lock()
	delete(m.files, p)
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
