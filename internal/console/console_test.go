package console

import (
	"sync"

	"github.com/vango-dev/livepush/internal/bridge"
	"github.com/vango-dev/livepush/internal/errors"
)

type fakeController struct {
	mu      sync.Mutex
	entry   string
	clients []bridge.ClientInfo
	stopped bool
	reloads []bool
	reached int
}

func newFakeController() *fakeController {
	return &fakeController{
		entry:   "index.lua",
		clients: []bridge.ClientInfo{{ID: 1, Remote: "10.0.0.5:50000", Kind: "binary"}},
		reached: 1,
	}
}

func (f *fakeController) Reload(updateEntry bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0, errors.New(errors.CodeNotStarted)
	}
	f.reloads = append(f.reloads, updateEntry)
	return f.reached, nil
}

func (f *fakeController) SetEntryFile(path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0, errors.New(errors.CodeNotStarted)
	}
	f.entry = path
	return f.reached, nil
}

func (f *fakeController) EntryFile() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entry
}

func (f *fakeController) EntryURL() string {
	return "http://10.0.0.2:8176/" + f.EntryFile()
}

func (f *fakeController) Addr() string { return "10.0.0.2:8176" }

func (f *fakeController) Clients() []bridge.ClientInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.ClientInfo(nil), f.clients...)
}

func (f *fakeController) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeController) reloadCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.reloads...)
}
