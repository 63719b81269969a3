package bridge

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/livepush/internal/errors"
	"github.com/vango-dev/livepush/internal/provider"
	"github.com/vango-dev/livepush/pkg/protocol"
)

// Defaults applied by New.
const (
	DefaultEntryFile       = "index.lua"
	DefaultOnboardingDelay = time.Second
	DefaultReadBufferSize  = 32 * 1024
	DefaultQueueSize       = 16
	DefaultWriteTimeout    = 10 * time.Second
)

// ReloadSerial is the serial token carried by every RELOAD command.
const ReloadSerial = "0"

// LogFunc receives a LOG or ERROR line from a runtime. sourcePath is the
// runtime-relative script path, and may be empty.
type LogFunc func(text, sourcePath string)

// Option configures a Server.
type Option func(*Server)

// WithProvider sets the code provider. Required.
func WithProvider(p provider.CodeProvider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithPort sets the TCP port to listen on. Required; 0 picks a free port.
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
		s.portSet = true
	}
}

// WithAddress sets the host advertised in entry file URLs.
// Default: the first non-loopback IPv4 address.
func WithAddress(address string) Option {
	return func(s *Server) {
		s.address = address
	}
}

// WithBindHost sets the host the listener binds to. Default: all interfaces.
func WithBindHost(host string) Option {
	return func(s *Server) {
		s.bindHost = host
	}
}

// WithEntryFile sets the script runtimes launch. Default: index.lua.
func WithEntryFile(path string) Option {
	return func(s *Server) {
		s.entryFile = path
	}
}

// WithOnboardingDelay sets how long after accept a connection is sent the
// entry file. Default: 1s.
func WithOnboardingDelay(d time.Duration) Option {
	return func(s *Server) {
		s.onboardingDelay = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithReadBufferSize sets the per-connection socket read size.
func WithReadBufferSize(n int) Option {
	return func(s *Server) {
		s.readBufferSize = n
	}
}

// WithQueueSize sets how many unread chunks a connection may buffer before
// its reader blocks.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithWriteTimeout bounds every write to a connection. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// Server is the debug bridge. It accepts runtime connections on one TCP
// port, serves scripts from its code provider over the binary protocol or
// plain HTTP GET, and pushes reloads when sources change.
type Server struct {
	provider        provider.CodeProvider
	port            int
	portSet         bool
	address         string
	bindHost        string
	onboardingDelay time.Duration
	readBufferSize  int
	queueSize       int
	writeTimeout    time.Duration
	logger          *slog.Logger
	metrics         *Metrics

	registry *Registry
	nextID   atomic.Uint64

	mu        sync.RWMutex
	entryFile string
	listener  net.Listener
	boundPort int
	running   bool
	gen       uint64
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	cbMu     sync.RWMutex
	onLog    LogFunc
	onError  LogFunc
	onDevice func(ClientInfo)
	onClient func(info ClientInfo, connected bool)
}

// New creates a server. A code provider and a port are required.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		entryFile:       DefaultEntryFile,
		onboardingDelay: DefaultOnboardingDelay,
		readBufferSize:  DefaultReadBufferSize,
		queueSize:       DefaultQueueSize,
		writeTimeout:    DefaultWriteTimeout,
		registry:        NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.provider == nil {
		return nil, errors.New(errors.CodeProviderMissing)
	}
	if !s.portSet {
		return nil, errors.New(errors.CodePortMissing)
	}
	if s.port < 0 || s.port > 65535 {
		return nil, errors.New(errors.CodePortInvalid).
			WithDetail(fmt.Sprintf("port %d is outside 0-65535", s.port))
	}

	if s.logger == nil {
		s.logger = slog.Default().With("component", "bridge")
	}
	if s.address == "" {
		s.address = LocalIPv4()
	}
	if s.entryFile == "" {
		s.entryFile = DefaultEntryFile
	}
	s.entryFile = s.provider.Normalize(s.entryFile)
	if s.readBufferSize <= 0 {
		s.readBufferSize = DefaultReadBufferSize
	}
	if s.queueSize <= 0 {
		s.queueSize = DefaultQueueSize
	}
	return s, nil
}

// OnLog registers the callback for runtime LOG lines and bridge notices.
func (s *Server) OnLog(fn LogFunc) {
	s.cbMu.Lock()
	s.onLog = fn
	s.cbMu.Unlock()
}

// OnError registers the callback for runtime ERROR lines.
func (s *Server) OnError(fn LogFunc) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

// OnDevice registers a callback for DEVICE commands.
func (s *Server) OnDevice(fn func(ClientInfo)) {
	s.cbMu.Lock()
	s.onDevice = fn
	s.cbMu.Unlock()
}

// OnClient registers a callback for connections opening and closing.
func (s *Server) OnClient(fn func(info ClientInfo, connected bool)) {
	s.cbMu.Lock()
	s.onClient = fn
	s.cbMu.Unlock()
}

// Start begins listening and subscribes to source changes. Calling Start on
// a running server does nothing. Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.bindHost, strconv.Itoa(s.port)))
	if err != nil {
		s.mu.Unlock()
		return errors.New(errors.CodeListenFailed).
			WithDetail(fmt.Sprintf("port %d", s.port)).
			Wrap(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.boundPort = ln.Addr().(*net.TCPAddr).Port
	s.running = true
	s.gen++
	s.runCtx = runCtx
	s.cancel = cancel
	gen := s.gen
	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)
	s.mu.Unlock()

	s.provider.Subscribe(s.sourceChanged)

	go func() {
		<-runCtx.Done()
		s.stop(gen)
	}()

	s.logger.Info("bridge listening", "addr", ln.Addr().String(), "advertise", s.Addr(), "entry", s.EntryFile())
	s.emitLog(fmt.Sprintf("Please connect %s to start debugging", s.Addr()), "")
	return nil
}

// Stop closes the listener and every connection, and unsubscribes from the
// code provider. It blocks until connection goroutines have exited.
func (s *Server) Stop() {
	s.stop(0)
}

// stop stops the run identified by gen, or whichever run is active when gen
// is zero.
func (s *Server) stop(gen uint64) {
	s.mu.Lock()
	if !s.running || (gen != 0 && gen != s.gen) {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	ln.Close()
	s.provider.Subscribe(nil)
	for _, c := range s.registry.All() {
		c.Close()
	}
	s.wg.Wait()
	s.logger.Info("bridge stopped")
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Port returns the bound port once started, otherwise the configured one.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundPort != 0 {
		return s.boundPort
	}
	return s.port
}

// Addr returns the advertised host:port runtimes should connect to.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.address, strconv.Itoa(s.Port()))
}

// EntryFile returns the normalized entry file path.
func (s *Server) EntryFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryFile
}

// EntryURL returns the absolute URL runtimes load the entry file from.
func (s *Server) EntryURL() string {
	return "http://" + s.Addr() + "/" + s.EntryFile()
}

// ClientCount returns the number of connections that receive broadcasts.
func (s *Server) ClientCount() int {
	return s.registry.BroadcastLen()
}

// Clients returns a snapshot of every open connection.
func (s *Server) Clients() []ClientInfo {
	conns := s.registry.All()
	out := make([]ClientInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// SetEntryFile changes the entry file and sends ENTRY_FILE to every
// broadcast-eligible connection.
func (s *Server) SetEntryFile(path string) (int, error) {
	entry := s.provider.Normalize(path)
	s.mu.Lock()
	s.entryFile = entry
	running := s.running
	s.mu.Unlock()

	s.logger.Info("entry file changed", "path", entry)
	if !running {
		return 0, errors.New(errors.CodeNotStarted)
	}
	url := s.EntryURL()
	return s.broadcast(&protocol.EntryFileCommand{URL: url, RelativePath: entry}), nil
}

// Reload tells every broadcast-eligible connection to reload. With
// updateEntry the current entry file bytes are pushed first.
func (s *Server) Reload(updateEntry bool) (int, error) {
	s.mu.RLock()
	running, ctx := s.running, s.runCtx
	s.mu.RUnlock()
	if !running {
		return 0, errors.New(errors.CodeNotStarted)
	}

	var cmds []protocol.Command
	if updateEntry {
		cmds = append(cmds, s.updateCommand(ctx))
	}
	cmds = append(cmds, &protocol.ReloadCommand{Serial: ReloadSerial})
	n := s.broadcast(cmds...)
	s.logger.Info("reload", "update_entry", updateEntry, "clients", n)
	return n, nil
}

// sourceChanged is the code provider subscription.
func (s *Server) sourceChanged(path string) {
	changed := s.provider.Normalize(path)
	isEntry := changed == s.provider.Normalize(s.EntryFile())
	s.logger.Info("source changed", "path", changed, "entry", isEntry)
	if _, err := s.Reload(isEntry); err != nil {
		s.logger.Debug("reload skipped", "error", err)
	}
}

// updateCommand builds an UPDATE carrying the current entry file. Data is
// absent when the entry file cannot be fetched.
func (s *Server) updateCommand(ctx context.Context) *protocol.UpdateCommand {
	entry := s.EntryFile()
	cmd := &protocol.UpdateCommand{URL: s.EntryURL(), RelativePath: entry}
	data, err := s.fetch(ctx, entry)
	switch {
	case err == nil:
		cmd.Data = data
	case provider.IsNotFound(err):
		s.logger.Warn("entry file not found", "path", entry)
	default:
		s.logger.Warn("entry file fetch failed", "path", entry, "error", err)
	}
	return cmd
}

// broadcast writes cmds, in order and as one write, to every
// broadcast-eligible connection. It returns how many connections took them.
func (s *Server) broadcast(cmds ...protocol.Command) int {
	batch, err := encodeBatch(cmds)
	if err != nil {
		s.logger.Error("encode broadcast", "error", err)
		return 0
	}
	for _, cmd := range cmds {
		s.metrics.broadcast(cmd.Type())
	}

	sent := 0
	for _, c := range s.registry.Broadcastable() {
		if err := c.write(batch); err != nil {
			c.logger.Debug("broadcast write failed", "error", err)
			continue
		}
		for _, cmd := range cmds {
			s.metrics.frameOut(cmd.Type())
		}
		sent++
	}
	return sent
}

// onboard sends ENTRY_FILE, UPDATE and RELOAD to a connection that has not
// turned out to be an HTTP request.
func (s *Server) onboard(c *Conn) {
	if c.Closed() || c.IsHTTP() {
		return
	}
	entry := s.EntryFile()
	url := s.EntryURL()
	update := s.updateCommand(c.ctx)
	if c.Closed() || c.IsHTTP() {
		return
	}
	err := c.sendAll(
		&protocol.EntryFileCommand{URL: url, RelativePath: entry},
		update,
		&protocol.ReloadCommand{Serial: ReloadSerial},
	)
	if err != nil {
		c.logger.Debug("onboarding failed", "error", err)
		return
	}
	c.logger.Debug("onboarded", "entry", entry)
}

// fetch reads a file from the code provider, recording its latency. Failures
// other than not-found are tagged L401.
func (s *Server) fetch(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := s.provider.Fetch(ctx, path)
	switch {
	case err == nil:
		s.metrics.fetched(start, "ok")
		return data, nil
	case provider.IsNotFound(err):
		s.metrics.fetched(start, "not_found")
		return nil, err
	default:
		s.metrics.fetched(start, "error")
		return nil, errors.New(errors.CodeFetchFailed).WithDetail(path).Wrap(err)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	c := newConn(ctx, s, s.nextID.Add(1), nc)

	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		nc.Close()
		return
	}
	s.registry.Add(c)
	s.wg.Add(2)
	s.mu.RUnlock()

	s.metrics.connOpened(kindUnclassified)
	c.logger.Info("client connected")
	s.emitClient(c.Info(), true)

	c.armOnboarding(s.onboardingDelay, func() { s.onboard(c) })
	go c.readLoop()
	go c.processLoop()
}

// classified records a connection's protocol. HTTP connections leave the
// broadcast set and are never onboarded.
func (s *Server) classified(c *Conn, kind connKind) {
	c.kind.Store(int32(kind))
	s.metrics.connReclassified(kindUnclassified, kind)
	if kind == kindHTTP {
		s.registry.ExcludeFromBroadcast(c)
		c.stopOnboarding()
	}
	c.logger.Debug("classified", "kind", kind.String())
}

func (s *Server) removeConn(c *Conn) {
	if !s.registry.Remove(c) {
		return
	}
	s.metrics.connClosed(c.kindOf())
	if c.IsHTTP() {
		c.logger.Debug("http connection closed")
	} else {
		c.logger.Info("client disconnected")
	}
	s.emitClient(c.Info(), false)
}

func (s *Server) emitLog(text, sourcePath string) {
	s.cbMu.RLock()
	fn := s.onLog
	s.cbMu.RUnlock()
	if fn != nil {
		fn(text, sourcePath)
	}
}

func (s *Server) emitError(text, sourcePath string) {
	s.cbMu.RLock()
	fn := s.onError
	s.cbMu.RUnlock()
	if fn != nil {
		fn(text, sourcePath)
	}
}

func (s *Server) emitDevice(info ClientInfo) {
	s.cbMu.RLock()
	fn := s.onDevice
	s.cbMu.RUnlock()
	if fn != nil {
		fn(info)
	}
}

func (s *Server) emitClient(info ClientInfo, connected bool) {
	s.cbMu.RLock()
	fn := s.onClient
	s.cbMu.RUnlock()
	if fn != nil {
		fn(info, connected)
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// encodeBatch concatenates the frames of cmds.
func encodeBatch(cmds []protocol.Command) ([]byte, error) {
	var buf bytes.Buffer
	for _, cmd := range cmds {
		frame, err := protocol.EncodeCommand(cmd)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
		}
		buf.Write(frame)
	}
	return buf.Bytes(), nil
}
