package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/livepush/internal/errors"
	"github.com/vango-dev/livepush/internal/provider"
	"github.com/vango-dev/livepush/pkg/protocol"
)

type testEnv struct {
	srv *Server
	mem *provider.Memory
	reg *prometheus.Registry
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, files map[string]string, opts ...Option) *testEnv {
	t.Helper()
	src := make(map[string][]byte, len(files))
	for name, content := range files {
		src[name] = []byte(content)
	}
	mem := provider.NewMemory(src)
	reg := prometheus.NewRegistry()

	base := []Option{
		WithProvider(mem),
		WithPort(0),
		WithAddress("127.0.0.1"),
		WithBindHost("127.0.0.1"),
		WithOnboardingDelay(time.Hour),
		WithLogger(quietLogger()),
		WithMetrics(NewMetrics(WithRegisterer(reg))),
	}
	srv, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, mem: mem, reg: reg}
}

func (e *testEnv) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", e.srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return f
}

func writeCmd(t *testing.T, conn net.Conn, cmds ...protocol.Command) {
	t.Helper()
	batch, err := encodeBatch(cmds)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// metricValue returns the value of the counter or gauge sample whose labels
// include want.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue samples
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func rawHTTP(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	mem := provider.NewMemory(nil)

	tests := []struct {
		name string
		opts []Option
		code string
	}{
		{"no provider", []Option{WithPort(8176)}, errors.CodeProviderMissing},
		{"no port", []Option{WithProvider(mem)}, errors.CodePortMissing},
		{"negative port", []Option{WithProvider(mem), WithPort(-1)}, errors.CodePortInvalid},
		{"port too large", []Option{WithProvider(mem), WithPort(70000)}, errors.CodePortInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			if !errors.HasCode(err, tt.code) {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	srv, err := New(WithProvider(provider.NewMemory(nil)), WithPort(8176))
	if err != nil {
		t.Fatal(err)
	}
	if srv.EntryFile() != DefaultEntryFile {
		t.Errorf("EntryFile = %q, want %q", srv.EntryFile(), DefaultEntryFile)
	}
	if srv.address == "" {
		t.Error("address should be auto-detected")
	}
	if srv.Port() != 8176 {
		t.Errorf("Port = %d", srv.Port())
	}
	if srv.Running() {
		t.Error("New should not start the server")
	}
	if _, err := srv.Reload(false); !errors.HasCode(err, errors.CodeNotStarted) {
		t.Errorf("Reload before Start error = %v, want L303", err)
	}
}

func TestNew_NormalizesEntryFile(t *testing.T) {
	srv, err := New(WithProvider(provider.NewMemory(nil)), WithPort(0), WithEntryFile("/app/./main.lua"))
	if err != nil {
		t.Fatal(err)
	}
	if srv.EntryFile() != "app/main.lua" {
		t.Errorf("EntryFile = %q", srv.EntryFile())
	}
}

func TestServer_StartAnnounces(t *testing.T) {
	mem := provider.NewMemory(nil)
	srv, err := New(WithProvider(mem), WithPort(0), WithAddress("10.0.0.5"),
		WithBindHost("127.0.0.1"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	var lines []string
	srv.OnLog(func(text, _ string) { lines = append(lines, text) })

	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	want := "Please connect 10.0.0.5:" + strconv.Itoa(srv.Port()) + " to start debugging"
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("log lines = %q, want %q", lines, want)
	}
	if srv.Port() == 0 {
		t.Error("Port should report the bound port")
	}
	if !mem.Subscribed() {
		t.Error("Start should subscribe to the code provider")
	}
	if srv.EntryURL() != "http://10.0.0.5:"+strconv.Itoa(srv.Port())+"/index.lua" {
		t.Errorf("EntryURL = %q", srv.EntryURL())
	}

	// Start is idempotent.
	if err := srv.Start(context.Background()); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if len(lines) != 1 {
		t.Error("second Start should not announce again")
	}
}

func TestServer_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv, err := New(WithProvider(provider.NewMemory(nil)), WithPort(port),
		WithBindHost("127.0.0.1"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); !errors.HasCode(err, errors.CodeListenFailed) {
		t.Errorf("error = %v, want L301", err)
	}
}

func TestServer_Onboarding(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "print('hi')"},
		WithEntryFile("main.lua"), WithOnboardingDelay(20*time.Millisecond))
	conn := env.dial(t)
	url := "http://" + env.srv.Addr() + "/main.lua"

	f := readFrame(t, conn)
	if f.Type != protocol.MsgEntryFile {
		t.Fatalf("first frame = %v, want EntryFile", f.Type)
	}
	entry, err := protocol.UnmarshalEntryFileCommand(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if entry.URL != url || entry.RelativePath != "main.lua" {
		t.Errorf("entry = %+v", entry)
	}

	f = readFrame(t, conn)
	if f.Type != protocol.MsgUpdate {
		t.Fatalf("second frame = %v, want Update", f.Type)
	}
	update, err := protocol.UnmarshalUpdateCommand(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(update.Data) != "print('hi')" || update.RelativePath != "main.lua" || update.URL != url {
		t.Errorf("update = %+v", update)
	}

	f = readFrame(t, conn)
	if f.Type != protocol.MsgReload {
		t.Fatalf("third frame = %v, want Reload", f.Type)
	}
	reload, err := protocol.UnmarshalReloadCommand(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if reload.Serial != ReloadSerial {
		t.Errorf("serial = %q", reload.Serial)
	}
}

func TestServer_OnboardingSkippedForHTTP(t *testing.T) {
	env := newTestServer(t, map[string]string{"index.lua": "x"},
		WithOnboardingDelay(20*time.Millisecond))

	conn := env.dial(t)
	if _, err := conn.Write([]byte("GET /index.lua HTTP/1.1\r\n")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := conn.Write([]byte("Host: bridge\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("response = %q, want a bare HTTP response", data)
	}
}

func TestServer_GetCode(t *testing.T) {
	code := strings.Repeat("a", 42)
	env := newTestServer(t, map[string]string{"foo/bar.lua": code})
	conn := env.dial(t)

	writeCmd(t, conn, &protocol.GetCodeRequest{ID: 7, Path: "foo/bar.lua"})
	f := readFrame(t, conn)
	if f.Type != protocol.MsgGetCodeResponse {
		t.Fatalf("type = %v", f.Type)
	}
	resp, err := protocol.UnmarshalGetCodeResponse(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 7 || !resp.Found || len(resp.Code) != 42 || string(resp.Code) != code {
		t.Errorf("response = id %d found %v len %d", resp.ID, resp.Found, len(resp.Code))
	}
}

func TestServer_GetCodeAboveInboundLimit(t *testing.T) {
	big := strings.Repeat("-", protocol.MaxPayloadSize+1024*1024)
	env := newTestServer(t, map[string]string{"big.lua": big})
	conn := env.dial(t)

	writeCmd(t, conn, &protocol.GetCodeRequest{ID: 7, Path: "big.lua"})
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != protocol.MsgGetCodeResponse {
		t.Fatalf("type = %v", f.Type)
	}
	resp, err := protocol.UnmarshalGetCodeResponse(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 7 || !resp.Found || len(resp.Code) != len(big) {
		t.Errorf("response = id %d found %v len %d", resp.ID, resp.Found, len(resp.Code))
	}
}

func TestServer_OnboardingLargeEntry(t *testing.T) {
	big := strings.Repeat("-", protocol.MaxPayloadSize+1)
	env := newTestServer(t, map[string]string{"index.lua": big},
		WithOnboardingDelay(10*time.Millisecond))
	conn := env.dial(t)

	want := []protocol.MessageType{protocol.MsgEntryFile, protocol.MsgUpdate, protocol.MsgReload}
	for _, mt := range want {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.Type != mt {
			t.Fatalf("frame = %v, want %v", f.Type, mt)
		}
		if mt == protocol.MsgUpdate && len(f.Payload) <= len(big) {
			t.Errorf("update payload = %d bytes, want the whole entry file", len(f.Payload))
		}
	}
}

func TestServer_GetCodeMissingAndEmpty(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	writeCmd(t, conn,
		&protocol.GetCodeRequest{ID: 3, Path: "missing.lua"},
		&protocol.GetCodeRequest{ID: 4},
	)

	for _, wantID := range []int64{3, 4} {
		f := readFrame(t, conn)
		resp, err := protocol.UnmarshalGetCodeResponse(f.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if resp.ID != wantID || resp.Found || resp.Code != nil {
			t.Errorf("response = %+v, want id %d without code", resp, wantID)
		}
	}
	if env.mem.Fetches() != 1 {
		t.Errorf("Fetches = %d, want 1 (empty path is not fetched)", env.mem.Fetches())
	}
}

// gatedProvider blocks Fetch until the gate is closed.
type gatedProvider struct {
	*provider.Memory
	gate    chan struct{}
	entered chan string
}

func (g *gatedProvider) Fetch(ctx context.Context, path string) ([]byte, error) {
	g.entered <- path
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Memory.Fetch(ctx, path)
}

// lingeringProvider keeps Fetch busy for a while after its context ends.
type lingeringProvider struct {
	*provider.Memory
	entered  chan struct{}
	inFlight atomic.Int32
}

func (l *lingeringProvider) Fetch(ctx context.Context, path string) ([]byte, error) {
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	l.entered <- struct{}{}
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil, ctx.Err()
}

func TestServer_StopWaitsForOnboarding(t *testing.T) {
	lingering := &lingeringProvider{
		Memory:  provider.NewMemory(nil),
		entered: make(chan struct{}, 1),
	}
	env := newTestServer(t, nil, WithProvider(lingering), WithOnboardingDelay(time.Millisecond))
	env.dial(t)

	select {
	case <-lingering.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("onboarding never fetched the entry file")
	}
	env.srv.Stop()
	if n := lingering.inFlight.Load(); n != 0 {
		t.Errorf("%d entry fetches still running after Stop", n)
	}
}

func TestServer_GetCodeBlocksLaterFrames(t *testing.T) {
	code := strings.Repeat("b", 42)
	gated := &gatedProvider{
		Memory:  provider.NewMemory(map[string][]byte{"foo/bar.lua": []byte(code)}),
		gate:    make(chan struct{}),
		entered: make(chan string, 1),
	}
	env := newTestServer(t, nil, WithProvider(gated))
	logs := make(chan string, 4)
	env.srv.OnLog(func(text, _ string) { logs <- text })

	conn := env.dial(t)
	writeCmd(t, conn,
		&protocol.GetCodeRequest{ID: 7, Path: "foo/bar.lua"},
		&protocol.LogCommand{Text: "after"},
	)

	select {
	case p := <-gated.entered:
		if p != "foo/bar.lua" {
			t.Errorf("fetched %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}
	select {
	case l := <-logs:
		t.Fatalf("log %q handled before the fetch resolved", l)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.gate)
	f := readFrame(t, conn)
	resp, err := protocol.UnmarshalGetCodeResponse(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 7 || len(resp.Code) != 42 {
		t.Errorf("response id %d len %d", resp.ID, len(resp.Code))
	}

	select {
	case l := <-logs:
		if l != "after" {
			t.Errorf("log = %q", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame after the request was never handled")
	}
}

func TestServer_FragmentedRequest(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "ok"})
	conn := env.dial(t)

	frame, err := protocol.EncodeCommand(&protocol.GetCodeRequest{ID: 9, Path: "main.lua"})
	if err != nil {
		t.Fatal(err)
	}
	for i := range frame {
		if _, err := conn.Write(frame[i : i+1]); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	resp, err := protocol.UnmarshalGetCodeResponse(readFrame(t, conn).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 9 || string(resp.Code) != "ok" {
		t.Errorf("response = %+v", resp)
	}
}

func TestServer_Callbacks(t *testing.T) {
	env := newTestServer(t, nil)

	type line struct{ text, path string }
	var mu sync.Mutex
	var logs, errs []line
	devices := make(chan ClientInfo, 1)
	env.srv.OnLog(func(text, path string) {
		mu.Lock()
		logs = append(logs, line{text, path})
		mu.Unlock()
	})
	env.srv.OnError(func(text, path string) {
		mu.Lock()
		errs = append(errs, line{text, path})
		mu.Unlock()
	})
	env.srv.OnDevice(func(info ClientInfo) { devices <- info })

	conn := env.dial(t)
	writeCmd(t, conn,
		&protocol.LogCommand{Text: "hello", SourcePath: "main.lua"},
		&protocol.LogCommand{SourcePath: "empty.lua"},
		&protocol.ErrorCommand{Text: "oops", SourcePath: "lib.lua"},
		&protocol.DeviceCommand{Name: "Pixel", Model: "8 Pro"},
	)

	select {
	case info := <-devices:
		if info.Device == nil || info.Device.Name != "Pixel" || info.Device.Model != "8 Pro" {
			t.Errorf("device = %+v", info.Device)
		}
		if info.Kind != "binary" {
			t.Errorf("kind = %q", info.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device callback not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(logs) != 1 || logs[0] != (line{"hello", "main.lua"}) {
		t.Errorf("logs = %+v", logs)
	}
	if len(errs) != 1 || errs[0] != (line{"oops", "lib.lua"}) {
		t.Errorf("errors = %+v", errs)
	}

	clients := env.srv.Clients()
	if len(clients) != 1 || clients[0].Device == nil || clients[0].Device.Name != "Pixel" {
		t.Errorf("clients = %+v", clients)
	}
}

func TestServer_DropsBadFramesAndContinues(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "x"})
	conn := env.dial(t)

	unknown, _ := protocol.EncodeMessage(protocol.MessageType(99), []byte("junk"))
	malformed, _ := protocol.EncodeMessage(protocol.MsgLog, []byte{0xFF})
	conn.Write(unknown)
	writeCmd(t, conn, &protocol.ReloadCommand{Serial: "1"})
	conn.Write(malformed)
	writeCmd(t, conn, &protocol.GetCodeRequest{ID: 1, Path: "main.lua"})

	resp, err := protocol.UnmarshalGetCodeResponse(readFrame(t, conn).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 1 || string(resp.Code) != "x" {
		t.Errorf("response = %+v", resp)
	}

	for _, reason := range []string{"unknown_type", "outbound_only", "malformed_payload"} {
		got := metricValue(t, env.reg, "livepush_bridge_protocol_errors_total", map[string]string{"reason": reason})
		if got != 1 {
			t.Errorf("protocol_errors_total{reason=%q} = %v, want 1", reason, got)
		}
	}
}

func TestServer_BadLengthClosesConnection(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	header := []byte{protocol.MagicMessage, 0, 0, 0, 1, 0x7F, 0xFF, 0xFF, 0xFF}
	if _, err := conn.Write(header); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed")
	}
	eventually(t, func() bool { return env.srv.registry.Len() == 0 }, "connection removal")
	if got := metricValue(t, env.reg, "livepush_bridge_protocol_errors_total", map[string]string{"reason": "bad_length"}); got != 1 {
		t.Errorf("bad_length = %v, want 1", got)
	}
}

func TestServer_HTTP(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "print('http')", "dir/a.lua": "A"})
	base := "http://" + env.srv.Addr()

	resp, err := http.Get(base + "/main.lua")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "print('http')" {
		t.Errorf("GET main.lua = %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp.ContentLength != int64(len("print('http')")) {
		t.Errorf("Content-Length = %d", resp.ContentLength)
	}

	resp, err = http.Get(base + "/dir/a.lua")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "A" {
		t.Errorf("nested body = %q", body)
	}

	if got := metricValue(t, env.reg, "livepush_bridge_http_requests_total", map[string]string{"status": "200"}); got != 2 {
		t.Errorf("http_requests_total{status=200} = %v, want 2", got)
	}
}

func TestServer_HTTPNotFound(t *testing.T) {
	env := newTestServer(t, nil)

	resp := rawHTTP(t, env.srv.Addr(), "GET /missing.lua HTTP/1.1\r\nHost: bridge\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("status line of %q", resp)
	}
	if !strings.Contains(resp, "\r\nContent-Length: 0\r\n") {
		t.Errorf("response %q lacks Content-Length: 0", resp)
	}
	if !strings.HasSuffix(resp, "\r\n\r\n") {
		t.Errorf("response %q should have no body", resp)
	}
}

func TestServer_HTTPMethodsAndErrors(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "x"})

	tests := []struct {
		name    string
		request string
		status  string
	}{
		{"non-GET method", "GETX /main.lua HTTP/1.1\r\nHost: b\r\n\r\n", "HTTP/1.1 404 Not Found\r\n"},
		{"malformed", "GET /main.lua NOT-HTTP\r\n\r\n", "HTTP/1.1 400 Bad Request\r\n"},
		{"HTTP/1.0 request", "GET /main.lua HTTP/1.0\r\n\r\n", "HTTP/1.1 200 OK\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawHTTP(t, env.srv.Addr(), tt.request)
			if !strings.HasPrefix(resp, tt.status) {
				t.Errorf("response = %q, want prefix %q", resp, tt.status)
			}
		})
	}
}

func TestServer_ClassifyAcrossChunks(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "chunked"})
	conn := env.dial(t)

	conn.Write([]byte("GE"))
	time.Sleep(20 * time.Millisecond)
	if env.srv.ClientCount() != 1 {
		t.Error("a connection below the minimum header size stays unclassified")
	}
	conn.Write([]byte("T /main.lua HTTP/1.1\r\nHost: b\r\n\r\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(string(data), "chunked") {
		t.Errorf("response = %q", data)
	}
}

func TestServer_ReloadBroadcast(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "v1", "lib.lua": "x"}, WithEntryFile("main.lua"))

	a := env.dial(t)
	b := env.dial(t)
	h := env.dial(t)
	if _, err := h.Write([]byte("GET /main.lua HTTP/1.1\r\n")); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		return env.srv.registry.Len() == 3 && env.srv.ClientCount() == 2
	}, "HTTP classification")

	env.mem.Set("main.lua", []byte("v2"))

	for _, conn := range []net.Conn{a, b} {
		f := readFrame(t, conn)
		if f.Type != protocol.MsgUpdate {
			t.Fatalf("first frame = %v, want Update", f.Type)
		}
		update, err := protocol.UnmarshalUpdateCommand(f.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if string(update.Data) != "v2" || update.RelativePath != "main.lua" {
			t.Errorf("update = %+v", update)
		}
		if f := readFrame(t, conn); f.Type != protocol.MsgReload {
			t.Fatalf("second frame = %v, want Reload", f.Type)
		}
	}

	// A change to another file only reloads.
	env.mem.Set("lib.lua", []byte("y"))
	for _, conn := range []net.Conn{a, b} {
		if f := readFrame(t, conn); f.Type != protocol.MsgReload {
			t.Errorf("frame = %v, want Reload", f.Type)
		}
	}

	// The HTTP connection saw no frames: its first bytes are the response.
	if _, err := h.Write([]byte("Host: b\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	h.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(h)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(string(data), "v2") {
		t.Errorf("http response = %q", data)
	}

	if got := metricValue(t, env.reg, "livepush_bridge_broadcasts_total", map[string]string{"type": "Reload"}); got != 2 {
		t.Errorf("Reload broadcasts = %v, want 2", got)
	}
	if got := metricValue(t, env.reg, "livepush_bridge_broadcasts_total", map[string]string{"type": "Update"}); got != 1 {
		t.Errorf("Update broadcasts = %v, want 1", got)
	}
}

func TestServer_ManualReloadAndSetEntryFile(t *testing.T) {
	env := newTestServer(t, map[string]string{"main.lua": "m", "app/start.lua": "s"}, WithEntryFile("main.lua"))
	conn := env.dial(t)
	eventually(t, func() bool { return env.srv.ClientCount() == 1 }, "client registration")

	n, err := env.srv.Reload(false)
	if err != nil || n != 1 {
		t.Fatalf("Reload = %d, %v", n, err)
	}
	if f := readFrame(t, conn); f.Type != protocol.MsgReload {
		t.Errorf("frame = %v, want Reload", f.Type)
	}

	n, err = env.srv.SetEntryFile("/app/start.lua")
	if err != nil || n != 1 {
		t.Fatalf("SetEntryFile = %d, %v", n, err)
	}
	if env.srv.EntryFile() != "app/start.lua" {
		t.Errorf("EntryFile = %q", env.srv.EntryFile())
	}
	f := readFrame(t, conn)
	entry, err := protocol.UnmarshalEntryFileCommand(f.Payload)
	if err != nil || f.Type != protocol.MsgEntryFile {
		t.Fatalf("frame = %v, %v", f.Type, err)
	}
	if entry.RelativePath != "app/start.lua" || !strings.HasSuffix(entry.URL, "/app/start.lua") {
		t.Errorf("entry = %+v", entry)
	}

	n, err = env.srv.Reload(true)
	if err != nil || n != 1 {
		t.Fatalf("Reload(true) = %d, %v", n, err)
	}
	update, err := protocol.UnmarshalUpdateCommand(readFrame(t, conn).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(update.Data) != "s" {
		t.Errorf("update data = %q, want new entry bytes", update.Data)
	}
	if f := readFrame(t, conn); f.Type != protocol.MsgReload {
		t.Errorf("frame = %v, want Reload", f.Type)
	}
}

func TestServer_ClientEventsAndMetrics(t *testing.T) {
	env := newTestServer(t, nil)
	events := make(chan bool, 4)
	env.srv.OnClient(func(_ ClientInfo, connected bool) { events <- connected })

	conn := env.dial(t)
	select {
	case connected := <-events:
		if !connected {
			t.Error("first event should be a connect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connect event")
	}
	eventually(t, func() bool {
		return metricValue(t, env.reg, "livepush_bridge_connections", map[string]string{"kind": "unclassified"}) == 1
	}, "connections gauge")

	conn.Close()
	select {
	case connected := <-events:
		if connected {
			t.Error("second event should be a disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
	if got := metricValue(t, env.reg, "livepush_bridge_connections", map[string]string{"kind": "unclassified"}); got != 0 {
		t.Errorf("connections gauge = %v, want 0", got)
	}
	if got := metricValue(t, env.reg, "livepush_bridge_connections_accepted_total", nil); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
}

func TestServer_KeepAliveMetrics(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	if _, err := conn.Write(protocol.EncodePing()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		return metricValue(t, env.reg, "livepush_bridge_frames_total",
			map[string]string{"direction": "in", "type": "Ping"}) == 1
	}, "ping counted")

	if _, err := conn.Write(protocol.EncodePong()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		return metricValue(t, env.reg, "livepush_bridge_frames_total",
			map[string]string{"direction": "in", "type": "Pong"}) == 1
	}, "pong counted")
}

func TestServer_StopClosesConnections(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)
	eventually(t, func() bool { return env.srv.registry.Len() == 1 }, "registration")

	env.srv.Stop()
	if env.srv.Running() {
		t.Error("Running after Stop")
	}
	if env.srv.registry.Len() != 0 {
		t.Errorf("registry has %d connections after Stop", env.srv.registry.Len())
	}
	if env.mem.Subscribed() {
		t.Error("Stop should unsubscribe from the code provider")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed by Stop")
	}
	if _, err := env.srv.Reload(false); !errors.HasCode(err, errors.CodeNotStarted) {
		t.Errorf("Reload after Stop error = %v", err)
	}

	// A stopped server can start again.
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !env.srv.Running() {
		t.Error("restart should run")
	}
}

func TestServer_ContextCancelStops(t *testing.T) {
	srv, err := New(WithProvider(provider.NewMemory(nil)), WithPort(0),
		WithBindHost("127.0.0.1"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	eventually(t, func() bool { return !srv.Running() }, "stop on cancel")
}
