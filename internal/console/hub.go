package console

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/livepush/internal/bridge"
)

// EventType identifies a console event.
type EventType string

const (
	EventHello      EventType = "hello"
	EventLog        EventType = "log"
	EventError      EventType = "error"
	EventDevice     EventType = "device"
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
	EventReload     EventType = "reload"
	EventEntry      EventType = "entry"
)

// Event is sent to console clients as a JSON text message.
type Event struct {
	Type      EventType           `json:"type"`
	Text      string              `json:"text,omitempty"`
	Path      string              `json:"path,omitempty"`
	Client    *bridge.ClientInfo  `json:"client,omitempty"`
	Clients   []bridge.ClientInfo `json:"clients,omitempty"`
	Count     int                 `json:"count,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// CommandType identifies a command sent by a console client.
type CommandType string

const (
	CommandReload CommandType = "reload"
	CommandEntry  CommandType = "entry"
)

// Command is a JSON message received from a console client.
type Command struct {
	Type        CommandType `json:"type"`
	UpdateEntry bool        `json:"updateEntry,omitempty"`
	Path        string      `json:"path,omitempty"`
}

// Controller is the part of the bridge the console drives.
type Controller interface {
	Reload(updateEntry bool) (int, error)
	SetEntryFile(path string) (int, error)
	EntryFile() string
	EntryURL() string
	Addr() string
	Clients() []bridge.ClientInfo
	ClientCount() int
}

const (
	// queueSize is how many events may wait for one console client. A client
	// that falls further behind is disconnected.
	queueSize = 64

	writeWait = 5 * time.Second
)

// consoleClient is one editor connection. Events are queued on send and
// written by the client's own goroutine.
type consoleClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConsoleClient(conn *websocket.Conn) *consoleClient {
	return &consoleClient{
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (c *consoleClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub fans bridge events out to editor-side WebSocket clients and accepts
// reload commands from them. Publishing never waits on a client's socket.
type Hub struct {
	ctl      Controller
	clients  map[*consoleClient]struct{}
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a hub driving ctl.
func NewHub(ctl Controller) *Hub {
	return &Hub{
		ctl:     ctl,
		clients: make(map[*consoleClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local tooling; editors connect from arbitrary origins
			},
		},
		logger: slog.Default().With("component", "console"),
	}
}

// SetLogger sets the hub's logger.
func (h *Hub) SetLogger(logger *slog.Logger) {
	h.logger = logger
}

// Attach forwards the server's runtime events to the hub.
func (h *Hub) Attach(srv *bridge.Server) {
	srv.OnLog(h.Log)
	srv.OnError(h.Error)
	srv.OnDevice(h.Device)
	srv.OnClient(h.Client)
}

// Log publishes a runtime LOG line.
func (h *Hub) Log(text, path string) {
	h.Publish(Event{Type: EventLog, Text: text, Path: path})
}

// Error publishes a runtime ERROR line.
func (h *Hub) Error(text, path string) {
	h.Publish(Event{Type: EventError, Text: text, Path: path})
}

// Device publishes a DEVICE report.
func (h *Hub) Device(info bridge.ClientInfo) {
	h.Publish(Event{Type: EventDevice, Client: &info})
}

// Client publishes a runtime connecting or disconnecting.
func (h *Hub) Client(info bridge.ClientInfo, connected bool) {
	typ := EventDisconnect
	if connected {
		typ = EventConnect
	}
	h.Publish(Event{Type: typ, Client: &info})
}

// HandleWebSocket upgrades the request and serves one console client until
// it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := newConsoleClient(conn)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(c)

	h.send(c, Event{
		Type:    EventHello,
		Text:    h.ctl.Addr(),
		Path:    h.ctl.EntryFile(),
		Clients: h.ctl.Clients(),
		Count:   h.ctl.ClientCount(),
	})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
				h.send(c, Event{Type: EventError, Text: "invalid command: " + err.Error()})
				continue
			}
			break
		}
		h.handleCommand(c, cmd)
	}

	h.remove(c)
}

func (h *Hub) handleCommand(c *consoleClient, cmd Command) {
	switch cmd.Type {
	case CommandReload:
		n, err := h.ctl.Reload(cmd.UpdateEntry)
		if err != nil {
			h.send(c, Event{Type: EventError, Text: err.Error()})
			return
		}
		h.Publish(Event{Type: EventReload, Count: n})
	case CommandEntry:
		if cmd.Path == "" {
			h.send(c, Event{Type: EventError, Text: "entry command needs a path"})
			return
		}
		n, err := h.ctl.SetEntryFile(cmd.Path)
		if err != nil {
			h.send(c, Event{Type: EventError, Text: err.Error()})
			return
		}
		h.Publish(Event{Type: EventEntry, Path: h.ctl.EntryFile(), Text: h.ctl.EntryURL(), Count: n})
	default:
		h.send(c, Event{Type: EventError, Text: "unknown command " + string(cmd.Type)})
	}
}

// Publish queues ev for every connected console client.
func (h *Hub) Publish(ev Event) {
	data, err := h.marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*consoleClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.enqueue(c, data)
	}
}

func (h *Hub) send(c *consoleClient, ev Event) {
	if data, err := h.marshal(ev); err == nil {
		h.enqueue(c, data)
	}
}

func (h *Hub) marshal(ev Event) ([]byte, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
	}
	return data, err
}

// enqueue hands data to c without blocking. A full queue drops the client.
func (h *Hub) enqueue(c *consoleClient, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("console client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// writeLoop is the only writer on c's socket.
func (h *Hub) writeLoop(c *consoleClient) {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *consoleClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected console clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all console connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}
