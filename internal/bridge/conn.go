package bridge

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/livepush/internal/errors"
	"github.com/vango-dev/livepush/pkg/protocol"
)

// Device describes the runtime on the other end of a binary connection, as
// reported by its DEVICE command.
type Device struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// ClientInfo is a snapshot of one connection.
type ClientInfo struct {
	ID          uint64    `json:"id"`
	Remote      string    `json:"remote"`
	Kind        string    `json:"kind"`
	ConnectedAt time.Time `json:"connectedAt"`
	Device      *Device   `json:"device,omitempty"`
}

var errConnClosed = stderrors.New("bridge: connection closed")

// Conn is one accepted socket.
//
// A reader goroutine pushes chunks into a bounded queue and a single
// processing goroutine drains it, so frames from one connection are handled
// strictly in arrival order. Writes from any goroutine are serialized by
// writeMu.
type Conn struct {
	id          uint64
	ctx         context.Context
	nc          net.Conn
	server      *Server
	logger      *slog.Logger
	connectedAt time.Time

	kind   atomic.Int32
	device atomic.Pointer[Device]

	// Owned by the processing goroutine.
	pending []byte
	demux   *Demuxer
	http    *httpExchange

	chunks    chan []byte
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

func newConn(ctx context.Context, s *Server, id uint64, nc net.Conn) *Conn {
	c := &Conn{
		id:          id,
		ctx:         ctx,
		nc:          nc,
		server:      s,
		connectedAt: time.Now(),
		chunks:      make(chan []byte, s.queueSize),
		done:        make(chan struct{}),
	}
	c.logger = s.logger.With("conn", id, "remote", c.Remote())
	c.demux = NewDemuxer(c.dispatch)
	c.demux.OnKeepAlive(s.metrics.keepAlive)
	return c
}

// ID returns the connection's server-unique identifier.
func (c *Conn) ID() uint64 {
	return c.id
}

// Remote returns the peer address.
func (c *Conn) Remote() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) kindOf() connKind {
	return connKind(c.kind.Load())
}

// IsHTTP reports whether the connection was classified as an HTTP request.
func (c *Conn) IsHTTP() bool {
	return c.kindOf() == kindHTTP
}

// Device returns the device the runtime reported, or nil.
func (c *Conn) Device() *Device {
	return c.device.Load()
}

// Info returns a snapshot of the connection.
func (c *Conn) Info() ClientInfo {
	return ClientInfo{
		ID:          c.id,
		Remote:      c.Remote(),
		Kind:        c.kindOf().String(),
		ConnectedAt: c.connectedAt,
		Device:      c.Device(),
	}
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// armOnboarding schedules fn once after delay. Close cancels it. A pending
// or running fn counts against the server's wait group, so Stop waits for it.
func (c *Conn) armOnboarding(delay time.Duration, fn func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.Closed() {
		return
	}
	wg := &c.server.wg
	wg.Add(1)
	c.timer = time.AfterFunc(delay, func() {
		defer wg.Done()
		fn()
	})
}

func (c *Conn) stopOnboarding() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		if c.timer.Stop() {
			c.server.wg.Done()
		}
		c.timer = nil
	}
}

// readLoop copies socket reads into the chunk queue. It closes the queue when
// the socket fails, which ends the processing goroutine.
func (c *Conn) readLoop() {
	defer c.server.wg.Done()
	defer close(c.chunks)

	buf := make([]byte, c.server.readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.server.metrics.received(n)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			switch {
			case c.Closed(), stderrors.Is(err, io.EOF), stderrors.Is(err, net.ErrClosed):
			case c.IsHTTP():
				c.logger.Debug("http read ended", "error", err)
			default:
				c.logger.Warn("read failed", "error", err)
			}
			return
		}
	}
}

// processLoop is the connection's only consumer of inbound bytes.
func (c *Conn) processLoop() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return
			}
			if err := c.process(chunk); err != nil {
				if !stderrors.Is(err, errConnClosed) && !stderrors.Is(err, errHTTPDone) {
					c.logger.Warn("closing connection", "error", err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// process routes one chunk according to the connection's classification.
func (c *Conn) process(chunk []byte) error {
	switch c.kindOf() {
	case kindBinary:
		return c.feedBinary(chunk)
	case kindHTTP:
		return c.feedHTTP(chunk)
	}

	c.pending = append(c.pending, chunk...)
	kind := classify(c.pending)
	if kind == kindUnclassified {
		return nil
	}
	buf := c.pending
	c.pending = nil
	c.server.classified(c, kind)
	if kind == kindHTTP {
		return c.feedHTTP(buf)
	}
	return c.feedBinary(buf)
}

func (c *Conn) feedBinary(chunk []byte) error {
	err := c.demux.Feed(chunk)
	if err != nil && (stderrors.Is(err, protocol.ErrFrameTooLarge) || stderrors.Is(err, protocol.ErrNegativeLength)) {
		c.server.metrics.protocolError("bad_length")
	}
	return err
}

// send encodes a command and writes it as one frame.
func (c *Conn) send(cmd protocol.Command) error {
	return c.sendAll(cmd)
}

// sendAll writes cmds back to back in a single write, so no other frame can
// land between them.
func (c *Conn) sendAll(cmds ...protocol.Command) error {
	batch, err := encodeBatch(cmds)
	if err != nil {
		return err
	}
	if err := c.write(batch); err != nil {
		return err
	}
	for _, cmd := range cmds {
		c.server.metrics.frameOut(cmd.Type())
		c.logger.Debug("sent", "type", cmd.Type().String())
	}
	return nil
}

// write writes b in full under the write lock. A failed write tears the
// connection down.
func (c *Conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return errConnClosed
	}
	if c.server.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	}
	n, err := c.nc.Write(b)
	c.server.metrics.sent(n)
	if err != nil {
		c.Close()
		return errors.New(errors.CodeWriteFailed).WithDetail(c.Remote()).Wrap(err)
	}
	return nil
}

// Close tears the connection down and removes it from the server.
// It is safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.stopOnboarding()
		err = c.nc.Close()
		c.server.removeConn(c)
	})
	return err
}
