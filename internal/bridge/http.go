package bridge

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-dev/livepush/internal/provider"
)

// MaxHTTPHeaderBytes bounds the request head accepted on the HTTP fallback.
const MaxHTTPHeaderBytes = 64 * 1024

// httpLinger is how long a served HTTP connection keeps draining input after
// its write side is shut.
const httpLinger = 5 * time.Second

var headTerminator = []byte("\r\n\r\n")

// errHTTPDone ends an HTTP connection once its single response is written.
var errHTTPDone = stderrors.New("bridge: http exchange complete")

// httpExchange accumulates the request head of an HTTP-classified connection.
type httpExchange struct {
	head   []byte
	served bool
}

// feedHTTP buffers request bytes until the head is complete, then answers it.
// Bytes after the first request are discarded.
func (c *Conn) feedHTTP(chunk []byte) error {
	if c.http == nil {
		c.http = &httpExchange{}
	}
	x := c.http
	if x.served {
		return nil
	}

	x.head = append(x.head, chunk...)
	end := bytes.Index(x.head, headTerminator)
	if end < 0 {
		if len(x.head) > MaxHTTPHeaderBytes {
			return c.respondHTTP(http.StatusRequestHeaderFieldsTooLarge, nil)
		}
		return nil
	}

	head := x.head[:end+len(headTerminator)]
	x.head = nil
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		c.logger.Warn("bad http request", "error", err)
		c.server.metrics.protocolError("bad_http")
		return c.respondHTTP(http.StatusBadRequest, nil)
	}
	if req.Method != http.MethodGet {
		return c.respondHTTP(http.StatusNotFound, nil)
	}

	path := strings.TrimPrefix(req.URL.Path, "/")
	data, err := c.server.fetch(c.ctx, path)
	if err != nil {
		if !provider.IsNotFound(err) {
			c.logger.Warn("http fetch failed", "path", path, "error", err)
		}
		return c.respondHTTP(http.StatusNotFound, nil)
	}
	c.logger.Debug("http served", "path", path, "size", len(data))
	return c.respondHTTP(http.StatusOK, data)
}

// respondHTTP writes the single response of an HTTP connection and shuts its
// write side. Where the socket supports half-close, input keeps draining until
// the peer hangs up or httpLinger passes; otherwise the connection closes.
func (c *Conn) respondHTTP(status int, body []byte) error {
	c.http.served = true
	c.server.metrics.httpRequest(status)

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	if status == http.StatusOK {
		resp.Header.Set("Content-Type", "application/octet-stream")
	}
	if len(body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	var buf bytes.Buffer
	if err := resp.Write(&buf); err != nil {
		return err
	}
	if err := c.write(buf.Bytes()); err != nil {
		return err
	}

	hc, ok := c.nc.(interface{ CloseWrite() error })
	if !ok || status != http.StatusOK && status != http.StatusNotFound {
		return errHTTPDone
	}
	if err := hc.CloseWrite(); err != nil {
		return errHTTPDone
	}
	c.nc.SetReadDeadline(time.Now().Add(httpLinger))
	return nil
}

func httpStatusLabel(status int) string {
	return strconv.Itoa(status)
}
