package bridge

import (
	"github.com/vango-dev/livepush/pkg/protocol"
)

// MessageHandler receives one decoded message frame. The payload aliases the
// demuxer's buffer and is only valid until the handler returns.
type MessageHandler func(mt protocol.MessageType, payload []byte) error

// Demuxer splits a binary byte stream into frames.
//
// Bytes that do not yet form a complete frame are kept as residue and
// prepended to the next chunk. A Demuxer is not safe for concurrent use; each
// connection owns one and feeds it from its processing goroutine.
type Demuxer struct {
	residue []byte

	handle      MessageHandler
	onKeepAlive func(kind protocol.FrameKind)
}

// NewDemuxer creates a demuxer that dispatches message frames to handle.
func NewDemuxer(handle MessageHandler) *Demuxer {
	return &Demuxer{handle: handle}
}

// OnKeepAlive sets a callback invoked for every ping or pong frame.
func (d *Demuxer) OnKeepAlive(fn func(kind protocol.FrameKind)) {
	d.onKeepAlive = fn
}

// Residue returns the bytes buffered for the next chunk.
func (d *Demuxer) Residue() []byte {
	return d.residue
}

// Feed appends chunk to the residue and dispatches every complete frame.
//
// A non-nil error means the stream is corrupt (a negative or oversized
// declared length) or the handler failed, and the connection should close.
func (d *Demuxer) Feed(chunk []byte) error {
	buf := chunk
	if len(d.residue) > 0 {
		buf = append(d.residue, chunk...)
		d.residue = nil
	}

	for {
		if len(buf) < protocol.MinHeaderSize {
			d.keep(buf)
			return nil
		}

		switch kind := protocol.KindOf(buf[0]); kind {
		case protocol.FramePing, protocol.FramePong:
			if d.onKeepAlive != nil {
				d.onKeepAlive(kind)
			}
			// The byte after the 7-byte header is skipped as well, and
			// whatever follows waits for the next chunk.
			if len(buf) > protocol.PingHeaderSize {
				d.keep(buf[protocol.PingHeaderSize+1:])
			} else {
				d.residue = nil
			}
			return nil
		}

		if len(buf) < protocol.MessageHeaderSize {
			d.keep(buf)
			return nil
		}
		mt, length, err := protocol.DecodeMessageHeader(buf)
		if err != nil {
			d.residue = nil
			return err
		}
		size := protocol.MessageSize(length)
		if len(buf) < size {
			d.keep(buf)
			return nil
		}

		payload := buf[protocol.MessageHeaderSize : protocol.MessageHeaderSize+length]
		if err := d.handle(mt, payload); err != nil {
			d.residue = nil
			return err
		}
		buf = buf[size:]

		if len(buf) == 0 {
			d.residue = nil
			return nil
		}
	}
}

// keep stores a private copy of b as residue.
func (d *Demuxer) keep(b []byte) {
	if len(b) == 0 {
		d.residue = nil
		return
	}
	d.residue = append([]byte(nil), b...)
}

