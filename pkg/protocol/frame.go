package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic tags. The first byte of every frame is one of the first three;
// MagicEnd terminates message frames.
const (
	MagicMessage byte = 0x01
	MagicPing    byte = 0x02
	MagicPong    byte = 0x03
	MagicEnd     byte = 0x04
)

// Frame sizes.
const (
	// PingHeaderSize is the fixed size of a ping frame.
	PingHeaderSize = 7

	// PongHeaderSize is the fixed size of a pong frame.
	PongHeaderSize = 7

	// MessageHeaderSize is magic + type + length.
	MessageHeaderSize = 9

	// MinHeaderSize is the smallest buffer worth inspecting. Nothing is
	// classified or decoded below this.
	MinHeaderSize = 7

	// EndMarkerSize is the trailing end marker of a message frame.
	EndMarkerSize = 1
)

// FrameKind identifies the kind of frame.
type FrameKind uint8

const (
	FrameMessage FrameKind = iota // Command message
	FramePing                     // Keep-alive ping
	FramePong                     // Keep-alive pong
)

// String returns the string representation of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "Message"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	default:
		return "Unknown"
	}
}

// KindOf maps a magic byte to a frame kind. Anything that is not a ping or
// pong is read as a message frame, which is how runtimes in the field treat
// the stream.
func KindOf(magic byte) FrameKind {
	switch magic {
	case MagicPing:
		return FramePing
	case MagicPong:
		return FramePong
	default:
		return FrameMessage
	}
}

// Frame errors.
var (
	ErrFrameTooLarge    = errors.New("protocol: frame payload too large")
	ErrNegativeLength   = errors.New("protocol: negative payload length")
	ErrMissingEndMarker = errors.New("protocol: missing end marker")
	ErrUnexpectedMagic  = errors.New("protocol: unexpected magic byte")
)

// Frame is one decoded unit of the wire protocol.
// Type and Payload are only meaningful for message frames.
type Frame struct {
	Kind    FrameKind
	Type    MessageType
	Payload []byte
}

// MessageSize returns the on-wire size of a message frame with the given
// payload length.
func MessageSize(payloadLen int) int {
	return MessageHeaderSize + payloadLen + EndMarkerSize
}

// checkPayloadLen reports whether n fits the int32 length field.
func checkPayloadLen(n int) error {
	if int64(n) > math.MaxInt32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return nil
}

// EncodeMessage encodes a message frame. Outbound payloads are only bounded by
// the int32 length field; MaxPayloadSize applies to what peers send us.
//
// Wire format:
//
//	[0x01][type int32 BE][len int32 BE][payload][0x04]
func EncodeMessage(mt MessageType, payload []byte) ([]byte, error) {
	if err := checkPayloadLen(len(payload)); err != nil {
		return nil, err
	}
	e := NewEncoderWithCap(MessageSize(len(payload)))
	e.WriteByte(MagicMessage)
	e.WriteInt32(int32(mt))
	e.WriteInt32(int32(len(payload)))
	e.WriteBytes(payload)
	e.WriteByte(MagicEnd)
	return e.Bytes(), nil
}

// EncodePing encodes a keep-alive ping frame.
func EncodePing() []byte {
	e := NewEncoderWithCap(PingHeaderSize)
	e.WriteByte(MagicPing)
	e.WriteZeros(PingHeaderSize - 1)
	return e.Bytes()
}

// EncodePong encodes a keep-alive pong frame.
func EncodePong() []byte {
	e := NewEncoderWithCap(PongHeaderSize)
	e.WriteByte(MagicPong)
	e.WriteZeros(PongHeaderSize - 1)
	return e.Bytes()
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	switch f.Kind {
	case FramePing:
		return EncodePing(), nil
	case FramePong:
		return EncodePong(), nil
	default:
		return EncodeMessage(f.Type, f.Payload)
	}
}

// DecodeMessageHeader decodes the 9-byte message header, returning the message
// type and the declared payload length. The length is only trustworthy once
// the whole header is present, so shorter input yields io.ErrUnexpectedEOF.
// Declared lengths above MaxPayloadSize are rejected.
func DecodeMessageHeader(data []byte) (MessageType, int, error) {
	mt, length, err := decodeHeader(data)
	if err != nil {
		return 0, 0, err
	}
	if length > MaxPayloadSize {
		return 0, 0, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}
	return mt, length, nil
}

func decodeHeader(data []byte) (MessageType, int, error) {
	if len(data) < MessageHeaderSize {
		return 0, 0, io.ErrUnexpectedEOF
	}
	d := NewDecoder(data)
	if err := d.Skip(1); err != nil {
		return 0, 0, err
	}
	mt, err := d.ReadInt32()
	if err != nil {
		return 0, 0, err
	}
	length, err := d.ReadInt32()
	if err != nil {
		return 0, 0, err
	}
	if length < 0 {
		return 0, 0, ErrNegativeLength
	}
	return MessageType(mt), int(length), nil
}

// DecodeFrame decodes one complete frame from the start of data and returns it
// with the number of bytes it occupied. Incomplete input yields
// io.ErrUnexpectedEOF. The payload is copied and safe to retain.
func DecodeFrame(data []byte) (*Frame, int, error) {
	if len(data) < 1 {
		return nil, 0, io.ErrUnexpectedEOF
	}
	kind := KindOf(data[0])
	switch kind {
	case FramePing, FramePong:
		if len(data) < PingHeaderSize {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return &Frame{Kind: kind}, PingHeaderSize, nil
	}

	if data[0] != MagicMessage {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnexpectedMagic, data[0])
	}
	mt, length, err := DecodeMessageHeader(data)
	if err != nil {
		return nil, 0, err
	}
	size := MessageSize(length)
	if len(data) < size {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if data[size-1] != MagicEnd {
		return nil, 0, ErrMissingEndMarker
	}
	payload := make([]byte, length)
	copy(payload, data[MessageHeaderSize:MessageHeaderSize+length])
	return &Frame{Kind: FrameMessage, Type: mt, Payload: payload}, size, nil
}

// ReadFrame reads a complete frame from an io.Reader. It is meant for clients
// of a bridge, so any non-negative int32 length is accepted; the body is read
// incrementally rather than allocated up front from the declared length.
func ReadFrame(r io.Reader) (*Frame, error) {
	var magic [1]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}

	switch kind := KindOf(magic[0]); kind {
	case FramePing, FramePong:
		rest := make([]byte, PingHeaderSize-1)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return &Frame{Kind: kind}, nil
	}
	if magic[0] != MagicMessage {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnexpectedMagic, magic[0])
	}

	header := make([]byte, MessageHeaderSize)
	header[0] = magic[0]
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return nil, err
	}
	mt, length, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}

	want := int64(length) + EndMarkerSize
	body, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) < want {
		return nil, io.ErrUnexpectedEOF
	}
	if body[length] != MagicEnd {
		return nil, ErrMissingEndMarker
	}

	return &Frame{
		Kind:    FrameMessage,
		Type:    mt,
		Payload: body[:length],
	}, nil
}

// WriteMessage writes a complete message frame to an io.Writer in one call.
func WriteMessage(w io.Writer, mt MessageType, payload []byte) error {
	data, err := EncodeMessage(mt, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
