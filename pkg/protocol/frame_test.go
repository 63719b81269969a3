package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

func TestEncodeMessageLayout(t *testing.T) {
	data, err := EncodeMessage(MsgReload, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	want := []byte{
		0x01,                   // magic
		0x00, 0x00, 0x00, 0x08, // type
		0x00, 0x00, 0x00, 0x02, // length
		0xAA, 0xBB, // payload
		0x04, // end
	}
	if !bytes.Equal(data, want) {
		t.Errorf("EncodeMessage() = % x, want % x", data, want)
	}
	if len(data) != MessageSize(2) {
		t.Errorf("len = %d, want %d", len(data), MessageSize(2))
	}
}

func TestFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantLen int
	}{
		{
			name:    "empty_payload",
			frame:   Frame{Kind: FrameMessage, Type: MsgReload, Payload: []byte{}},
			wantLen: MessageHeaderSize + EndMarkerSize,
		},
		{
			name:    "with_payload",
			frame:   Frame{Kind: FrameMessage, Type: MsgLog, Payload: []byte("hello")},
			wantLen: MessageHeaderSize + 5 + EndMarkerSize,
		},
		{
			name:    "unknown_type",
			frame:   Frame{Kind: FrameMessage, Type: MessageType(-42), Payload: []byte{0x00, 0x04, 0x01}},
			wantLen: MessageHeaderSize + 3 + EndMarkerSize,
		},
		{
			name:    "large_payload",
			frame:   Frame{Kind: FrameMessage, Type: MsgUpdate, Payload: bytes.Repeat([]byte{0x5A}, 70000)},
			wantLen: MessageHeaderSize + 70000 + EndMarkerSize,
		},
		{
			name:    "ping",
			frame:   Frame{Kind: FramePing},
			wantLen: PingHeaderSize,
		},
		{
			name:    "pong",
			frame:   Frame{Kind: FramePong},
			wantLen: PongHeaderSize,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := tc.frame.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(encoded) != tc.wantLen {
				t.Errorf("Encode() length = %d, want %d", len(encoded), tc.wantLen)
			}

			decoded, n, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if n != len(encoded) {
				t.Errorf("DecodeFrame() consumed %d, want %d", n, len(encoded))
			}
			if decoded.Kind != tc.frame.Kind {
				t.Errorf("Decoded kind = %v, want %v", decoded.Kind, tc.frame.Kind)
			}
			if decoded.Type != tc.frame.Type {
				t.Errorf("Decoded type = %v, want %v", decoded.Type, tc.frame.Type)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Decoded payload length = %d, want %d", len(decoded.Payload), len(tc.frame.Payload))
			}
		})
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	full, err := EncodeMessage(MsgLog, []byte("abcdef"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(full); i++ {
		_, _, err := DecodeFrame(full[:i])
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("DecodeFrame(%d bytes) error = %v, want io.ErrUnexpectedEOF", i, err)
		}
	}
}

func TestDecodeFrameMissingEnd(t *testing.T) {
	data, _ := EncodeMessage(MsgLog, []byte("x"))
	data[len(data)-1] = 0x00

	_, _, err := DecodeFrame(data)
	if !errors.Is(err, ErrMissingEndMarker) {
		t.Errorf("DecodeFrame() error = %v, want ErrMissingEndMarker", err)
	}
}

func TestDecodeMessageHeader(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		data, _ := EncodeMessage(MsgDevice, make([]byte, 300))
		mt, length, err := DecodeMessageHeader(data)
		if err != nil {
			t.Fatalf("DecodeMessageHeader() error = %v", err)
		}
		if mt != MsgDevice || length != 300 {
			t.Errorf("DecodeMessageHeader() = (%v, %d), want (Device, 300)", mt, length)
		}
	})

	t.Run("short", func(t *testing.T) {
		_, _, err := DecodeMessageHeader([]byte{0x01, 0, 0, 0, 1, 0, 0, 0})
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("error = %v, want io.ErrUnexpectedEOF", err)
		}
	})

	t.Run("negative", func(t *testing.T) {
		_, _, err := DecodeMessageHeader([]byte{0x01, 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF})
		if !errors.Is(err, ErrNegativeLength) {
			t.Errorf("error = %v, want ErrNegativeLength", err)
		}
	})

	t.Run("too_large", func(t *testing.T) {
		_, _, err := DecodeMessageHeader([]byte{0x01, 0, 0, 0, 1, 0x7F, 0xFF, 0xFF, 0xFF})
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("error = %v, want ErrFrameTooLarge", err)
		}
	})
}

func TestCheckPayloadLen(t *testing.T) {
	tests := []struct {
		n       int
		wantErr bool
	}{
		{0, false},
		{MaxPayloadSize + 1, false},
		{math.MaxInt32, false},
		{math.MaxInt32 + 1, true},
	}
	for _, tt := range tests {
		err := checkPayloadLen(tt.n)
		if tt.wantErr != errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("checkPayloadLen(%d) = %v", tt.n, err)
		}
	}
}

func TestEncodeMessageAboveInboundLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, MaxPayloadSize+1)
	data, err := EncodeMessage(MsgUpdate, payload)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	// Peers reading a bridge accept it; the buffer decoder keeps the limit.
	f, err := ReadFrame(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Type != MsgUpdate || len(f.Payload) != len(payload) {
		t.Errorf("ReadFrame() = %v with %d bytes", f.Type, len(f.Payload))
	}
	if _, _, err := DecodeFrame(data); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("DecodeFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameDeclaredLengthNotAllocated(t *testing.T) {
	header := []byte{MagicMessage, 0, 0, 0, 7, 0x7F, 0xFF, 0xFF, 0xFF, 'a', 'b'}
	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		magic byte
		want  FrameKind
	}{
		{MagicMessage, FrameMessage},
		{MagicPing, FramePing},
		{MagicPong, FramePong},
		{MagicEnd, FrameMessage},
		{0xFF, FrameMessage},
	}
	for _, tc := range tests {
		if got := KindOf(tc.magic); got != tc.want {
			t.Errorf("KindOf(0x%02x) = %v, want %v", tc.magic, got, tc.want)
		}
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteMessage(&buf, MsgGetCodeResponse, []byte("one")); err != nil {
		t.Fatal(err)
	}
	buf.Write(EncodePing())
	if err := WriteMessage(&buf, MsgReload, nil); err != nil {
		t.Fatal(err)
	}

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Type != MsgGetCodeResponse || string(f.Payload) != "one" {
		t.Errorf("first frame = %v %q", f.Type, f.Payload)
	}

	f, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Kind != FramePing {
		t.Errorf("second frame kind = %v, want Ping", f.Kind)
	}

	f, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Type != MsgReload || len(f.Payload) != 0 {
		t.Errorf("third frame = %v %q", f.Type, f.Payload)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	data, _ := EncodeMessage(MsgLog, []byte("truncated"))
	_, err := ReadFrame(bytes.NewReader(data[:len(data)-3]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrameKindString(t *testing.T) {
	tests := []struct {
		kind FrameKind
		want string
	}{
		{FrameMessage, "Message"},
		{FramePing, "Ping"},
		{FramePong, "Pong"},
		{FrameKind(99), "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("FrameKind(%d).String() = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
