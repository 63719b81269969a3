package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame tests that decoding arbitrary bytes doesn't panic.
func FuzzDecodeFrame(f *testing.F) {
	data, _ := EncodeMessage(MsgLog, []byte{0x01, 0x02})
	f.Add(data)
	f.Add(EncodePing())
	f.Add([]byte{0x01, 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Should not panic
		_, _, _ = DecodeFrame(data)
		_, _ = ReadFrame(bytes.NewReader(data))
	})
}

// FuzzMessageRoundTrip checks encode → decode recovers type and payload.
func FuzzMessageRoundTrip(f *testing.F) {
	f.Add(int32(1), []byte{})
	f.Add(int32(8), []byte("0"))
	f.Add(int32(-5), []byte{0x04, 0x04, 0x01})

	f.Fuzz(func(t *testing.T, mt int32, payload []byte) {
		data, err := EncodeMessage(MessageType(mt), payload)
		if err != nil {
			t.Fatal(err)
		}
		frame, n, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if n != len(data) {
			t.Fatalf("consumed %d of %d", n, len(data))
		}
		if frame.Type != MessageType(mt) || !bytes.Equal(frame.Payload, payload) {
			t.Fatalf("round trip mismatch: %v %x", frame.Type, frame.Payload)
		}
	})
}

// FuzzUnmarshalCommands tests that command decoders don't panic.
func FuzzUnmarshalCommands(f *testing.F) {
	f.Add((&GetCodeRequest{ID: 7, Path: "foo/bar.lua"}).Marshal())
	f.Add((&UpdateCommand{URL: "http://x/y", RelativePath: "y", Data: []byte("z")}).Marshal())

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = UnmarshalGetCodeRequest(data)
		_, _ = UnmarshalGetCodeResponse(data)
		_, _ = UnmarshalLogCommand(data)
		_, _ = UnmarshalErrorCommand(data)
		_, _ = UnmarshalDeviceCommand(data)
		_, _ = UnmarshalEntryFileCommand(data)
		_, _ = UnmarshalUpdateCommand(data)
		_, _ = UnmarshalReloadCommand(data)
	})
}
