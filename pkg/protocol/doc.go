// Package protocol implements the binary wire protocol spoken between livepush
// and remote Lua runtimes.
//
// The protocol is a plain length-prefixed framing over a TCP stream. It carries
// a small closed set of commands: code requests and responses, log and error
// relays, device information, and the entry-file / update / reload pushes that
// drive live code reloading.
//
// # Wire Format
//
// Message frames carry a 9-byte header, the payload, and a trailing end marker:
//
//	┌───────┬──────────────────┬──────────────────┬─────────────┬──────┐
//	│ Magic │ Message Type     │ Payload Length L │ Payload     │ End  │
//	│ 0x01  │ (int32, BE)      │ (int32, BE)      │ (L bytes)   │ 0x04 │
//	└───────┴──────────────────┴──────────────────┴─────────────┴──────┘
//
// Keep-alive frames are a fixed 7-byte header whose first byte is 0x02 (ping)
// or 0x03 (pong). They carry no payload.
//
// # Payloads
//
// Command bodies use the protobuf wire format (see message.go). Each command has
// a Marshal method producing the payload and a matching Unmarshal function.
//
// # Usage Example
//
//	payload := (&GetCodeResponse{ID: 7, Code: code, Found: true}).Marshal()
//	frame, err := EncodeMessage(MsgGetCodeResponse, payload)
//	if err != nil {
//	    return err
//	}
//	conn.Write(frame)
//
//	// Blocking clients can read whole frames:
//	f, err := ReadFrame(conn)
//
// # File Structure
//
//   - encoder.go: Binary encoder for frame headers
//   - decoder.go: Binary decoder for frame headers
//   - frame.go: Frame constants, encoding, decoding and stream I/O
//   - message.go: Message types and command payloads
//   - limits.go: Size limits
package protocol
