package protocol

// Size limits applied while decoding frames from untrusted peers.
const (
	// MaxPayloadSize is the largest payload an inbound message frame may
	// declare (16MB). Runtimes only send small commands; a larger declared
	// length is treated as a corrupt stream. Encoding is not limited by it.
	MaxPayloadSize = 16 * 1024 * 1024

	// MaxStringField limits string fields inside command payloads (1MB).
	MaxStringField = 1 * 1024 * 1024
)
