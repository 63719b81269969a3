package bridge

import (
	"bytes"

	"github.com/vango-dev/livepush/pkg/protocol"
)

// connKind is a connection's protocol classification.
type connKind int32

const (
	kindUnclassified connKind = iota
	kindBinary
	kindHTTP
)

func (k connKind) String() string {
	switch k {
	case kindUnclassified:
		return "unclassified"
	case kindBinary:
		return "binary"
	case kindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

var httpGetPrefix = []byte("GET")

// classify decides the protocol spoken on a connection from its first bytes.
// It returns kindUnclassified until at least protocol.MinHeaderSize bytes are
// available; after that the answer is final.
func classify(buf []byte) connKind {
	if len(buf) < protocol.MinHeaderSize {
		return kindUnclassified
	}
	if bytes.HasPrefix(buf, httpGetPrefix) {
		return kindHTTP
	}
	return kindBinary
}
