// Package bridge implements the live-reload debug bridge between an editor
// host and script runtimes on devices.
//
// A Server listens on a single TCP port. The first seven bytes of every
// connection decide what it speaks: a leading "GET" makes it a one-shot HTTP
// request for a source file, anything else is the binary command protocol
// from package protocol. Binary connections are onboarded shortly after they
// connect (ENTRY_FILE, UPDATE, RELOAD), can request files with
// GET_CODE_REQUEST, and forward LOG, ERROR and DEVICE commands to callbacks.
//
// Each connection runs a reader goroutine and a processing goroutine joined
// by a bounded chunk queue:
//
//	socket → readLoop → chunks → processLoop → classify → Demuxer → dispatch
//	                                                    ↘ HTTP fallback
//
// Source changes reported by the code provider are broadcast to every
// connection that has not been classified as HTTP: an UPDATE first when the
// entry file changed, then RELOAD.
package bridge
