// Package console is the editor-facing side of the bridge.
//
// Hub streams runtime output (LOG and ERROR lines, DEVICE reports, connects
// and disconnects) to WebSocket clients as JSON events and accepts reload and
// entry-file commands from them. NewRouter mounts the hub next to a small
// admin API and the Prometheus metrics endpoint:
//
//	hub := console.NewHub(srv)
//	hub.Attach(srv)
//	http.ListenAndServe("127.0.0.1:8177", console.NewRouter(srv, hub, registry))
package console
