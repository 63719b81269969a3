package console

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/livepush/internal/errors"
)

// Status is the body of GET /clients and the reply to admin commands.
type Status struct {
	Addr      string      `json:"addr"`
	EntryFile string      `json:"entryFile"`
	EntryURL  string      `json:"entryUrl"`
	Count     int         `json:"count"`
	Clients   interface{} `json:"clients,omitempty"`
	Reached   *int        `json:"reached,omitempty"`
}

type entryRequest struct {
	Path string `json:"path"`
}

// NewRouter builds the admin HTTP API:
//
//	GET  /healthz   liveness
//	GET  /metrics   Prometheus metrics from gatherer
//	GET  /console   console WebSocket
//	GET  /clients   connected runtimes
//	POST /reload    reload every runtime (?entry=true pushes the entry file first)
//	PUT  /entry     change the entry file, body {"path": "..."}
func NewRouter(ctl Controller, hub *Hub, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if hub != nil {
		r.Get("/console", hub.HandleWebSocket)
	}

	r.Get("/clients", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Addr:      ctl.Addr(),
			EntryFile: ctl.EntryFile(),
			EntryURL:  ctl.EntryURL(),
			Count:     ctl.ClientCount(),
			Clients:   ctl.Clients(),
		})
	})

	r.Post("/reload", func(w http.ResponseWriter, r *http.Request) {
		updateEntry, _ := strconv.ParseBool(r.URL.Query().Get("entry"))
		n, err := ctl.Reload(updateEntry)
		if err != nil {
			writeError(w, err)
			return
		}
		if hub != nil {
			hub.Publish(Event{Type: EventReload, Count: n})
		}
		writeJSON(w, http.StatusOK, Status{
			Addr:      ctl.Addr(),
			EntryFile: ctl.EntryFile(),
			EntryURL:  ctl.EntryURL(),
			Count:     ctl.ClientCount(),
			Reached:   &n,
		})
	})

	r.Put("/entry", func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, `body must be {"path": "<relative path>"}`, http.StatusBadRequest)
			return
		}
		n, err := ctl.SetEntryFile(req.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		if hub != nil {
			hub.Publish(Event{Type: EventEntry, Path: ctl.EntryFile(), Text: ctl.EntryURL(), Count: n})
		}
		writeJSON(w, http.StatusOK, Status{
			Addr:      ctl.Addr(),
			EntryFile: ctl.EntryFile(),
			EntryURL:  ctl.EntryURL(),
			Count:     ctl.ClientCount(),
			Reached:   &n,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps bridge errors to HTTP statuses. A stopped bridge is 503.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.HasCode(err, errors.CodeNotStarted) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]*errors.Error{
		"error": errors.FromError(err, errors.CodeCommandFailed),
	})
}
