package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"vodforge/internal/live"
	"vodforge/internal/media"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
	"vodforge/internal/upload"
)

type Handler struct {
	Store     storage.Repository
	Uploads   *upload.Coordinator
	Collector *media.Collector
	Layout    media.Layout
	Queue     transcode.Queue
	Gateway   *live.Gateway
	// Broker is the optional broker probe for /healthz; nil reports the
	// component as disabled (local mode).
	Broker Pinger
	Logger *slog.Logger
}

func NewHandler(store storage.Repository, uploads *upload.Coordinator) *Handler {
	return &Handler{Store: store, Uploads: uploads}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Health reports per-component availability: datastore, queue, broker, and
// the storage root. Any degraded component turns the response into a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// QueueStats reports job counts by lifecycle phase.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Store.QueueStats())
}

// Events upgrades the request onto the live event socket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		http.Error(w, "event gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	h.Gateway.HandleConnection(w, r)
}
