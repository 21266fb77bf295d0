package api

import (
	"fmt"
	"net/http"

	"vodforge/internal/media"
)

type cleanupResponse struct {
	Cleaned int                `json:"cleaned"`
	Storage media.StorageStats `json:"storage"`
}

// StorageCleanup handles POST /storage/cleanup, forcing a collector sweep and
// reporting the storage picture it left behind.
func (h *Handler) StorageCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	report := h.Collector.Sweep()
	writeJSON(w, http.StatusOK, cleanupResponse{
		Cleaned: report.Cleaned(),
		Storage: h.Collector.Stats(),
	})
}

// StorageStats handles GET /storage/stats.
func (h *Handler) StorageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Collector.Stats())
}
