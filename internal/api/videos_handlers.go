package api

import (
	"fmt"
	"net/http"
	"strings"
)

// Videos handles GET /videos, listing every video newest first.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Store.ListVideos())
}

// VideoByID handles GET /videos/{id} for status and DELETE for removing the
// video together with its artifacts on disk.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/videos/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		video, ok := h.Store.GetVideo(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
			return
		}
		writeJSON(w, http.StatusOK, video)
	case http.MethodDelete:
		if err := h.Uploads.DeleteVideo(id); err != nil {
			h.writeUploadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
