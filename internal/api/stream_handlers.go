package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"vodforge/internal/models"
)

// Stream serves HLS artifacts under /stream/{videoId}/{resolution}/{file}.
// Players embed from arbitrary origins, so the route answers CORS itself
// instead of going through the API allowlist.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/stream/"), "/")
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream file not found"))
		return
	}
	videoID, resolution, file := parts[0], parts[1], parts[2]
	if !safeSegment(videoID) || !safeSegment(file) || !models.ValidResolution(resolution) {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream file not found"))
		return
	}
	var contentType string
	switch {
	case strings.HasSuffix(file, ".m3u8"):
		contentType = "application/vnd.apple.mpegurl"
	case strings.HasSuffix(file, ".ts"):
		contentType = "video/mp2t"
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("stream file not found"))
		return
	}

	path := filepath.Join(h.Layout.RenditionDir(videoID, resolution), file)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream file not found"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.logger().Error("stat stream file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream file not found"))
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, file, info.ModTime(), f)
}

// safeSegment rejects path elements that could step outside the rendition
// directory once joined.
func safeSegment(part string) bool {
	if part == "" || part == "." || part == ".." {
		return false
	}
	return !strings.ContainsAny(part, `/\`)
}
