package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"vodforge/internal/media"
	"vodforge/internal/models"
)

func seedRendition(t *testing.T, layout media.Layout, videoID, resolution string) (playlist string, segment []byte) {
	t.Helper()
	if err := layout.EnsureRenditionDirs(videoID, []string{resolution}); err != nil {
		t.Fatalf("EnsureRenditionDirs: %v", err)
	}
	playlist = "#EXTM3U\n#EXT-X-VERSION:3\nseg_000.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(layout.PlaylistPath(videoID, resolution), []byte(playlist), 0o644); err != nil {
		t.Fatalf("seed playlist: %v", err)
	}
	segment = []byte{0x47, 0x40, 0x00, 0x10, 0x00}
	segPath := filepath.Join(layout.RenditionDir(videoID, resolution), "seg_000.ts")
	if err := os.WriteFile(segPath, segment, 0o644); err != nil {
		t.Fatalf("seed segment: %v", err)
	}
	return playlist, segment
}

func TestStreamServesPlaylistAndSegment(t *testing.T) {
	handler, _ := newTestHandler(t)
	playlist, segment := seedRendition(t, handler.Layout, "vid123", models.ResolutionLow)

	req := httptest.NewRequest(http.MethodGet, "/stream/vid123/low/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.Stream(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("expected playlist content type, got %q", ct)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected permissive CORS, got %q", origin)
	}
	if rec.Body.String() != playlist {
		t.Fatalf("playlist body mismatch: %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/stream/vid123/low/seg_000.ts", nil)
	rec = httptest.NewRecorder()
	handler.Stream(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Fatalf("expected segment content type, got %q", ct)
	}
	if cl := rec.Header().Get("Content-Length"); cl != strconv.Itoa(len(segment)) {
		t.Fatalf("expected content length %d, got %q", len(segment), cl)
	}
	if rec.Body.String() != string(segment) {
		t.Fatalf("segment body mismatch")
	}
}

func TestStreamSupportsRangeRequests(t *testing.T) {
	handler, _ := newTestHandler(t)
	_, segment := seedRendition(t, handler.Layout, "vid123", models.ResolutionLow)

	req := httptest.NewRequest(http.MethodGet, "/stream/vid123/low/seg_000.ts", nil)
	req.Header.Set("Range", "bytes=0-1")
	rec := httptest.NewRecorder()
	handler.Stream(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected status 206, got %d", rec.Code)
	}
	if rec.Body.Len() != 2 || rec.Body.String() != string(segment[:2]) {
		t.Fatalf("unexpected range body %q", rec.Body.String())
	}
}

func TestStreamAnswersPreflight(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/stream/vid123/low/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.Stream(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); methods != "GET, HEAD, OPTIONS" {
		t.Fatalf("unexpected allow methods %q", methods)
	}
}

func TestStreamRejectsBadPaths(t *testing.T) {
	handler, _ := newTestHandler(t)
	seedRendition(t, handler.Layout, "vid123", models.ResolutionLow)

	paths := []string{
		"/stream/vid123/low/missing.ts",
		"/stream/vid123/ultra/playlist.m3u8",
		"/stream/vid123/low",
		"/stream/vid123/low/seg_000.ts/extra",
		"/stream/other/low/playlist.m3u8",
		"/stream/../low/playlist.m3u8",
		"/stream/vid123/low/..",
		"/stream/vid123/low/notes.txt",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
		req.URL.Path = path
		rec := httptest.NewRecorder()
		handler.Stream(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("path %s: expected status 404, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/stream/vid123/low/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.Stream(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}
