package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"vodforge/internal/observability/metrics"
	"vodforge/internal/upload"
)

// UploadSessions handles POST /upload/session.
func (h *Handler) UploadSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req upload.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.Uploads.CreateSession(req)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	metrics.ObserveSessionEvent("created")
	writeJSON(w, http.StatusOK, session)
}

// UploadSessionByID handles GET /upload/session/{id} for status and DELETE
// for cancellation.
func (h *Handler) UploadSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/upload/session/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		session, err := h.Uploads.Session(id)
		if err != nil {
			h.writeUploadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case http.MethodDelete:
		if err := h.Uploads.CancelSession(id); err != nil {
			h.writeUploadError(w, err)
			return
		}
		metrics.ObserveSessionEvent("cancelled")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// UploadChunk handles POST /upload/chunk. The multipart body must carry the
// sessionId and chunkIndex fields before the chunk part so the chunk can be
// streamed to disk in a single pass.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxChunkBodyBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}

	var (
		sessionID string
		index     int
		haveIndex bool
	)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isBodyTooLarge(err) {
				h.writeUploadError(w, err)
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "chunk" {
			if sessionID == "" || !haveIndex {
				_ = part.Close()
				writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId and chunkIndex must precede the chunk part"))
				return
			}
			counter := &countingReader{r: part}
			receipt, saveErr := h.Uploads.SaveChunk(sessionID, index, counter)
			_ = part.Close()
			if saveErr != nil {
				metrics.ObserveChunk("rejected")
				h.writeUploadError(w, saveErr)
				return
			}
			metrics.ObserveChunk("accepted")
			metrics.AddUploadBytes(counter.total)
			writeJSON(w, http.StatusOK, receipt)
			return
		}
		payload, readErr := io.ReadAll(part)
		_ = part.Close()
		if readErr != nil {
			if isBodyTooLarge(readErr) {
				h.writeUploadError(w, readErr)
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("read form field: %w", readErr))
			return
		}
		value := strings.TrimSpace(string(payload))
		switch name {
		case "sessionId":
			sessionID = value
		case "chunkIndex":
			parsed, parseErr := strconv.Atoi(value)
			if parseErr != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("chunkIndex %q is not an integer", value))
				return
			}
			index = parsed
			haveIndex = true
		}
	}

	switch {
	case sessionID == "":
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
	case !haveIndex:
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunkIndex is required"))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk part is required"))
	}
}

type completeUploadRequest struct {
	SessionID string `json:"sessionId"`
}

// UploadComplete handles POST /upload/complete.
func (h *Handler) UploadComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}
	receipt, err := h.Uploads.Complete(r.Context(), req.SessionID)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	metrics.ObserveSessionEvent("completed")
	writeJSON(w, http.StatusOK, receipt)
}

// writeUploadError renders coordinator failures: typed upload errors carry
// their own status and body, an oversize body maps to 413, and anything else
// is a server fault that must not leak detail to the client.
func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeJSON(w, http.StatusRequestEntityTooLarge, &upload.Error{
			Message: fmt.Sprintf("chunk body exceeds the %d byte limit", maxBytes.Limit),
		})
		return
	}
	var uploadErr *upload.Error
	if errors.As(err, &uploadErr) {
		writeJSON(w, uploadErr.Status, uploadErr)
		return
	}
	h.logger().Error("upload request failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
}

func isBodyTooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes)
}

// countingReader tallies the bytes pulled through it so accepted chunk sizes
// can be recorded without buffering the body.
type countingReader struct {
	r     io.Reader
	total int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.total += int64(n)
	return n, err
}
