// Package upload owns the chunked ingest pipeline: session lifecycle, chunk
// intake, reassembly, and the transcode fan-out that follows a finished
// upload.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vodforge/internal/events"
	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

const (
	// DefaultChunkSize is the fixed chunk size handed to clients at session
	// creation.
	DefaultChunkSize = 2 << 20
	// MaxChunkBodyBytes caps one chunk request body; clients get headroom
	// above the chunk size for multipart framing.
	MaxChunkBodyBytes = 10 << 20
	// DefaultMaxUpload caps the declared size of one upload.
	DefaultMaxUpload = 10 << 30
	// DefaultSessionTTL is how long a session may sit before GC reclaims it.
	DefaultSessionTTL = 24 * time.Hour

	missingChunksCap = 10
)

// EventPublisher receives the lifecycle events the coordinator emits.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

type Config struct {
	Store     storage.Repository
	Layout    media.Layout
	Collector *media.Collector
	Queue     transcode.Queue
	Bus       EventPublisher
	Logger    *slog.Logger

	ChunkSize  int64
	MaxUpload  int64
	SessionTTL time.Duration
	Clock      func() time.Time
}

// Coordinator drives uploads from session creation through assembly and the
// three-way transcode fan-out.
type Coordinator struct {
	store     storage.Repository
	layout    media.Layout
	collector *media.Collector
	queue     transcode.Queue
	bus       EventPublisher
	logger    *slog.Logger

	chunkSize  int64
	maxUpload  int64
	sessionTTL time.Duration
	now        func() time.Time

	// completeMu serializes assembly so a doubled complete request cannot
	// interleave writes to the same destination file.
	completeMu sync.Mutex
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:      cfg.Store,
		layout:     cfg.Layout,
		collector:  cfg.Collector,
		queue:      cfg.Queue,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		chunkSize:  cfg.ChunkSize,
		maxUpload:  cfg.MaxUpload,
		sessionTTL: cfg.SessionTTL,
		now:        cfg.Clock,
	}
}

// ChunkSize reports the fixed chunk size clients must honor.
func (c *Coordinator) ChunkSize() int64 {
	return c.chunkSize
}

type CreateSessionRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize"`
	MimeType  string `json:"mimeType"`
}

// CreateSession opens an upload: one Video record in Uploading plus one
// Active session with the fixed chunk size.
func (c *Coordinator) CreateSession(req CreateSessionRequest) (models.UploadSession, error) {
	filename := strings.TrimSpace(req.Filename)
	mimeType := strings.TrimSpace(req.MimeType)
	if filename == "" {
		return models.UploadSession{}, badRequest("filename is required")
	}
	if req.TotalSize <= 0 {
		return models.UploadSession{}, badRequest("totalSize must be a positive byte count")
	}
	if req.TotalSize > c.maxUpload {
		return models.UploadSession{}, badRequest("totalSize %d exceeds the %d byte upload limit", req.TotalSize, c.maxUpload)
	}
	if mimeType == "" {
		return models.UploadSession{}, badRequest("mimeType is required")
	}

	video, err := c.store.CreateVideo(storage.CreateVideoParams{Filename: filename, Size: req.TotalSize, MimeType: mimeType})
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("create video: %w", err)
	}
	totalChunks := int((req.TotalSize + c.chunkSize - 1) / c.chunkSize)
	session, err := c.store.CreateSession(storage.CreateSessionParams{
		VideoID:     video.ID,
		Filename:    filename,
		TotalSize:   req.TotalSize,
		ChunkSize:   c.chunkSize,
		TotalChunks: totalChunks,
		TTL:         c.sessionTTL,
	})
	if err != nil {
		if delErr := c.store.DeleteVideo(video.ID); delErr != nil {
			c.logger.Warn("roll back video after session failure", "video_id", video.ID, "error", delErr)
		}
		return models.UploadSession{}, fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("upload session created",
		"session_id", session.ID, "video_id", video.ID,
		"total_chunks", totalChunks, "size", req.TotalSize)
	return session, nil
}

// Session looks up one session for the status endpoint.
func (c *Coordinator) Session(id string) (models.UploadSession, error) {
	session, ok := c.store.GetSession(id)
	if !ok {
		return models.UploadSession{}, notFound("upload session not found")
	}
	return session, nil
}

// ChunkReceipt is the chunk intake response body.
type ChunkReceipt struct {
	Success        bool    `json:"success"`
	UploadedChunks int     `json:"uploadedChunks"`
	TotalChunks    int     `json:"totalChunks"`
	Progress       float64 `json:"progress"`
}

// SaveChunk validates and persists one chunk body. Re-posting a known index
// succeeds without changing state; the write itself is temp-then-rename so a
// concurrent duplicate leaves exactly one intact body behind.
func (c *Coordinator) SaveChunk(sessionID string, index int, body io.Reader) (ChunkReceipt, error) {
	if c.collector.LowSpace() {
		c.collector.Sweep()
		if c.collector.LowSpace() {
			return ChunkReceipt{}, storageFull("insufficient storage for chunk")
		}
	}

	session, ok := c.store.GetSession(sessionID)
	if !ok {
		return ChunkReceipt{}, notFound("upload session not found")
	}
	if session.Status != models.SessionStatusActive {
		return ChunkReceipt{}, badRequest("upload session is %s", session.Status)
	}
	if session.Expired(c.now()) {
		return ChunkReceipt{}, badRequest("upload session expired")
	}
	if index < 0 || index >= session.TotalChunks {
		return ChunkReceipt{}, badRequest("chunkIndex %d out of range [0,%d)", index, session.TotalChunks)
	}

	buffered := bufio.NewReader(body)
	if _, err := buffered.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return ChunkReceipt{}, badRequest("empty chunk body")
		}
		return ChunkReceipt{}, fmt.Errorf("read chunk body: %w", err)
	}

	if _, err := c.layout.WriteChunk(sessionID, index, buffered); err != nil {
		if media.IsNoSpace(err) {
			c.collector.Sweep()
			return ChunkReceipt{}, storageFull("storage full while writing chunk")
		}
		return ChunkReceipt{}, fmt.Errorf("write chunk %d: %w", index, err)
	}

	updated, ok := c.store.MarkChunkReceived(sessionID, index)
	if !ok {
		return ChunkReceipt{}, notFound("upload session not found")
	}
	return ChunkReceipt{
		Success:        true,
		UploadedChunks: updated.Received(),
		TotalChunks:    updated.TotalChunks,
		Progress:       progressPercent(updated.Received(), updated.TotalChunks),
	}, nil
}

// CompleteReceipt is the assembly response body.
type CompleteReceipt struct {
	Success bool   `json:"success"`
	VideoID string `json:"videoId"`
}

// Complete reassembles a fully-received session into the uploads tree and
// fans out the three transcoding jobs. Completing an already-completed
// session is an accepted no-op.
func (c *Coordinator) Complete(ctx context.Context, sessionID string) (CompleteReceipt, error) {
	c.completeMu.Lock()
	defer c.completeMu.Unlock()

	session, ok := c.store.GetSession(sessionID)
	if !ok {
		return CompleteReceipt{}, notFound("upload session not found")
	}
	if session.Status == models.SessionStatusCompleted {
		return CompleteReceipt{Success: true, VideoID: session.VideoID}, nil
	}
	if session.Status == models.SessionStatusExpired || session.Expired(c.now()) {
		return CompleteReceipt{}, badRequest("upload session expired")
	}
	if !session.Complete() {
		return CompleteReceipt{}, &Error{
			Status:   http.StatusBadRequest,
			Message:  fmt.Sprintf("upload incomplete: received %d of %d chunks", session.Received(), session.TotalChunks),
			Missing:  session.MissingChunks(missingChunksCap),
			Received: session.Received(),
			Total:    session.TotalChunks,
		}
	}

	dst := c.layout.UploadPath(session.VideoID, filepath.Ext(session.Filename))
	size, err := c.layout.AssembleChunks(sessionID, session.TotalChunks, dst)
	if err != nil {
		return CompleteReceipt{}, fmt.Errorf("assemble upload %s: %w", sessionID, err)
	}
	if size != session.TotalSize {
		c.logger.Warn("assembled size differs from declared",
			"session_id", sessionID, "declared", session.TotalSize, "assembled", size)
	}
	if err := c.collector.RemoveSessionDir(sessionID); err != nil {
		c.logger.Warn("remove chunk dir after assembly", "session_id", sessionID, "error", err)
	}

	completed := models.SessionStatusCompleted
	if _, err := c.store.UpdateSession(sessionID, storage.SessionUpdate{Status: &completed}); err != nil {
		return CompleteReceipt{}, fmt.Errorf("mark session completed: %w", err)
	}
	uploadDone := models.VideoStatusUploadCompleted
	fullProgress := 100.0
	if _, err := c.store.UpdateVideo(session.VideoID, storage.VideoUpdate{Status: &uploadDone, UploadProgress: &fullProgress}); err != nil {
		return CompleteReceipt{}, fmt.Errorf("mark video upload-completed: %w", err)
	}
	c.bus.Publish(ctx, events.UploadCompleted(session.VideoID, session.Filename, size))

	if err := c.layout.EnsureRenditionDirs(session.VideoID, models.Resolutions()); err != nil {
		return CompleteReceipt{}, fmt.Errorf("prepare rendition dirs: %w", err)
	}
	jobs := make([]models.TranscodingJob, 0, 3)
	for _, resolution := range models.Resolutions() {
		job, err := c.store.CreateJob(storage.CreateJobParams{VideoID: session.VideoID, Resolution: resolution, InputPath: dst})
		if err != nil {
			return CompleteReceipt{}, fmt.Errorf("create %s job: %w", resolution, err)
		}
		jobs = append(jobs, job)
	}
	queued := models.VideoStatusQueued
	seeded := make(map[string]int, 3)
	for _, resolution := range models.Resolutions() {
		seeded[resolution] = 0
	}
	if _, err := c.store.UpdateVideo(session.VideoID, storage.VideoUpdate{Status: &queued, TranscodingProgress: seeded}); err != nil {
		return CompleteReceipt{}, fmt.Errorf("mark video queued: %w", err)
	}
	for _, job := range jobs {
		if err := c.queue.Enqueue(ctx, transcode.NewTask(job)); err != nil {
			return CompleteReceipt{}, fmt.Errorf("enqueue %s job: %w", job.Resolution, err)
		}
	}
	c.logger.Info("upload assembled",
		"session_id", sessionID, "video_id", session.VideoID, "bytes", size)
	return CompleteReceipt{Success: true, VideoID: session.VideoID}, nil
}

// CancelSession expires an active session, reclaims its chunk directory, and
// removes the owning video when the upload never finished. Cancelling a
// session that already reached a terminal status is a no-op.
func (c *Coordinator) CancelSession(id string) error {
	session, ok := c.store.GetSession(id)
	if !ok {
		return notFound("upload session not found")
	}
	if session.Status != models.SessionStatusActive {
		return nil
	}
	if err := c.collector.RemoveSessionDir(id); err != nil {
		c.logger.Warn("remove chunk dir on cancel", "session_id", id, "error", err)
	}
	if _, err := c.store.ExpireSession(id); err != nil {
		return fmt.Errorf("expire session %s: %w", id, err)
	}
	if video, ok := c.store.GetVideo(session.VideoID); ok && video.Status == models.VideoStatusUploading {
		if err := c.store.DeleteVideo(video.ID); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
			c.logger.Warn("remove video for cancelled session", "video_id", video.ID, "error", err)
		}
	}
	c.logger.Info("upload session cancelled", "session_id", id, "video_id", session.VideoID)
	return nil
}

// DeleteVideo removes the transcoded tree, the assembled source, any chunk
// directories, and then the state records.
func (c *Coordinator) DeleteVideo(id string) error {
	video, ok := c.store.GetVideo(id)
	if !ok {
		return notFound("video not found")
	}
	for _, session := range c.store.ListSessions() {
		if session.VideoID != id {
			continue
		}
		if err := c.collector.RemoveSessionDir(session.ID); err != nil {
			c.logger.Warn("remove chunk dir on delete", "session_id", session.ID, "error", err)
		}
	}
	if err := c.layout.RemoveVideoArtifacts(id, filepath.Ext(video.Filename)); err != nil {
		c.logger.Warn("remove video artifacts", "video_id", id, "error", err)
	}
	if err := c.store.DeleteVideo(id); err != nil {
		if errors.Is(err, storage.ErrVideoNotFound) {
			return notFound("video not found")
		}
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	c.logger.Info("video deleted", "video_id", id)
	return nil
}

func progressPercent(received, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(received)/float64(total)*10000) / 100
}
