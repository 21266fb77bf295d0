package storage

import (
	"context"
	"errors"
	"time"

	"vodforge/internal/models"
)

var (
	ErrVideoNotFound   = errors.New("video not found")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrJobNotFound     = errors.New("transcoding job not found")
	// ErrDuplicateJob guards the one-job-per-(video,resolution) invariant.
	ErrDuplicateJob = errors.New("job already exists for video and resolution")
)

// Repository exposes the state operations the upload coordinator, worker pool,
// GC, and API handlers require. All mutations are read-modify-write under the
// driver's own locking and are visible to concurrent readers before the call
// returns, so callers never coordinate around it.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	// ListVideos returns all videos sorted by creation time, newest first.
	ListVideos() []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	// DeleteVideo removes the video together with its jobs and upload
	// sessions. Chunk directories left on disk fall to the GC.
	DeleteVideo(id string) error
	// CompleteVideoRendition records a finished rendition: writes the
	// playlist URL, pins the per-resolution progress to 100, and, when all
	// three renditions sit at 100 inside the same critical section, moves
	// the video to Completed with a completion timestamp. The bool reports
	// whether that terminal transition happened in this call.
	CompleteVideoRendition(videoID, resolution, playlistURL string) (models.Video, bool, error)

	CreateSession(params CreateSessionParams) (models.UploadSession, error)
	GetSession(id string) (models.UploadSession, bool)
	ListSessions() []models.UploadSession
	UpdateSession(id string, update SessionUpdate) (models.UploadSession, error)
	// ExpireSession transitions an active session to expired; sessions in any
	// other status are returned unchanged.
	ExpireSession(id string) (models.UploadSession, error)
	// MarkChunkReceived records a chunk index idempotently and recomputes
	// the owning video's upload progress in the same critical section. The
	// bool is false when the session does not exist.
	MarkChunkReceived(sessionID string, index int) (models.UploadSession, bool)

	CreateJob(params CreateJobParams) (models.TranscodingJob, error)
	GetJob(id string) (models.TranscodingJob, bool)
	ListJobsByVideo(videoID string) []models.TranscodingJob
	UpdateJob(id string, update JobUpdate) (models.TranscodingJob, error)

	// QueueStats counts jobs by status: Pending→Waiting, Processing→Active.
	QueueStats() QueueStats
}

// QueueStats summarises job statuses for the /queue/stats endpoint.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CreateVideoParams captures the attributes set when a session is opened.
type CreateVideoParams struct {
	Filename string
	Size     int64
	MimeType string
}

// VideoUpdate describes the mutable fields of a video. Nil fields are left
// untouched; TranscodingProgress entries merge into the existing map.
type VideoUpdate struct {
	Status              *string
	UploadProgress      *float64
	TranscodingProgress map[string]int
	HLSURLs             map[string]string
	Error               *string
	CompletedAt         *time.Time
}

// CreateSessionParams captures the attributes of a new upload session.
type CreateSessionParams struct {
	VideoID     string
	Filename    string
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int
	TTL         time.Duration
}

// SessionUpdate describes the mutable fields of an upload session.
type SessionUpdate struct {
	Status *string
}

// CreateJobParams captures the attributes of a new transcoding job.
type CreateJobParams struct {
	VideoID    string
	Resolution string
	InputPath  string
}

// JobUpdate describes the mutable fields of a transcoding job.
type JobUpdate struct {
	Status      *string
	Progress    *int
	OutputPath  *string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

var _ Repository = (*Storage)(nil)
