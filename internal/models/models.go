package models

import (
	"sort"
	"time"
)

// Video lifecycle states. A video moves Uploading → UploadCompleted → Queued →
// Transcoding and terminates in Completed or Failed.
const (
	VideoStatusUploading       = "uploading"
	VideoStatusUploadCompleted = "upload-completed"
	VideoStatusQueued          = "queued"
	VideoStatusTranscoding     = "transcoding"
	VideoStatusCompleted       = "completed"
	VideoStatusFailed          = "failed"
)

// Upload session states.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusExpired   = "expired"
)

// Transcoding job states.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Target resolutions. Lower resolutions carry higher queue priority so a
// watchable rendition appears first.
const (
	ResolutionLow    = "low"
	ResolutionMedium = "medium"
	ResolutionHigh   = "high"
)

// Resolutions lists the three targets in priority order.
func Resolutions() []string {
	return []string{ResolutionLow, ResolutionMedium, ResolutionHigh}
}

// ValidResolution reports whether name is one of the three targets.
func ValidResolution(name string) bool {
	switch name {
	case ResolutionLow, ResolutionMedium, ResolutionHigh:
		return true
	}
	return false
}

// Video is the unit of work the service manages: one uploaded source file and
// its three HLS renditions. UploadProgress is a percentage with two decimals;
// TranscodingProgress holds integer percentages keyed by resolution and is
// sparse until assembly seeds all three targets.
type Video struct {
	ID                  string            `json:"id"`
	Filename            string            `json:"filename"`
	Size                int64             `json:"size"`
	MimeType            string            `json:"mimeType"`
	Status              string            `json:"status"`
	UploadProgress      float64           `json:"uploadProgress"`
	TranscodingProgress map[string]int    `json:"transcodingProgress,omitempty"`
	HLSURLs             map[string]string `json:"hlsUrls,omitempty"`
	Error               string            `json:"error,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	CompletedAt         *time.Time        `json:"completedAt,omitempty"`
}

// Terminal reports whether the video reached a final state.
func (v Video) Terminal() bool {
	return v.Status == VideoStatusCompleted || v.Status == VideoStatusFailed
}

// RenditionsComplete reports whether every listed resolution sits at 100%.
func (v Video) RenditionsComplete(resolutions []string) bool {
	if len(v.TranscodingProgress) == 0 {
		return false
	}
	for _, res := range resolutions {
		if v.TranscodingProgress[res] != 100 {
			return false
		}
	}
	return true
}

// UploadSession tracks one chunked upload. ReceivedChunks is the sorted set of
// chunk indices persisted so far; TotalChunks = ceil(TotalSize/ChunkSize).
type UploadSession struct {
	ID             string    `json:"id"`
	VideoID        string    `json:"videoId"`
	Filename       string    `json:"filename"`
	TotalSize      int64     `json:"totalSize"`
	ChunkSize      int64     `json:"chunkSize"`
	TotalChunks    int       `json:"totalChunks"`
	ReceivedChunks []int     `json:"receivedChunks"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Received reports how many distinct chunk indices have been stored.
func (s UploadSession) Received() int {
	return len(s.ReceivedChunks)
}

// Complete reports whether every chunk index has been received.
func (s UploadSession) Complete() bool {
	return s.TotalChunks > 0 && len(s.ReceivedChunks) == s.TotalChunks
}

// Expired reports whether the session TTL has passed at the given instant.
func (s UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// MissingChunks returns the indices in [0,TotalChunks) that have not been
// received, in ascending order, capped at limit entries (limit <= 0 means no
// cap).
func (s UploadSession) MissingChunks(limit int) []int {
	received := make(map[int]struct{}, len(s.ReceivedChunks))
	for _, idx := range s.ReceivedChunks {
		received[idx] = struct{}{}
	}
	missing := make([]int, 0)
	for idx := 0; idx < s.TotalChunks; idx++ {
		if _, ok := received[idx]; ok {
			continue
		}
		missing = append(missing, idx)
		if limit > 0 && len(missing) == limit {
			break
		}
	}
	return missing
}

// TranscodingJob is one video at one target resolution. Jobs are created in a
// batch of three at assembly time and owned by a single worker thereafter.
type TranscodingJob struct {
	ID          string     `json:"id"`
	VideoID     string     `json:"videoId"`
	Resolution  string     `json:"resolution"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	InputPath   string     `json:"inputPath"`
	OutputPath  string     `json:"outputPath,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SortChunks normalises a received-chunk slice into ascending order.
func SortChunks(indices []int) []int {
	out := append([]int(nil), indices...)
	sort.Ints(out)
	return out
}
