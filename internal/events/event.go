// Package events carries video pipeline phase transitions to in-process
// subscribers and to an optional external broker. Every emit is best-effort:
// a failing sink is logged and skipped, never propagated to the caller.
package events

import "time"

const (
	TypeUploadCompleted      = "upload-completed"
	TypeTranscodingStarted   = "transcoding-started"
	TypeTranscodingProgress  = "transcoding-progress"
	TypeTranscodingCompleted = "transcoding-completed"
	TypeTranscodingFailed    = "transcoding-failed"
)

// Event names a phase transition on one video. Data carries the
// type-specific payload and is absent for events without one.
type Event struct {
	Type      string         `json:"type"`
	VideoID   string         `json:"videoId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func UploadCompleted(videoID, filename string, size int64) Event {
	return Event{
		Type:    TypeUploadCompleted,
		VideoID: videoID,
		Data:    map[string]any{"filename": filename, "size": size},
	}
}

func TranscodingStarted(videoID, resolution string) Event {
	return Event{
		Type:    TypeTranscodingStarted,
		VideoID: videoID,
		Data:    map[string]any{"resolution": resolution},
	}
}

func TranscodingProgress(videoID, resolution string, progress int) Event {
	return Event{
		Type:    TypeTranscodingProgress,
		VideoID: videoID,
		Data:    map[string]any{"resolution": resolution, "progress": progress},
	}
}

func TranscodingCompleted(videoID, resolution, hlsURL string) Event {
	return Event{
		Type:    TypeTranscodingCompleted,
		VideoID: videoID,
		Data:    map[string]any{"resolution": resolution, "hlsUrl": hlsURL},
	}
}

func TranscodingFailed(videoID, resolution, message string) Event {
	return Event{
		Type:    TypeTranscodingFailed,
		VideoID: videoID,
		Data:    map[string]any{"resolution": resolution, "error": message},
	}
}
