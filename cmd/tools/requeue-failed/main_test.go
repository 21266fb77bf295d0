package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"vodforge/internal/models"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedFailedVideo creates a video whose low and high jobs failed while medium
// completed, mirroring the state a crashed worker fleet leaves behind.
func seedFailedVideo(t *testing.T, store *storage.Storage) (models.Video, map[string]models.TranscodingJob) {
	t.Helper()
	video, err := store.CreateVideo(storage.CreateVideoParams{Filename: "clip.mp4", Size: 1 << 20, MimeType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	jobs := make(map[string]models.TranscodingJob, 3)
	for _, resolution := range models.Resolutions() {
		job, err := store.CreateJob(storage.CreateJobParams{VideoID: video.ID, Resolution: resolution, InputPath: "/uploads/" + video.ID + ".mp4"})
		if err != nil {
			t.Fatalf("CreateJob(%s): %v", resolution, err)
		}
		jobs[resolution] = job
	}

	encodeErr := "ffmpeg exited with status 1"
	failed := models.JobStatusFailed
	completed := models.JobStatusCompleted
	hundred := 100
	forty := 40
	for _, resolution := range []string{models.ResolutionLow, models.ResolutionHigh} {
		if _, err := store.UpdateJob(jobs[resolution].ID, storage.JobUpdate{Status: &failed, Progress: &forty, Error: &encodeErr}); err != nil {
			t.Fatalf("fail job %s: %v", resolution, err)
		}
	}
	if _, err := store.UpdateJob(jobs[models.ResolutionMedium].ID, storage.JobUpdate{Status: &completed, Progress: &hundred}); err != nil {
		t.Fatalf("complete medium job: %v", err)
	}
	videoFailed := models.VideoStatusFailed
	if _, err := store.UpdateVideo(video.ID, storage.VideoUpdate{
		Status: &videoFailed,
		Error:  &encodeErr,
		TranscodingProgress: map[string]int{
			models.ResolutionLow:    40,
			models.ResolutionMedium: 100,
			models.ResolutionHigh:   40,
		},
	}); err != nil {
		t.Fatalf("fail video: %v", err)
	}
	reloaded, ok := store.GetVideo(video.ID)
	if !ok {
		t.Fatal("seeded video missing")
	}
	return reloaded, jobs
}

func TestRequeueFailedResetsAndEnqueues(t *testing.T) {
	store := storage.NewMemory()
	queue := transcode.NewMemoryQueue()
	defer queue.Close()
	video, jobs := seedFailedVideo(t, store)

	requeued, videos, err := requeueFailed(context.Background(), store, queue, "", false, discardLogger())
	if err != nil {
		t.Fatalf("requeueFailed: %v", err)
	}
	if requeued != 2 || videos != 1 {
		t.Fatalf("requeued %d jobs across %d videos, want 2 across 1", requeued, videos)
	}

	for _, resolution := range []string{models.ResolutionLow, models.ResolutionHigh} {
		job, ok := store.GetJob(jobs[resolution].ID)
		if !ok {
			t.Fatalf("job %s missing", resolution)
		}
		if job.Status != models.JobStatusPending || job.Progress != 0 || job.Error != "" {
			t.Fatalf("job %s not reset: %+v", resolution, job)
		}
	}
	medium, _ := store.GetJob(jobs[models.ResolutionMedium].ID)
	if medium.Status != models.JobStatusCompleted || medium.Progress != 100 {
		t.Fatalf("completed job must be untouched: %+v", medium)
	}

	reloaded, _ := store.GetVideo(video.ID)
	if reloaded.Status != models.VideoStatusQueued {
		t.Fatalf("video status = %q, want queued", reloaded.Status)
	}
	if reloaded.Error != "" {
		t.Fatalf("video error not cleared: %q", reloaded.Error)
	}
	if reloaded.TranscodingProgress[models.ResolutionLow] != 0 || reloaded.TranscodingProgress[models.ResolutionHigh] != 0 {
		t.Fatalf("progress not zeroed for requeued renditions: %v", reloaded.TranscodingProgress)
	}
	if reloaded.TranscodingProgress[models.ResolutionMedium] != 100 {
		t.Fatalf("completed rendition progress must survive: %v", reloaded.TranscodingProgress)
	}

	if depth, _ := queue.Depth(context.Background()); depth != 2 {
		t.Fatalf("queue depth = %d, want 2", depth)
	}
	first, err := queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.Resolution != models.ResolutionLow || first.JobID != jobs[models.ResolutionLow].ID {
		t.Fatalf("low resolution must dequeue first, got %+v", first)
	}
	if first.InputPath != "/uploads/"+video.ID+".mp4" {
		t.Fatalf("task input path = %q", first.InputPath)
	}
}

func TestRequeueFailedDryRunTouchesNothing(t *testing.T) {
	store := storage.NewMemory()
	video, jobs := seedFailedVideo(t, store)

	requeued, videos, err := requeueFailed(context.Background(), store, nil, "", true, discardLogger())
	if err != nil {
		t.Fatalf("requeueFailed: %v", err)
	}
	if requeued != 2 || videos != 1 {
		t.Fatalf("dry run reported %d jobs across %d videos, want 2 across 1", requeued, videos)
	}

	low, _ := store.GetJob(jobs[models.ResolutionLow].ID)
	if low.Status != models.JobStatusFailed || low.Error == "" {
		t.Fatalf("dry run must not reset jobs: %+v", low)
	}
	reloaded, _ := store.GetVideo(video.ID)
	if reloaded.Status != models.VideoStatusFailed {
		t.Fatalf("dry run must not reset the video, got %q", reloaded.Status)
	}
}

func TestRequeueFailedVideoFilter(t *testing.T) {
	store := storage.NewMemory()
	queue := transcode.NewMemoryQueue()
	defer queue.Close()
	target, targetJobs := seedFailedVideo(t, store)
	other, otherJobs := seedFailedVideo(t, store)

	requeued, videos, err := requeueFailed(context.Background(), store, queue, target.ID, false, discardLogger())
	if err != nil {
		t.Fatalf("requeueFailed: %v", err)
	}
	if requeued != 2 || videos != 1 {
		t.Fatalf("requeued %d jobs across %d videos, want 2 across 1", requeued, videos)
	}

	targetLow, _ := store.GetJob(targetJobs[models.ResolutionLow].ID)
	if targetLow.Status != models.JobStatusPending {
		t.Fatalf("target job not reset: %+v", targetLow)
	}
	otherLow, _ := store.GetJob(otherJobs[models.ResolutionLow].ID)
	if otherLow.Status != models.JobStatusFailed {
		t.Fatalf("filtered-out job must stay failed: %+v", otherLow)
	}
	reloadedOther, _ := store.GetVideo(other.ID)
	if reloadedOther.Status != models.VideoStatusFailed {
		t.Fatalf("filtered-out video must stay failed, got %q", reloadedOther.Status)
	}
}
