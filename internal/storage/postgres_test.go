package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"vodforge/internal/models"
)

// TestPostgresLifecycle exercises the Postgres driver against a real
// database. Set VODFORGE_TEST_POSTGRES_DSN to run it.
func TestPostgresLifecycle(t *testing.T) {
	dsn := os.Getenv("VODFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VODFORGE_TEST_POSTGRES_DSN not set")
	}

	repo, err := NewPostgres(dsn, WithPostgresApplicationName("vodforge-test"))
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	video, err := repo.CreateVideo(CreateVideoParams{Filename: "integration.mp4", Size: 5_000_000, MimeType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	defer func() {
		if err := repo.DeleteVideo(video.ID); err != nil && !errors.Is(err, ErrVideoNotFound) {
			t.Errorf("cleanup DeleteVideo: %v", err)
		}
	}()

	session, err := repo.CreateSession(CreateSessionParams{VideoID: video.ID, Filename: "integration.mp4", TotalSize: 5_000_000, ChunkSize: 2_097_152, TotalChunks: 3, TTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for _, index := range []int{0, 2, 2, 1} {
		if _, ok := repo.MarkChunkReceived(session.ID, index); !ok {
			t.Fatalf("MarkChunkReceived(%d) reported missing session", index)
		}
	}
	reloaded, ok := repo.GetSession(session.ID)
	if !ok {
		t.Fatal("session should exist")
	}
	if len(reloaded.ReceivedChunks) != 3 {
		t.Fatalf("expected 3 received chunks, got %v", reloaded.ReceivedChunks)
	}
	current, _ := repo.GetVideo(video.ID)
	if current.UploadProgress != 100 {
		t.Fatalf("expected 100%% upload progress, got %v", current.UploadProgress)
	}

	for _, res := range models.Resolutions() {
		if _, err := repo.CreateJob(CreateJobParams{VideoID: video.ID, Resolution: res, InputPath: "/uploads/" + video.ID + ".mp4"}); err != nil {
			t.Fatalf("CreateJob(%s): %v", res, err)
		}
	}
	if _, err := repo.CreateJob(CreateJobParams{VideoID: video.ID, Resolution: models.ResolutionLow, InputPath: "x"}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	jobs := repo.ListJobsByVideo(video.ID)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	started := time.Now().UTC()
	processing := models.JobStatusProcessing
	if _, err := repo.UpdateJob(jobs[0].ID, JobUpdate{Status: &processing, StartedAt: &started}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	stats := repo.QueueStats()
	if stats.Active < 1 {
		t.Fatalf("expected at least one active job, got %+v", stats)
	}

	completedNow := false
	for _, res := range models.Resolutions() {
		_, completedNow, err = repo.CompleteVideoRendition(video.ID, res, "/stream/"+video.ID+"/"+res+"/playlist.m3u8")
		if err != nil {
			t.Fatalf("CompleteVideoRendition(%s): %v", res, err)
		}
	}
	if !completedNow {
		t.Fatal("expected final rendition to complete the video")
	}
	final, _ := repo.GetVideo(video.ID)
	if final.Status != models.VideoStatusCompleted || final.CompletedAt == nil {
		t.Fatalf("expected completed video, got %+v", final)
	}

	if err := repo.DeleteVideo(video.ID); err != nil {
		t.Fatalf("DeleteVideo: %v", err)
	}
	if _, ok := repo.GetSession(session.ID); ok {
		t.Fatal("session should cascade on video delete")
	}
	if jobs := repo.ListJobsByVideo(video.ID); len(jobs) != 0 {
		t.Fatalf("jobs should cascade on video delete, got %d", len(jobs))
	}
}
