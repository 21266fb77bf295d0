// Command requeue-failed resets failed transcoding jobs to pending and puts
// them back on the broker queue, so workers pick them up again after an
// outage or an interrupted shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"vodforge/internal/models"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string of the shared state store")
	redisURL := flag.String("redis-url", "", "Redis URL of the job queue")
	videoID := flag.String("video", "", "limit the requeue to one video id")
	dryRun := flag.Bool("dry-run", false, "report what would be requeued without changing anything")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn or DATABASE_URL")
		os.Exit(1)
	}

	repo, err := storage.NewPostgres(dsn)
	if err != nil {
		logger.Error("open datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = repo.Close(ctx)
	}()

	// A dry run never touches the queue, so Redis stays optional there.
	var queue transcode.Queue
	if !*dryRun {
		source := strings.TrimSpace(*redisURL)
		if source == "" {
			source = strings.TrimSpace(os.Getenv("REDIS_URL"))
		}
		if source == "" {
			logger.Error("redis URL required", "hint", "set --redis-url or REDIS_URL")
			os.Exit(1)
		}
		opts, err := redis.ParseURL(source)
		if err != nil {
			logger.Error("parse redis url", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		queue = transcode.NewRedisQueue(client)
	}

	jobs, videos, err := requeueFailed(context.Background(), repo, queue, *videoID, *dryRun, logger)
	if err != nil {
		logger.Error("requeue aborted", "error", err)
		os.Exit(1)
	}
	if *dryRun {
		logger.Info("dry run completed", "jobs", jobs, "videos", videos)
		return
	}
	logger.Info("requeue completed", "jobs", jobs, "videos", videos)
}

// stateStore is the slice of the repository the requeue pass needs.
type stateStore interface {
	ListVideos() []models.Video
	ListJobsByVideo(videoID string) []models.TranscodingJob
	UpdateJob(id string, update storage.JobUpdate) (models.TranscodingJob, error)
	UpdateVideo(id string, update storage.VideoUpdate) (models.Video, error)
}

// requeueFailed walks every video (or just onlyVideo when set), resets its
// failed jobs to pending with cleared errors and zeroed progress, moves a
// failed video back to queued, and re-enqueues one task per reset job. The
// dry-run path only reports candidates.
func requeueFailed(ctx context.Context, store stateStore, queue transcode.Queue, onlyVideo string, dryRun bool, logger *slog.Logger) (int, int, error) {
	requeued := 0
	videos := 0
	for _, video := range store.ListVideos() {
		if onlyVideo != "" && video.ID != onlyVideo {
			continue
		}
		var failed []models.TranscodingJob
		for _, job := range store.ListJobsByVideo(video.ID) {
			if job.Status == models.JobStatusFailed {
				failed = append(failed, job)
			}
		}
		if len(failed) == 0 {
			continue
		}
		if dryRun {
			for _, job := range failed {
				logger.Info("would requeue", "job_id", job.ID, "video_id", video.ID, "resolution", job.Resolution, "error", job.Error)
				requeued++
			}
			videos++
			continue
		}

		pending := models.JobStatusPending
		zero := 0
		empty := ""
		progressReset := make(map[string]int, len(failed))
		vanished := false
		for _, job := range failed {
			if _, err := store.UpdateJob(job.ID, storage.JobUpdate{Status: &pending, Progress: &zero, Error: &empty}); err != nil {
				if errors.Is(err, storage.ErrJobNotFound) {
					// Deleted mid-walk; the rest of this video went with it.
					logger.Info("job vanished before reset", "job_id", job.ID)
					vanished = true
					break
				}
				return requeued, videos, fmt.Errorf("reset job %s: %w", job.ID, err)
			}
			progressReset[job.Resolution] = 0
		}
		if vanished {
			continue
		}

		update := storage.VideoUpdate{TranscodingProgress: progressReset, Error: &empty}
		if video.Status == models.VideoStatusFailed {
			queued := models.VideoStatusQueued
			update.Status = &queued
		}
		if _, err := store.UpdateVideo(video.ID, update); err != nil {
			logger.Warn("reset video", "video_id", video.ID, "error", err)
			continue
		}

		for _, job := range failed {
			if err := queue.Enqueue(ctx, transcode.NewTask(job)); err != nil {
				return requeued, videos, fmt.Errorf("enqueue job %s: %w", job.ID, err)
			}
			logger.Info("requeued", "job_id", job.ID, "video_id", video.ID, "resolution", job.Resolution)
			requeued++
		}
		videos++
	}
	return requeued, videos, nil
}
