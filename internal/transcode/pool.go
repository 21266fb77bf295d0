package transcode

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/events"
	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

const (
	defaultConcurrency     = 2
	defaultMaxAttempts     = 3
	defaultRetryBase       = time.Second
	defaultStartsPerWindow = 3
	defaultStartWindow     = time.Minute
	progressStep           = 5
)

// StateStore is the slice of the repository the pool writes through.
type StateStore interface {
	GetVideo(id string) (models.Video, bool)
	UpdateVideo(id string, update storage.VideoUpdate) (models.Video, error)
	UpdateJob(id string, update storage.JobUpdate) (models.TranscodingJob, error)
	CompleteVideoRendition(videoID, resolution, playlistURL string) (models.Video, bool, error)
}

// EventPublisher receives pipeline events; emission is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

type PoolConfig struct {
	Queue   Queue
	Store   StateStore
	Encoder Encoder
	Bus     EventPublisher
	Layout  media.Layout
	Logger  *slog.Logger

	Concurrency     int
	MaxAttempts     int
	RetryBase       time.Duration
	StartsPerWindow int
	StartWindow     time.Duration

	// PublicBaseURL, when set, prefixes the relative /stream/ playlist URLs
	// recorded on completed renditions.
	PublicBaseURL string

	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pool runs the worker contract: claim a task, transition state, drive the
// encoder with throttled progress persistence, and settle the job and video
// terminally. State writes against deleted records are tolerated no-ops.
type Pool struct {
	cfg PoolConfig
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.StartsPerWindow <= 0 {
		cfg.StartsPerWindow = defaultStartsPerWindow
	}
	if cfg.StartWindow <= 0 {
		cfg.StartWindow = defaultStartWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	return &Pool{cfg: cfg}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run blocks until ctx ends or the queue closes, then waits for in-flight
// jobs to settle.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := i
		group.Go(func() error {
			return p.runWorker(ctx, worker)
		})
	}
	return group.Wait()
}

func (p *Pool) runWorker(ctx context.Context, worker int) error {
	logger := p.cfg.Logger.With("worker", worker)
	limiter := NewStartLimiter(p.cfg.StartsPerWindow, p.cfg.StartWindow)
	for {
		task, err := p.cfg.Queue.Dequeue(ctx)
		if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			logger.Warn("dequeue failed", "error", err)
			if sleepErr := p.cfg.Sleep(ctx, 200*time.Millisecond); sleepErr != nil {
				return nil
			}
			continue
		}
		if delay := limiter.Reserve(); delay > 0 {
			logger.Debug("start budget exhausted", "delay", delay, "job_id", task.JobID)
			if err := p.cfg.Sleep(ctx, delay); err != nil {
				return nil
			}
		}
		p.process(ctx, logger, task)
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, task Task) {
	logger = logger.With("job_id", task.JobID, "video_id", task.VideoID, "resolution", task.Resolution)

	rendition, ok := RenditionByName(task.Resolution)
	if !ok {
		p.failJob(ctx, logger, task, errors.New("unknown resolution "+task.Resolution))
		return
	}

	started := p.cfg.Clock()
	processing := models.JobStatusProcessing
	if _, err := p.cfg.Store.UpdateJob(task.JobID, storage.JobUpdate{Status: &processing, StartedAt: &started}); err != nil {
		// The video (and its jobs) may have been deleted between enqueue and
		// claim; nothing left to do.
		logger.Info("job vanished before start", "error", err)
		return
	}
	if video, ok := p.cfg.Store.GetVideo(task.VideoID); ok && video.Status != models.VideoStatusTranscoding {
		transcoding := models.VideoStatusTranscoding
		if _, err := p.cfg.Store.UpdateVideo(task.VideoID, storage.VideoUpdate{Status: &transcoding}); err != nil {
			logger.Warn("mark video transcoding", "error", err)
		}
	}

	metrics.JobStarted(task.Resolution)
	p.cfg.Bus.Publish(ctx, events.TranscodingStarted(task.VideoID, task.Resolution))
	tracker := &progressTracker{}
	p.emitProgress(ctx, logger, task, tracker, 0)

	outputDir := p.cfg.Layout.RenditionDir(task.VideoID, task.Resolution)
	logger.Info("transcode started", "output_dir", outputDir)
	if err := p.encodeWithRetry(ctx, logger, task, rendition, outputDir, tracker); err != nil {
		p.failJob(ctx, logger, task, err)
		return
	}
	p.completeJob(ctx, logger, task)
}

func (p *Pool) encodeWithRetry(ctx context.Context, logger *slog.Logger, task Task, rendition Rendition, outputDir string, tracker *progressTracker) error {
	var lastErr error
	backoff := p.cfg.RetryBase
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Warn("retrying encode", "attempt", attempt, "backoff", backoff, "error", lastErr)
			metrics.JobRetried(task.Resolution)
			if err := p.cfg.Sleep(ctx, backoff); err != nil {
				return lastErr
			}
			backoff *= 2
		}
		err := p.cfg.Encoder.Encode(ctx, task.InputPath, outputDir, rendition, func(pct int) {
			p.emitProgress(ctx, logger, task, tracker, pct)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// progressTracker keeps the throttle state for one job across retry
// attempts, so a restarted encode never re-emits percentages the job already
// reported.
type progressTracker struct {
	mu      sync.Mutex
	emitted bool
	last    int
}

func (t *progressTracker) admit(pct int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.emitted {
		t.emitted = true
		t.last = pct
		return true
	}
	if pct == 100 && t.last < 100 {
		t.last = pct
		return true
	}
	if pct >= t.last+progressStep {
		t.last = pct
		return true
	}
	return false
}

func (p *Pool) emitProgress(ctx context.Context, logger *slog.Logger, task Task, tracker *progressTracker, pct int) {
	if !tracker.admit(pct) {
		return
	}
	if _, err := p.cfg.Store.UpdateJob(task.JobID, storage.JobUpdate{Progress: &pct}); err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		logger.Warn("persist job progress", "error", err)
	}
	update := storage.VideoUpdate{TranscodingProgress: map[string]int{task.Resolution: pct}}
	if _, err := p.cfg.Store.UpdateVideo(task.VideoID, update); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
		logger.Warn("persist video progress", "error", err)
	}
	p.cfg.Bus.Publish(ctx, events.TranscodingProgress(task.VideoID, task.Resolution, pct))
}

func (p *Pool) completeJob(ctx context.Context, logger *slog.Logger, task Task) {
	metrics.JobCompleted(task.Resolution)
	playlistURL := p.cfg.PublicBaseURL + "/stream/" + task.VideoID + "/" + task.Resolution + "/playlist.m3u8"
	completed := p.cfg.Clock()
	status := models.JobStatusCompleted
	progress := 100
	_, err := p.cfg.Store.UpdateJob(task.JobID, storage.JobUpdate{
		Status:      &status,
		Progress:    &progress,
		OutputPath:  &playlistURL,
		CompletedAt: &completed,
	})
	if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		logger.Warn("persist job completion", "error", err)
	}

	video, completedNow, err := p.cfg.Store.CompleteVideoRendition(task.VideoID, task.Resolution, playlistURL)
	if err != nil {
		// Deleted mid-transcode; orphaned output is reclaimed by GC.
		logger.Info("video vanished before completion", "error", err)
		return
	}
	p.cfg.Bus.Publish(ctx, events.TranscodingCompleted(task.VideoID, task.Resolution, playlistURL))
	if completedNow {
		logger.Info("video completed", "status", video.Status)
	} else {
		logger.Info("rendition completed")
	}
}

func (p *Pool) failJob(ctx context.Context, logger *slog.Logger, task Task, encodeErr error) {
	metrics.JobFailed(task.Resolution)
	message := encodeErr.Error()
	status := models.JobStatusFailed
	if _, err := p.cfg.Store.UpdateJob(task.JobID, storage.JobUpdate{Status: &status, Error: &message}); err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		logger.Warn("persist job failure", "error", err)
	}
	videoStatus := models.VideoStatusFailed
	if _, err := p.cfg.Store.UpdateVideo(task.VideoID, storage.VideoUpdate{Status: &videoStatus, Error: &message}); err != nil {
		if !errors.Is(err, storage.ErrVideoNotFound) {
			logger.Warn("persist video failure", "error", err)
		}
		logger.Error("transcode failed", "error", encodeErr)
		return
	}
	p.cfg.Bus.Publish(ctx, events.TranscodingFailed(task.VideoID, task.Resolution, message))
	logger.Error("transcode failed", "error", encodeErr)
}
