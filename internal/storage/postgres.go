package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

const defaultPostgresOpTimeout = 5 * time.Second

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		mime_type TEXT NOT NULL,
		status TEXT NOT NULL,
		upload_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		transcoding_progress JSONB NOT NULL DEFAULT '{}'::jsonb,
		hls_urls JSONB NOT NULL DEFAULT '{}'::jsonb,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		total_size BIGINT NOT NULL,
		chunk_size BIGINT NOT NULL,
		total_chunks INT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_chunks (
		session_id TEXT NOT NULL REFERENCES upload_sessions(id) ON DELETE CASCADE,
		chunk_index INT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, chunk_index)
	)`,
	`CREATE TABLE IF NOT EXISTS transcoding_jobs (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		resolution TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INT NOT NULL DEFAULT 0,
		input_path TEXT NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		UNIQUE (video_id, resolution)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_created_at ON videos (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_sessions_video ON upload_sessions (video_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transcoding_jobs_video ON transcoding_jobs (video_id)`,
}

// Postgres persists videos, upload sessions, and transcoding jobs in a
// Postgres database so pipeline state survives process restarts.
type Postgres struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgres opens a Postgres-backed repository and applies the schema.
func NewPostgres(dsn string, opts ...Option) (*Postgres, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPostgresOpTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &Postgres{pool: pool, cfg: cfg, now: cfg.Clock}
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// EnsureSchema creates the pipeline tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) opContext() (context.Context, context.CancelFunc) {
	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultPostgresOpTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return
	}
}

const videoColumns = "id, filename, size_bytes, mime_type, status, upload_progress, transcoding_progress, hls_urls, error, created_at, completed_at"

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var progressJSON, urlsJSON []byte
	err := row.Scan(&video.ID, &video.Filename, &video.Size, &video.MimeType, &video.Status, &video.UploadProgress, &progressJSON, &urlsJSON, &video.Error, &video.CreatedAt, &video.CompletedAt)
	if err != nil {
		return models.Video{}, err
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &video.TranscodingProgress); err != nil {
			return models.Video{}, fmt.Errorf("decode transcoding progress for video %s: %w", video.ID, err)
		}
	}
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &video.HLSURLs); err != nil {
			return models.Video{}, fmt.Errorf("decode hls urls for video %s: %w", video.ID, err)
		}
	}
	if len(video.TranscodingProgress) == 0 {
		video.TranscodingProgress = nil
	}
	if len(video.HLSURLs) == 0 {
		video.HLSURLs = nil
	}
	return video, nil
}

func encodeProgressMaps(video models.Video) ([]byte, []byte, error) {
	progress := video.TranscodingProgress
	if progress == nil {
		progress = map[string]int{}
	}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return nil, nil, fmt.Errorf("encode transcoding progress for video %s: %w", video.ID, err)
	}
	urls := video.HLSURLs
	if urls == nil {
		urls = map[string]string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return nil, nil, fmt.Errorf("encode hls urls for video %s: %w", video.ID, err)
	}
	return progressJSON, urlsJSON, nil
}

func (p *Postgres) CreateVideo(params CreateVideoParams) (models.Video, error) {
	video := models.Video{
		ID:        uuid.NewString(),
		Filename:  strings.TrimSpace(params.Filename),
		Size:      params.Size,
		MimeType:  strings.TrimSpace(params.MimeType),
		Status:    models.VideoStatusUploading,
		CreatedAt: p.now(),
	}

	ctx, cancel := p.opContext()
	defer cancel()
	_, err := p.pool.Exec(ctx,
		"INSERT INTO videos (id, filename, size_bytes, mime_type, status, upload_progress, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		video.ID, video.Filename, video.Size, video.MimeType, video.Status, video.UploadProgress, video.CreatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video %s: %w", video.ID, err)
	}
	return video, nil
}

func (p *Postgres) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := p.opContext()
	defer cancel()
	video, err := scanVideo(p.pool.QueryRow(ctx, "SELECT "+videoColumns+" FROM videos WHERE id = $1", id))
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (p *Postgres) ListVideos() []models.Video {
	ctx, cancel := p.opContext()
	defer cancel()
	rows, err := p.pool.Query(ctx, "SELECT "+videoColumns+" FROM videos ORDER BY created_at DESC, id ASC")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	if rows.Err() != nil {
		return nil
	}
	return videos
}

func (p *Postgres) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	ctx, cancel := p.opContext()
	defer cancel()

	var updated models.Video
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		video, err := scanVideo(tx.QueryRow(ctx, "SELECT "+videoColumns+" FROM videos WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVideoNotFound
		}
		if err != nil {
			return fmt.Errorf("load video %s: %w", id, err)
		}
		video = applyVideoUpdate(video, update)
		if err := p.writeVideo(ctx, tx, video); err != nil {
			return err
		}
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated, nil
}

func (p *Postgres) writeVideo(ctx context.Context, tx pgx.Tx, video models.Video) error {
	progressJSON, urlsJSON, err := encodeProgressMaps(video)
	if err != nil {
		return err
	}
	var completedAt any
	if video.CompletedAt != nil && !video.CompletedAt.IsZero() {
		completedAt = video.CompletedAt.UTC()
	}
	_, err = tx.Exec(ctx,
		"UPDATE videos SET status = $2, upload_progress = $3, transcoding_progress = $4, hls_urls = $5, error = $6, completed_at = $7 WHERE id = $1",
		video.ID, video.Status, video.UploadProgress, progressJSON, urlsJSON, video.Error, completedAt)
	if err != nil {
		return fmt.Errorf("update video %s: %w", video.ID, err)
	}
	return nil
}

func (p *Postgres) DeleteVideo(id string) error {
	ctx, cancel := p.opContext()
	defer cancel()
	tag, err := p.pool.Exec(ctx, "DELETE FROM videos WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func (p *Postgres) CompleteVideoRendition(videoID, resolution, playlistURL string) (models.Video, bool, error) {
	ctx, cancel := p.opContext()
	defer cancel()

	var updated models.Video
	completedNow := false
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		video, err := scanVideo(tx.QueryRow(ctx, "SELECT "+videoColumns+" FROM videos WHERE id = $1 FOR UPDATE", videoID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVideoNotFound
		}
		if err != nil {
			return fmt.Errorf("load video %s: %w", videoID, err)
		}
		if video.HLSURLs == nil {
			video.HLSURLs = make(map[string]string, 3)
		}
		if video.TranscodingProgress == nil {
			video.TranscodingProgress = make(map[string]int, 3)
		}
		video.HLSURLs[resolution] = playlistURL
		video.TranscodingProgress[resolution] = 100
		if !video.Terminal() && video.RenditionsComplete(models.Resolutions()) {
			completed := p.now()
			video.Status = models.VideoStatusCompleted
			video.CompletedAt = &completed
			completedNow = true
		}
		if err := p.writeVideo(ctx, tx, video); err != nil {
			return err
		}
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, false, err
	}
	return updated, completedNow, nil
}

const sessionColumns = "id, video_id, filename, total_size, chunk_size, total_chunks, status, created_at, expires_at"

func scanSession(row pgx.Row) (models.UploadSession, error) {
	var session models.UploadSession
	err := row.Scan(&session.ID, &session.VideoID, &session.Filename, &session.TotalSize, &session.ChunkSize, &session.TotalChunks, &session.Status, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.ReceivedChunks = []int{}
	return session, nil
}

func (p *Postgres) loadSessionChunks(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := p.pool.Query(ctx, "SELECT chunk_index FROM session_chunks WHERE session_id = $1 ORDER BY chunk_index", sessionID)
	if err != nil {
		return nil, fmt.Errorf("load chunks for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	indices := []int{}
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("scan chunk index for session %s: %w", sessionID, err)
		}
		indices = append(indices, index)
	}
	return indices, rows.Err()
}

func (p *Postgres) CreateSession(params CreateSessionParams) (models.UploadSession, error) {
	now := p.now()
	session := models.UploadSession{
		ID:             uuid.NewString(),
		VideoID:        params.VideoID,
		Filename:       strings.TrimSpace(params.Filename),
		TotalSize:      params.TotalSize,
		ChunkSize:      params.ChunkSize,
		TotalChunks:    params.TotalChunks,
		ReceivedChunks: []int{},
		Status:         models.SessionStatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(params.TTL),
	}

	ctx, cancel := p.opContext()
	defer cancel()
	_, err := p.pool.Exec(ctx,
		"INSERT INTO upload_sessions (id, video_id, filename, total_size, chunk_size, total_chunks, status, created_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		session.ID, session.VideoID, session.Filename, session.TotalSize, session.ChunkSize, session.TotalChunks, session.Status, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("insert upload session %s: %w", session.ID, err)
	}
	return session, nil
}

func (p *Postgres) GetSession(id string) (models.UploadSession, bool) {
	ctx, cancel := p.opContext()
	defer cancel()
	session, err := scanSession(p.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM upload_sessions WHERE id = $1", id))
	if err != nil {
		return models.UploadSession{}, false
	}
	chunks, err := p.loadSessionChunks(ctx, id)
	if err != nil {
		return models.UploadSession{}, false
	}
	session.ReceivedChunks = chunks
	return session, true
}

func (p *Postgres) ListSessions() []models.UploadSession {
	ctx, cancel := p.opContext()
	defer cancel()
	rows, err := p.pool.Query(ctx, "SELECT "+sessionColumns+" FROM upload_sessions ORDER BY created_at, id")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil
		}
		sessions = append(sessions, session)
	}
	if rows.Err() != nil {
		return nil
	}
	rows.Close()

	for i := range sessions {
		chunks, err := p.loadSessionChunks(ctx, sessions[i].ID)
		if err != nil {
			return nil
		}
		sessions[i].ReceivedChunks = chunks
	}
	return sessions
}

func (p *Postgres) UpdateSession(id string, update SessionUpdate) (models.UploadSession, error) {
	ctx, cancel := p.opContext()
	defer cancel()

	if update.Status != nil {
		tag, err := p.pool.Exec(ctx, "UPDATE upload_sessions SET status = $2 WHERE id = $1", id, strings.TrimSpace(*update.Status))
		if err != nil {
			return models.UploadSession{}, fmt.Errorf("update upload session %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return models.UploadSession{}, ErrSessionNotFound
		}
	}
	session, ok := p.GetSession(id)
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	return session, nil
}

func (p *Postgres) ExpireSession(id string) (models.UploadSession, error) {
	ctx, cancel := p.opContext()
	defer cancel()

	_, err := p.pool.Exec(ctx, "UPDATE upload_sessions SET status = $2 WHERE id = $1 AND status = $3",
		id, models.SessionStatusExpired, models.SessionStatusActive)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("expire upload session %s: %w", id, err)
	}
	session, ok := p.GetSession(id)
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	return session, nil
}

func (p *Postgres) MarkChunkReceived(sessionID string, index int) (models.UploadSession, bool) {
	ctx, cancel := p.opContext()
	defer cancel()

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var videoID string
		var totalChunks int
		err := tx.QueryRow(ctx, "SELECT video_id, total_chunks FROM upload_sessions WHERE id = $1 FOR UPDATE", sessionID).Scan(&videoID, &totalChunks)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load upload session %s: %w", sessionID, err)
		}
		_, err = tx.Exec(ctx,
			"INSERT INTO session_chunks (session_id, chunk_index, received_at) VALUES ($1, $2, $3) ON CONFLICT (session_id, chunk_index) DO NOTHING",
			sessionID, index, p.now())
		if err != nil {
			return fmt.Errorf("insert chunk %d for session %s: %w", index, sessionID, err)
		}
		if totalChunks > 0 {
			var received int
			if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM session_chunks WHERE session_id = $1", sessionID).Scan(&received); err != nil {
				return fmt.Errorf("count chunks for session %s: %w", sessionID, err)
			}
			progress := roundPercent(float64(received) / float64(totalChunks) * 100)
			if _, err := tx.Exec(ctx, "UPDATE videos SET upload_progress = $2 WHERE id = $1", videoID, progress); err != nil {
				return fmt.Errorf("update upload progress for video %s: %w", videoID, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.UploadSession{}, false
	}
	return p.GetSession(sessionID)
}

const jobColumns = "id, video_id, resolution, status, progress, input_path, output_path, error, created_at, started_at, completed_at"

func scanJob(row pgx.Row) (models.TranscodingJob, error) {
	var job models.TranscodingJob
	err := row.Scan(&job.ID, &job.VideoID, &job.Resolution, &job.Status, &job.Progress, &job.InputPath, &job.OutputPath, &job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return models.TranscodingJob{}, err
	}
	return job, nil
}

func (p *Postgres) CreateJob(params CreateJobParams) (models.TranscodingJob, error) {
	job := models.TranscodingJob{
		ID:         uuid.NewString(),
		VideoID:    params.VideoID,
		Resolution: params.Resolution,
		Status:     models.JobStatusPending,
		InputPath:  params.InputPath,
		CreatedAt:  p.now(),
	}

	ctx, cancel := p.opContext()
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO transcoding_jobs (id, video_id, resolution, status, progress, input_path, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (video_id, resolution) DO NOTHING",
		job.ID, job.VideoID, job.Resolution, job.Status, job.Progress, job.InputPath, job.CreatedAt)
	if err != nil {
		return models.TranscodingJob{}, fmt.Errorf("insert transcoding job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.TranscodingJob{}, ErrDuplicateJob
	}
	return job, nil
}

func (p *Postgres) GetJob(id string) (models.TranscodingJob, bool) {
	ctx, cancel := p.opContext()
	defer cancel()
	job, err := scanJob(p.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM transcoding_jobs WHERE id = $1", id))
	if err != nil {
		return models.TranscodingJob{}, false
	}
	return job, true
}

func (p *Postgres) ListJobsByVideo(videoID string) []models.TranscodingJob {
	ctx, cancel := p.opContext()
	defer cancel()
	rows, err := p.pool.Query(ctx, "SELECT "+jobColumns+" FROM transcoding_jobs WHERE video_id = $1", videoID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var jobs []models.TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil
	}
	sort.Slice(jobs, func(i, j int) bool {
		return resolutionRank(jobs[i].Resolution) < resolutionRank(jobs[j].Resolution)
	})
	return jobs
}

func (p *Postgres) UpdateJob(id string, update JobUpdate) (models.TranscodingJob, error) {
	ctx, cancel := p.opContext()
	defer cancel()

	var updated models.TranscodingJob
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM transcoding_jobs WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load transcoding job %s: %w", id, err)
		}
		job = applyJobUpdate(job, update)
		var startedAt, completedAt any
		if job.StartedAt != nil && !job.StartedAt.IsZero() {
			startedAt = job.StartedAt.UTC()
		}
		if job.CompletedAt != nil && !job.CompletedAt.IsZero() {
			completedAt = job.CompletedAt.UTC()
		}
		_, err = tx.Exec(ctx,
			"UPDATE transcoding_jobs SET status = $2, progress = $3, output_path = $4, error = $5, started_at = $6, completed_at = $7 WHERE id = $1",
			job.ID, job.Status, job.Progress, job.OutputPath, job.Error, startedAt, completedAt)
		if err != nil {
			return fmt.Errorf("update transcoding job %s: %w", id, err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return models.TranscodingJob{}, err
	}
	return updated, nil
}

func (p *Postgres) QueueStats() QueueStats {
	ctx, cancel := p.opContext()
	defer cancel()
	rows, err := p.pool.Query(ctx, "SELECT status, COUNT(*) FROM transcoding_jobs GROUP BY status")
	if err != nil {
		return QueueStats{}
	}
	defer rows.Close()

	stats := QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}
		}
		switch status {
		case models.JobStatusPending:
			stats.Waiting = count
		case models.JobStatusProcessing:
			stats.Active = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats
}

var _ Repository = (*Postgres)(nil)
