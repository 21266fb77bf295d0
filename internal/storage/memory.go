package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/models"
)

type dataset struct {
	Videos   map[string]models.Video
	Sessions map[string]models.UploadSession
	Jobs     map[string]models.TranscodingJob
	// received holds the canonical chunk-index sets keyed by session id;
	// session snapshots expose them as sorted slices.
	received map[string]map[int]struct{}
}

func newDataset() dataset {
	return dataset{
		Videos:   make(map[string]models.Video),
		Sessions: make(map[string]models.UploadSession),
		Jobs:     make(map[string]models.TranscodingJob),
		received: make(map[string]map[int]struct{}),
	}
}

// Storage is the in-memory reference driver. One RWMutex guards the whole
// dataset so cross-record operations (chunk marking, rendition completion)
// stay atomic without lock ordering concerns.
type Storage struct {
	mu   sync.RWMutex
	data dataset
	now  func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...Option) *Storage {
	store := &Storage{
		data: newDataset(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(store)
		}
	}
	return store
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close satisfies the driver shutdown hook; the memory store holds nothing.
func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	video := models.Video{
		ID:        uuid.NewString(),
		Filename:  strings.TrimSpace(params.Filename),
		Size:      params.Size,
		MimeType:  strings.TrimSpace(params.MimeType),
		Status:    models.VideoStatusUploading,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.data.Videos[video.ID] = video
	s.mu.Unlock()

	return cloneVideo(video), nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if !videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].CreatedAt.After(videos[j].CreatedAt)
		}
		return videos[i].ID < videos[j].ID
	})
	return videos
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	video = applyVideoUpdate(video, update)
	s.data.Videos[id] = video
	return cloneVideo(video), nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[id]; !ok {
		return ErrVideoNotFound
	}
	delete(s.data.Videos, id)
	for jobID, job := range s.data.Jobs {
		if job.VideoID == id {
			delete(s.data.Jobs, jobID)
		}
	}
	for sessionID, session := range s.data.Sessions {
		if session.VideoID == id {
			delete(s.data.Sessions, sessionID)
			delete(s.data.received, sessionID)
		}
	}
	return nil
}

func (s *Storage) CompleteVideoRendition(videoID, resolution, playlistURL string) (models.Video, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[videoID]
	if !ok {
		return models.Video{}, false, ErrVideoNotFound
	}
	if video.HLSURLs == nil {
		video.HLSURLs = make(map[string]string, 3)
	}
	if video.TranscodingProgress == nil {
		video.TranscodingProgress = make(map[string]int, 3)
	}
	video.HLSURLs[resolution] = playlistURL
	video.TranscodingProgress[resolution] = 100

	completedNow := false
	if !video.Terminal() && video.RenditionsComplete(models.Resolutions()) {
		completed := s.now()
		video.Status = models.VideoStatusCompleted
		video.CompletedAt = &completed
		completedNow = true
	}

	s.data.Videos[videoID] = video
	return cloneVideo(video), completedNow, nil
}

func (s *Storage) CreateSession(params CreateSessionParams) (models.UploadSession, error) {
	now := s.now()
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

	s.mu.Lock()
	s.data.Sessions[session.ID] = session
	s.data.received[session.ID] = make(map[int]struct{})
	s.mu.Unlock()

	return session, nil
}

func (s *Storage) GetSession(id string) (models.UploadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, false
	}
	return s.sessionSnapshot(session), true
}

func (s *Storage) ListSessions() []models.UploadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.UploadSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, s.sessionSnapshot(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

func (s *Storage) UpdateSession(id string, update SessionUpdate) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if update.Status != nil {
		session.Status = strings.TrimSpace(*update.Status)
	}
	s.data.Sessions[id] = session
	return s.sessionSnapshot(session), nil
}

func (s *Storage) ExpireSession(id string) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if session.Status == models.SessionStatusActive {
		session.Status = models.SessionStatusExpired
		s.data.Sessions[id] = session
	}
	return s.sessionSnapshot(session), nil
}

func (s *Storage) MarkChunkReceived(sessionID string, index int) (models.UploadSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[sessionID]
	if !ok {
		return models.UploadSession{}, false
	}
	set := s.data.received[sessionID]
	if set == nil {
		set = make(map[int]struct{})
		s.data.received[sessionID] = set
	}
	set[index] = struct{}{}

	if video, ok := s.data.Videos[session.VideoID]; ok && session.TotalChunks > 0 {
		video.UploadProgress = roundPercent(float64(len(set)) / float64(session.TotalChunks) * 100)
		s.data.Videos[session.VideoID] = video
	}

	return s.sessionSnapshot(session), true
}

func (s *Storage) CreateJob(params CreateJobParams) (models.TranscodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Jobs {
		if existing.VideoID == params.VideoID && existing.Resolution == params.Resolution {
			return models.TranscodingJob{}, ErrDuplicateJob
		}
	}

	job := models.TranscodingJob{
		ID:         uuid.NewString(),
		VideoID:    params.VideoID,
		Resolution: params.Resolution,
		Status:     models.JobStatusPending,
		InputPath:  params.InputPath,
		CreatedAt:  s.now(),
	}
	s.data.Jobs[job.ID] = job
	return job, nil
}

func (s *Storage) GetJob(id string) (models.TranscodingJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	return job, ok
}

func (s *Storage) ListJobsByVideo(videoID string) []models.TranscodingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.TranscodingJob, 0, 3)
	for _, job := range s.data.Jobs {
		if job.VideoID == videoID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return resolutionRank(jobs[i].Resolution) < resolutionRank(jobs[j].Resolution)
	})
	return jobs
}

func (s *Storage) UpdateJob(id string, update JobUpdate) (models.TranscodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.TranscodingJob{}, ErrJobNotFound
	}
	job = applyJobUpdate(job, update)
	s.data.Jobs[id] = job
	return job, nil
}

func (s *Storage) QueueStats() QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := QueueStats{}
	for _, job := range s.data.Jobs {
		switch job.Status {
		case models.JobStatusPending:
			stats.Waiting++
		case models.JobStatusProcessing:
			stats.Active++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// sessionSnapshot materialises the received-index set into the wire shape.
// Callers must hold at least the read lock.
func (s *Storage) sessionSnapshot(session models.UploadSession) models.UploadSession {
	set := s.data.received[session.ID]
	indices := make([]int, 0, len(set))
	for idx := range set {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	session.ReceivedChunks = indices
	return session
}

func applyVideoUpdate(video models.Video, update VideoUpdate) models.Video {
	if update.Status != nil {
		video.Status = strings.TrimSpace(*update.Status)
	}
	if update.UploadProgress != nil {
		video.UploadProgress = clampPercentFloat(*update.UploadProgress)
	}
	if len(update.TranscodingProgress) > 0 {
		if video.TranscodingProgress == nil {
			video.TranscodingProgress = make(map[string]int, 3)
		}
		for res, pct := range update.TranscodingProgress {
			video.TranscodingProgress[res] = clampPercent(pct)
		}
	}
	if len(update.HLSURLs) > 0 {
		if video.HLSURLs == nil {
			video.HLSURLs = make(map[string]string, 3)
		}
		for res, url := range update.HLSURLs {
			video.HLSURLs[res] = url
		}
	}
	if update.Error != nil {
		video.Error = strings.TrimSpace(*update.Error)
	}
	if update.CompletedAt != nil {
		if update.CompletedAt.IsZero() {
			video.CompletedAt = nil
		} else {
			completed := update.CompletedAt.UTC()
			video.CompletedAt = &completed
		}
	}
	return video
}

func applyJobUpdate(job models.TranscodingJob, update JobUpdate) models.TranscodingJob {
	if update.Status != nil {
		job.Status = strings.TrimSpace(*update.Status)
	}
	if update.Progress != nil {
		job.Progress = clampPercent(*update.Progress)
	}
	if update.OutputPath != nil {
		job.OutputPath = strings.TrimSpace(*update.OutputPath)
	}
	if update.Error != nil {
		job.Error = strings.TrimSpace(*update.Error)
	}
	if update.StartedAt != nil {
		started := update.StartedAt.UTC()
		job.StartedAt = &started
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		job.CompletedAt = &completed
	}
	return job
}

func cloneVideo(video models.Video) models.Video {
	if video.TranscodingProgress != nil {
		progress := make(map[string]int, len(video.TranscodingProgress))
		for res, pct := range video.TranscodingProgress {
			progress[res] = pct
		}
		video.TranscodingProgress = progress
	}
	if video.HLSURLs != nil {
		urls := make(map[string]string, len(video.HLSURLs))
		for res, url := range video.HLSURLs {
			urls[res] = url
		}
		video.HLSURLs = urls
	}
	return video
}

func resolutionRank(resolution string) int {
	switch resolution {
	case models.ResolutionLow:
		return 0
	case models.ResolutionMedium:
		return 1
	case models.ResolutionHigh:
		return 2
	}
	return 3
}

func clampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func clampPercentFloat(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// roundPercent keeps upload progress at two decimals (33.33, 66.67, 100).
func roundPercent(pct float64) float64 {
	return clampPercentFloat(math.Round(pct*100) / 100)
}
