package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"vodforge/internal/events"
	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
	"vodforge/internal/upload"
)

// hlsWritingEncoder stands in for ffmpeg: it drops a playlist and one segment
// into the output directory and reports progress. Resolutions listed in
// failFirst crash that many attempts before succeeding.
type hlsWritingEncoder struct {
	mu        sync.Mutex
	failFirst map[string]int
	calls     map[string]int
}

func newHLSWritingEncoder(failFirst map[string]int) *hlsWritingEncoder {
	return &hlsWritingEncoder{failFirst: failFirst, calls: make(map[string]int)}
}

func (e *hlsWritingEncoder) Encode(_ context.Context, _ string, outputDir string, rendition transcode.Rendition, onProgress transcode.ProgressFunc) error {
	e.mu.Lock()
	e.calls[rendition.Name]++
	remaining := e.failFirst[rendition.Name]
	if remaining > 0 {
		e.failFirst[rendition.Name] = remaining - 1
	}
	e.mu.Unlock()
	if remaining > 0 {
		return errors.New("simulated encoder crash")
	}

	onProgress(25)
	onProgress(60)
	if err := os.WriteFile(filepath.Join(outputDir, "seg_000.ts"), []byte{0x47, 0x1f}, 0o644); err != nil {
		return err
	}
	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXTINF:4.0,\nseg_000.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(filepath.Join(outputDir, "playlist.m3u8"), []byte(playlist), 0o644); err != nil {
		return err
	}
	onProgress(100)
	return nil
}

func (e *hlsWritingEncoder) callCount(resolution string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[resolution]
}

// pipeline wires the full service the way cmd/server does, minus the HTTP
// listener: coordinator, collector, queue, bus, gateway-less handler, and a
// running worker pool.
type pipeline struct {
	handler *Handler
	store   *storage.Storage
	layout  media.Layout
	queue   *transcode.MemoryQueue

	mu       sync.Mutex
	recorded []events.Event
}

func startPipeline(t *testing.T, encoder transcode.Encoder, mutate func(cfg *transcode.PoolConfig)) *pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layout := media.NewLayout(t.TempDir())
	if err := layout.EnsureBase(); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	store := storage.NewMemory()
	collector := media.NewCollector(media.CollectorConfig{Layout: layout, Sessions: store, Logger: logger})
	queue := transcode.NewMemoryQueue()
	bus := events.NewBus(logger)

	p := &pipeline{store: store, layout: layout, queue: queue}
	bus.Subscribe(func(event events.Event) {
		p.mu.Lock()
		p.recorded = append(p.recorded, event)
		p.mu.Unlock()
	})

	uploads := upload.NewCoordinator(upload.Config{
		Store:     store,
		Layout:    layout,
		Collector: collector,
		Queue:     queue,
		Bus:       bus,
		Logger:    logger,
		ChunkSize: testChunkSize,
	})
	handler := NewHandler(store, uploads)
	handler.Collector = collector
	handler.Layout = layout
	handler.Queue = queue
	handler.Logger = logger
	p.handler = handler

	cfg := transcode.PoolConfig{
		Queue:           queue,
		Store:           store,
		Encoder:         encoder,
		Bus:             bus,
		Layout:          layout,
		Logger:          logger,
		Concurrency:     3,
		MaxAttempts:     2,
		RetryBase:       time.Millisecond,
		StartsPerWindow: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pool := transcode.NewPool(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		_ = queue.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("pool run: %v", err)
		}
	})
	return p
}

func (p *pipeline) uploadVideo(t *testing.T, chunks [][]byte) string {
	t.Helper()
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}
	session := createTestSession(t, p.handler, int64(total))
	for i, chunk := range chunks {
		rec := postChunk(t, p.handler, session.ID, i, chunk)
		if rec.Code != http.StatusOK {
			t.Fatalf("chunk %d: expected status 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/upload/complete", strings.NewReader(`{"sessionId":"`+session.ID+`"}`))
	rec := httptest.NewRecorder()
	p.handler.UploadComplete(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected complete status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	return session.VideoID
}

func (p *pipeline) waitForVideoStatus(t *testing.T, videoID, want string) models.Video {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if video, ok := p.store.GetVideo(videoID); ok && video.Status == want {
			return video
		}
		time.Sleep(5 * time.Millisecond)
	}
	video, _ := p.store.GetVideo(videoID)
	t.Fatalf("video %s never reached %s, last state %+v", videoID, want, video)
	return models.Video{}
}

func (p *pipeline) eventsSnapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.recorded...)
}

// waitForEventCount parks until the bus delivered want events of one type.
// Terminal state lands in the store before the matching event publishes, so
// a status wait alone can observe the snapshot one event short.
func (p *pipeline) waitForEventCount(t *testing.T, eventType string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, event := range p.eventsSnapshot() {
			if event.Type == eventType {
				count++
			}
		}
		if count >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d %s events", want, eventType)
}

func TestPipelineUploadToPlayback(t *testing.T) {
	p := startPipeline(t, newHLSWritingEncoder(nil), nil)

	videoID := p.uploadVideo(t, [][]byte{
		bytes.Repeat([]byte{'a'}, testChunkSize),
		bytes.Repeat([]byte{'b'}, testChunkSize),
	})
	video := p.waitForVideoStatus(t, videoID, models.VideoStatusCompleted)

	if video.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
	for _, resolution := range models.Resolutions() {
		wantURL := "/stream/" + videoID + "/" + resolution + "/playlist.m3u8"
		if video.HLSURLs[resolution] != wantURL {
			t.Fatalf("%s playlist url = %q, want %q", resolution, video.HLSURLs[resolution], wantURL)
		}
		if video.TranscodingProgress[resolution] != 100 {
			t.Fatalf("%s progress = %d, want 100", resolution, video.TranscodingProgress[resolution])
		}
		if _, err := os.Stat(p.layout.PlaylistPath(videoID, resolution)); err != nil {
			t.Fatalf("%s playlist missing on disk: %v", resolution, err)
		}
	}

	// The finished renditions stream straight back out of the same tree.
	req := httptest.NewRequest(http.MethodGet, "/stream/"+videoID+"/"+models.ResolutionMedium+"/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	p.handler.Stream(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected playlist status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "#EXTM3U") {
		t.Fatalf("unexpected playlist body %q", rec.Body.String())
	}
	req = httptest.NewRequest(http.MethodGet, "/stream/"+videoID+"/"+models.ResolutionMedium+"/seg_000.ts", nil)
	rec = httptest.NewRecorder()
	p.handler.Stream(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected segment status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec = httptest.NewRecorder()
	p.handler.QueueStats(rec, req)
	var stats storage.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode queue stats: %v", err)
	}
	if stats.Completed != 3 || stats.Waiting != 0 || stats.Active != 0 || stats.Failed != 0 {
		t.Fatalf("unexpected queue stats %+v", stats)
	}

	p.waitForEventCount(t, events.TypeTranscodingCompleted, 3)
	counts := map[string]int{}
	progressByRes := map[string][]int{}
	for _, event := range p.eventsSnapshot() {
		counts[event.Type]++
		if event.VideoID != videoID {
			t.Fatalf("event for unexpected video: %+v", event)
		}
		if event.Type == events.TypeTranscodingProgress {
			resolution := event.Data["resolution"].(string)
			progressByRes[resolution] = append(progressByRes[resolution], event.Data["progress"].(int))
		}
	}
	if counts[events.TypeUploadCompleted] != 1 {
		t.Fatalf("upload-completed count = %d, want 1", counts[events.TypeUploadCompleted])
	}
	if counts[events.TypeTranscodingStarted] != 3 || counts[events.TypeTranscodingCompleted] != 3 {
		t.Fatalf("unexpected start/complete counts: %v", counts)
	}
	for _, resolution := range models.Resolutions() {
		if got := progressByRes[resolution]; !reflect.DeepEqual(got, []int{0, 25, 60, 100}) {
			t.Fatalf("%s progress sequence = %v, want [0 25 60 100]", resolution, got)
		}
	}
}

func TestPipelineRetriesTransientEncoderFailure(t *testing.T) {
	encoder := newHLSWritingEncoder(map[string]int{models.ResolutionLow: 1})
	p := startPipeline(t, encoder, nil)

	videoID := p.uploadVideo(t, [][]byte{bytes.Repeat([]byte{'a'}, testChunkSize)})
	p.waitForVideoStatus(t, videoID, models.VideoStatusCompleted)

	if got := encoder.callCount(models.ResolutionLow); got != 2 {
		t.Fatalf("low encode attempts = %d, want 2", got)
	}
	if got := encoder.callCount(models.ResolutionHigh); got != 1 {
		t.Fatalf("high encode attempts = %d, want 1", got)
	}
}

func TestPipelineFailureMarksVideoFailed(t *testing.T) {
	encoder := newHLSWritingEncoder(map[string]int{models.ResolutionHigh: 10})
	p := startPipeline(t, encoder, func(cfg *transcode.PoolConfig) {
		// One worker keeps the rendition order deterministic: low and medium
		// finish before the doomed high-resolution job runs out of attempts.
		cfg.Concurrency = 1
	})

	videoID := p.uploadVideo(t, [][]byte{bytes.Repeat([]byte{'a'}, testChunkSize)})
	video := p.waitForVideoStatus(t, videoID, models.VideoStatusFailed)

	if !strings.Contains(video.Error, "simulated encoder crash") {
		t.Fatalf("video error = %q, want encoder message", video.Error)
	}
	if video.HLSURLs[models.ResolutionLow] == "" || video.HLSURLs[models.ResolutionMedium] == "" {
		t.Fatalf("expected finished renditions to keep their playlists: %+v", video.HLSURLs)
	}

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	p.handler.QueueStats(rec, req)
	var stats storage.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode queue stats: %v", err)
	}
	if stats.Completed != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected queue stats %+v", stats)
	}

	p.waitForEventCount(t, events.TypeTranscodingFailed, 1)
	var failed *events.Event
	for _, event := range p.eventsSnapshot() {
		if event.Type == events.TypeTranscodingFailed {
			captured := event
			failed = &captured
		}
	}
	if failed == nil {
		t.Fatal("no transcoding-failed event published")
	}
	if failed.Data["resolution"] != models.ResolutionHigh {
		t.Fatalf("failed resolution = %v, want %s", failed.Data["resolution"], models.ResolutionHigh)
	}
}
