package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"reflect"
	"sync"
	"testing"

	"vodforge/internal/events"
	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

type coordinatorHarness struct {
	store  *storage.Storage
	layout media.Layout
	queue  *transcode.MemoryQueue
	bus    *recordingBus
	coord  *Coordinator
}

func newHarness(t *testing.T) *coordinatorHarness {
	t.Helper()
	layout := media.NewLayout(t.TempDir())
	if err := layout.EnsureBase(); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := media.NewCollector(media.CollectorConfig{Layout: layout, Sessions: store, Logger: logger})
	queue := transcode.NewMemoryQueue()
	bus := &recordingBus{}
	coord := NewCoordinator(Config{
		Store:     store,
		Layout:    layout,
		Collector: collector,
		Queue:     queue,
		Bus:       bus,
		Logger:    logger,
	})
	return &coordinatorHarness{store: store, layout: layout, queue: queue, bus: bus, coord: coord}
}

func (h *coordinatorHarness) createSession(t *testing.T, totalSize int64) models.UploadSession {
	t.Helper()
	session, err := h.coord.CreateSession(CreateSessionRequest{Filename: "clip.mp4", TotalSize: totalSize, MimeType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func (h *coordinatorHarness) saveChunk(t *testing.T, sessionID string, index int, body []byte) ChunkReceipt {
	t.Helper()
	receipt, err := h.coord.SaveChunk(sessionID, index, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("SaveChunk(%d): %v", index, err)
	}
	return receipt
}

func wantStatus(t *testing.T, err error, status int) *Error {
	t.Helper()
	var uploadErr *Error
	if !errors.As(err, &uploadErr) {
		t.Fatalf("error %v is not an upload error", err)
	}
	if uploadErr.Status != status {
		t.Fatalf("status = %d, want %d (message %q)", uploadErr.Status, status, uploadErr.Message)
	}
	return uploadErr
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		req  CreateSessionRequest
	}{
		{"missing filename", CreateSessionRequest{TotalSize: 100, MimeType: "video/mp4"}},
		{"zero size", CreateSessionRequest{Filename: "a.mp4", MimeType: "video/mp4"}},
		{"negative size", CreateSessionRequest{Filename: "a.mp4", TotalSize: -1, MimeType: "video/mp4"}},
		{"over limit", CreateSessionRequest{Filename: "a.mp4", TotalSize: DefaultMaxUpload + 1, MimeType: "video/mp4"}},
		{"missing mime", CreateSessionRequest{Filename: "a.mp4", TotalSize: 100}},
	}
	for _, tc := range cases {
		if _, err := h.coord.CreateSession(tc.req); err == nil {
			t.Errorf("%s: accepted", tc.name)
		} else {
			wantStatus(t, err, http.StatusBadRequest)
		}
	}
	if videos := h.store.ListVideos(); len(videos) != 0 {
		t.Fatalf("rejected requests left %d videos behind", len(videos))
	}
}

func TestCreateSessionShape(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)

	if session.ChunkSize != DefaultChunkSize {
		t.Fatalf("chunk size = %d, want %d", session.ChunkSize, DefaultChunkSize)
	}
	if session.TotalChunks != 3 {
		t.Fatalf("total chunks = %d, want 3", session.TotalChunks)
	}
	if session.Status != models.SessionStatusActive {
		t.Fatalf("status = %s, want active", session.Status)
	}
	video, ok := h.store.GetVideo(session.VideoID)
	if !ok {
		t.Fatal("owning video not created")
	}
	if video.Status != models.VideoStatusUploading {
		t.Fatalf("video status = %s, want uploading", video.Status)
	}
	if video.Size != 5_000_000 || video.Filename != "clip.mp4" {
		t.Fatalf("video fields = %+v", video)
	}
}

func TestSaveChunkProgressSequence(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)

	steps := []struct {
		index    int
		progress float64
	}{
		{2, 33.33},
		{0, 66.67},
		{1, 100},
	}
	for _, step := range steps {
		receipt := h.saveChunk(t, session.ID, step.index, []byte("payload"))
		if !receipt.Success {
			t.Fatalf("chunk %d: success = false", step.index)
		}
		if receipt.Progress != step.progress {
			t.Fatalf("chunk %d: progress = %v, want %v", step.index, receipt.Progress, step.progress)
		}
		if receipt.TotalChunks != 3 {
			t.Fatalf("chunk %d: totalChunks = %d, want 3", step.index, receipt.TotalChunks)
		}
	}

	// Re-posting a received index succeeds without growing the set.
	receipt := h.saveChunk(t, session.ID, 2, []byte("payload"))
	if receipt.UploadedChunks != 3 || receipt.Progress != 100 {
		t.Fatalf("duplicate receipt = %+v, want 3 chunks at 100", receipt)
	}
}

func TestSaveChunkValidation(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)

	if _, err := h.coord.SaveChunk("missing", 0, bytes.NewReader([]byte("x"))); err == nil {
		t.Fatal("unknown session accepted")
	} else {
		wantStatus(t, err, http.StatusNotFound)
	}
	if _, err := h.coord.SaveChunk(session.ID, 3, bytes.NewReader([]byte("x"))); err == nil {
		t.Fatal("out-of-range index accepted")
	} else {
		wantStatus(t, err, http.StatusBadRequest)
	}
	if _, err := h.coord.SaveChunk(session.ID, -1, bytes.NewReader([]byte("x"))); err == nil {
		t.Fatal("negative index accepted")
	} else {
		wantStatus(t, err, http.StatusBadRequest)
	}
	if _, err := h.coord.SaveChunk(session.ID, 0, bytes.NewReader(nil)); err == nil {
		t.Fatal("empty body accepted")
	} else {
		wantStatus(t, err, http.StatusBadRequest)
	}
	if updated, _ := h.store.GetSession(session.ID); updated.Received() != 0 {
		t.Fatalf("rejected chunks were recorded: %v", updated.ReceivedChunks)
	}
}

func TestSaveChunkConcurrentSameIndex(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)

	first := bytes.Repeat([]byte("a"), 512)
	second := bytes.Repeat([]byte("b"), 512)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, body := range [][]byte{first, second} {
		wg.Add(1)
		go func(body []byte) {
			defer wg.Done()
			_, err := h.coord.SaveChunk(session.ID, 1, bytes.NewReader(body))
			errs <- err
		}(body)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent SaveChunk: %v", err)
		}
	}

	content, err := os.ReadFile(h.layout.ChunkPath(session.ID, 1))
	if err != nil {
		t.Fatalf("read chunk file: %v", err)
	}
	if !bytes.Equal(content, first) && !bytes.Equal(content, second) {
		t.Fatalf("chunk file is neither body (len %d)", len(content))
	}
	updated, _ := h.store.GetSession(session.ID)
	if updated.Received() != 1 {
		t.Fatalf("received count = %d, want 1", updated.Received())
	}
}

func TestSaveChunkStorageFullAfterSweep(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)

	// An unreachable free-space floor keeps LowSpace true after the sweep.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	starved := NewCoordinator(Config{
		Store:  h.store,
		Layout: h.layout,
		Collector: media.NewCollector(media.CollectorConfig{
			Layout:       h.layout,
			Sessions:     h.store,
			Logger:       logger,
			MinFreeBytes: math.MaxUint64,
		}),
		Queue:  h.queue,
		Bus:    h.bus,
		Logger: logger,
	})

	_, err := starved.SaveChunk(session.ID, 0, bytes.NewReader([]byte("payload")))
	uploadErr := wantStatus(t, err, http.StatusInsufficientStorage)
	if !uploadErr.Retryable {
		t.Fatalf("expected storage-full error to carry the retryable hint")
	}
	updated, _ := h.store.GetSession(session.ID)
	if updated.Received() != 0 {
		t.Fatalf("received count = %d, want 0 after rejected chunk", updated.Received())
	}
}

func TestCompleteAssemblesAndFansOut(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)

	bodies := [][]byte{[]byte("alpha-"), []byte("bravo-"), []byte("charlie")}
	for _, index := range []int{2, 0, 1} {
		h.saveChunk(t, session.ID, index, bodies[index])
	}

	receipt, err := h.coord.Complete(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !receipt.Success || receipt.VideoID != session.VideoID {
		t.Fatalf("receipt = %+v", receipt)
	}

	assembled, err := os.ReadFile(h.layout.UploadPath(session.VideoID, ".mp4"))
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if want := bytes.Join(bodies, nil); !bytes.Equal(assembled, want) {
		t.Fatalf("assembled bytes = %q, want %q", assembled, want)
	}
	if _, err := os.Stat(h.layout.SessionChunkDir(session.ID)); !os.IsNotExist(err) {
		t.Fatalf("chunk dir survived assembly: %v", err)
	}

	updated, _ := h.store.GetSession(session.ID)
	if updated.Status != models.SessionStatusCompleted {
		t.Fatalf("session status = %s, want completed", updated.Status)
	}
	video, _ := h.store.GetVideo(session.VideoID)
	if video.Status != models.VideoStatusQueued {
		t.Fatalf("video status = %s, want queued", video.Status)
	}
	if video.UploadProgress != 100 {
		t.Fatalf("upload progress = %v, want 100", video.UploadProgress)
	}
	for _, res := range models.Resolutions() {
		if pct, ok := video.TranscodingProgress[res]; !ok || pct != 0 {
			t.Fatalf("transcoding progress not seeded for %s: %v", res, video.TranscodingProgress)
		}
	}

	jobs := h.store.ListJobsByVideo(session.VideoID)
	if len(jobs) != 3 {
		t.Fatalf("job count = %d, want 3", len(jobs))
	}
	for i, res := range models.Resolutions() {
		if jobs[i].Resolution != res {
			t.Fatalf("job %d resolution = %s, want %s", i, jobs[i].Resolution, res)
		}
		if jobs[i].Status != models.JobStatusPending {
			t.Fatalf("job %s status = %s, want pending", res, jobs[i].Status)
		}
		if jobs[i].InputPath != h.layout.UploadPath(session.VideoID, ".mp4") {
			t.Fatalf("job input path = %s", jobs[i].InputPath)
		}
	}

	if depth, _ := h.queue.Depth(context.Background()); depth != 3 {
		t.Fatalf("queue depth = %d, want 3", depth)
	}
	for _, res := range models.Resolutions() {
		task, err := h.queue.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.Resolution != res {
			t.Fatalf("dequeued %s, want %s", task.Resolution, res)
		}
	}

	published := h.bus.snapshot()
	if len(published) != 1 || published[0].Type != events.TypeUploadCompleted {
		t.Fatalf("events = %+v, want one upload-completed", published)
	}
	if published[0].VideoID != session.VideoID {
		t.Fatalf("event video id = %s, want %s", published[0].VideoID, session.VideoID)
	}
}

func TestCompleteRejectsIncompleteUpload(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)
	h.saveChunk(t, session.ID, 0, []byte("a"))
	h.saveChunk(t, session.ID, 1, []byte("b"))

	_, err := h.coord.Complete(context.Background(), session.ID)
	uploadErr := wantStatus(t, err, http.StatusBadRequest)
	if !reflect.DeepEqual(uploadErr.Missing, []int{2}) {
		t.Fatalf("missing = %v, want [2]", uploadErr.Missing)
	}
	if uploadErr.Received != 2 || uploadErr.Total != 3 {
		t.Fatalf("counts = %d/%d, want 2/3", uploadErr.Received, uploadErr.Total)
	}
	if jobs := h.store.ListJobsByVideo(session.VideoID); len(jobs) != 0 {
		t.Fatalf("incomplete upload created %d jobs", len(jobs))
	}
}

func TestCompleteMissingChunksCapped(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 30*DefaultChunkSize)
	if session.TotalChunks != 30 {
		t.Fatalf("total chunks = %d, want 30", session.TotalChunks)
	}
	h.saveChunk(t, session.ID, 0, []byte("only one"))

	_, err := h.coord.Complete(context.Background(), session.ID)
	uploadErr := wantStatus(t, err, http.StatusBadRequest)
	if len(uploadErr.Missing) != missingChunksCap {
		t.Fatalf("missing list length = %d, want %d", len(uploadErr.Missing), missingChunksCap)
	}
	if uploadErr.Missing[0] != 1 {
		t.Fatalf("first missing = %d, want 1", uploadErr.Missing[0])
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)
	for index := 0; index < 3; index++ {
		h.saveChunk(t, session.ID, index, []byte("x"))
	}
	if _, err := h.coord.Complete(context.Background(), session.ID); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	receipt, err := h.coord.Complete(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !receipt.Success || receipt.VideoID != session.VideoID {
		t.Fatalf("second receipt = %+v", receipt)
	}
	if jobs := h.store.ListJobsByVideo(session.VideoID); len(jobs) != 3 {
		t.Fatalf("job count after re-complete = %d, want 3", len(jobs))
	}
	if depth, _ := h.queue.Depth(context.Background()); depth != 3 {
		t.Fatalf("queue depth after re-complete = %d, want 3", depth)
	}
}

func TestCancelSessionRemovesUploadingVideo(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)
	h.saveChunk(t, session.ID, 0, []byte("partial"))

	if err := h.coord.CancelSession(session.ID); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if _, err := os.Stat(h.layout.SessionChunkDir(session.ID)); !os.IsNotExist(err) {
		t.Fatalf("chunk dir survived cancel: %v", err)
	}
	if _, ok := h.store.GetVideo(session.VideoID); ok {
		t.Fatal("uploading video survived cancel")
	}
	if _, ok := h.store.GetSession(session.ID); ok {
		t.Fatal("session record survived cancel")
	}
	if err := h.coord.CancelSession("missing"); err == nil {
		t.Fatal("cancel of unknown session accepted")
	} else {
		wantStatus(t, err, http.StatusNotFound)
	}
}

func TestCancelSessionAfterCompleteIsNoOp(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)
	for index := 0; index < 3; index++ {
		h.saveChunk(t, session.ID, index, []byte("x"))
	}
	if _, err := h.coord.Complete(context.Background(), session.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := h.coord.CancelSession(session.ID); err != nil {
		t.Fatalf("CancelSession after complete: %v", err)
	}
	if _, ok := h.store.GetVideo(session.VideoID); !ok {
		t.Fatal("completed video removed by late cancel")
	}
	if jobs := h.store.ListJobsByVideo(session.VideoID); len(jobs) != 3 {
		t.Fatalf("job count = %d, want 3", len(jobs))
	}
}

func TestDeleteVideoRemovesArtifactsAndState(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, 5_000_000)
	for index := 0; index < 3; index++ {
		h.saveChunk(t, session.ID, index, []byte("x"))
	}
	if _, err := h.coord.Complete(context.Background(), session.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	playlist := h.layout.PlaylistPath(session.VideoID, models.ResolutionLow)
	if err := os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}

	if err := h.coord.DeleteVideo(session.VideoID); err != nil {
		t.Fatalf("DeleteVideo: %v", err)
	}
	if _, err := os.Stat(h.layout.VideoOutputDir(session.VideoID)); !os.IsNotExist(err) {
		t.Fatalf("transcoded tree survived delete: %v", err)
	}
	if _, err := os.Stat(h.layout.UploadPath(session.VideoID, ".mp4")); !os.IsNotExist(err) {
		t.Fatalf("uploaded source survived delete: %v", err)
	}
	if _, ok := h.store.GetVideo(session.VideoID); ok {
		t.Fatal("video record survived delete")
	}
	if jobs := h.store.ListJobsByVideo(session.VideoID); len(jobs) != 0 {
		t.Fatalf("jobs survived delete: %d", len(jobs))
	}
	if err := h.coord.DeleteVideo(session.VideoID); err == nil {
		t.Fatal("second delete accepted")
	} else {
		wantStatus(t, err, http.StatusNotFound)
	}
}
