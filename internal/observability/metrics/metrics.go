package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel keys transcoding job counters by rendition and lifecycle status.
type JobLabel struct {
	Resolution string
	Status     string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, upload activity, transcoding jobs, pipeline events, websocket
// clients, and storage sweeps. It coordinates concurrent writers via a
// RWMutex while exposing thread-safe gauges for active job and client
// tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadChunks    map[string]uint64
	uploadSessions  map[string]uint64
	jobEvents       map[JobLabel]uint64
	pipelineEvents  map[string]uint64
	sweepRuns       uint64
	sweepRemoved    uint64
	uploadBytes     atomic.Int64
	activeJobs      atomic.Int64
	wsClients       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadChunks:    make(map[string]uint64),
		uploadSessions:  make(map[string]uint64),
		jobEvents:       make(map[JobLabel]uint64),
		pipelineEvents:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk records one chunk upload by outcome ("accepted" or
// "rejected").
func (r *Recorder) ObserveChunk(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.uploadChunks[key]++
	r.mu.Unlock()
}

// ObserveSessionEvent records an upload session lifecycle event
// ("created", "completed", "cancelled").
func (r *Recorder) ObserveSessionEvent(event string) {
	key := normalizeName(event)
	r.mu.Lock()
	r.uploadSessions[key]++
	r.mu.Unlock()
}

// AddUploadBytes accumulates bytes accepted into chunk storage.
func (r *Recorder) AddUploadBytes(n int64) {
	if n <= 0 {
		return
	}
	r.uploadBytes.Add(n)
}

// JobStarted records the start of a transcoding job for the given rendition
// and increments the active job gauge.
func (r *Recorder) JobStarted(resolution string) {
	r.recordJobEvent(resolution, "start")
	r.activeJobs.Add(1)
}

// JobCompleted records a finished transcoding job and decrements the active
// job gauge.
func (r *Recorder) JobCompleted(resolution string) {
	r.recordJobEvent(resolution, "complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed transcoding job and decrements the active job
// gauge (without allowing it to go negative if the job never started).
func (r *Recorder) JobFailed(resolution string) {
	r.recordJobEvent(resolution, "fail")
	r.decrementGauge(&r.activeJobs)
}

// JobRetried records one retry attempt. The gauge is untouched; a retried
// job is still active.
func (r *Recorder) JobRetried(resolution string) {
	r.recordJobEvent(resolution, "retry")
}

func (r *Recorder) recordJobEvent(resolution, status string) {
	label := JobLabel{
		Resolution: normalizeName(resolution),
		Status:     normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// EventPublished records one pipeline event dispatch by type.
func (r *Recorder) EventPublished(eventType string) {
	key := normalizeName(eventType)
	r.mu.Lock()
	r.pipelineEvents[key]++
	r.mu.Unlock()
}

// ClientConnected increments the websocket client gauge.
func (r *Recorder) ClientConnected() {
	r.wsClients.Add(1)
}

// ClientDisconnected decrements the websocket client gauge.
func (r *Recorder) ClientDisconnected() {
	r.decrementGauge(&r.wsClients)
}

// ObserveSweep records one storage garbage collection run and the number of
// entries it removed.
func (r *Recorder) ObserveSweep(removed int) {
	r.mu.Lock()
	r.sweepRuns++
	if removed > 0 {
		r.sweepRemoved += uint64(removed)
	}
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of running transcoding jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// WSClients exposes the current gauge of connected websocket clients.
func (r *Recorder) WSClients() int64 {
	return r.wsClients.Load()
}

// JobCounts returns copies of job event counters and the current active job
// gauge value for testing and reporting purposes.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadChunks = make(map[string]uint64)
	r.uploadSessions = make(map[string]uint64)
	r.jobEvents = make(map[JobLabel]uint64)
	r.pipelineEvents = make(map[string]uint64)
	r.sweepRuns = 0
	r.sweepRemoved = 0
	r.uploadBytes.Store(0)
	r.activeJobs.Store(0)
	r.wsClients.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chunkOutcomes := sortedKeys(r.uploadChunks)
	sessionEvents := sortedKeys(r.uploadSessions)
	jobLabels := r.sortedJobLabels()
	pipelineEvents := sortedKeys(r.pipelineEvents)

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_chunks_total Chunk uploads by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_upload_chunks_total counter")
	for _, outcome := range chunkOutcomes {
		fmt.Fprintf(w, "vodforge_upload_chunks_total{outcome=\"%s\"} %d\n", outcome, r.uploadChunks[outcome])
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_sessions_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE vodforge_upload_sessions_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "vodforge_upload_sessions_total{event=\"%s\"} %d\n", event, r.uploadSessions[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_bytes_total Bytes accepted into chunk storage")
	fmt.Fprintln(w, "# TYPE vodforge_upload_bytes_total counter")
	fmt.Fprintf(w, "vodforge_upload_bytes_total %d\n", r.uploadBytes.Load())

	fmt.Fprintln(w, "# HELP vodforge_transcode_jobs_total Transcoding job events by rendition and status")
	fmt.Fprintln(w, "# TYPE vodforge_transcode_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "vodforge_transcode_jobs_total{resolution=\"%s\",status=\"%s\"} %d\n", label.Resolution, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_transcode_active_jobs Current number of running transcoding jobs")
	fmt.Fprintln(w, "# TYPE vodforge_transcode_active_jobs gauge")
	fmt.Fprintf(w, "vodforge_transcode_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodforge_pipeline_events_total Pipeline events published by type")
	fmt.Fprintln(w, "# TYPE vodforge_pipeline_events_total counter")
	for _, event := range pipelineEvents {
		fmt.Fprintf(w, "vodforge_pipeline_events_total{type=\"%s\"} %d\n", event, r.pipelineEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_ws_clients Current number of connected websocket clients")
	fmt.Fprintln(w, "# TYPE vodforge_ws_clients gauge")
	fmt.Fprintf(w, "vodforge_ws_clients %d\n", r.wsClients.Load())

	fmt.Fprintln(w, "# HELP vodforge_storage_sweeps_total Storage garbage collection runs")
	fmt.Fprintln(w, "# TYPE vodforge_storage_sweeps_total counter")
	fmt.Fprintf(w, "vodforge_storage_sweeps_total %d\n", r.sweepRuns)

	fmt.Fprintln(w, "# HELP vodforge_storage_sweep_removed_total Entries removed by storage garbage collection")
	fmt.Fprintln(w, "# TYPE vodforge_storage_sweep_removed_total counter")
	fmt.Fprintf(w, "vodforge_storage_sweep_removed_total %d\n", r.sweepRemoved)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Resolution != labels[j].Resolution {
			return labels[i].Resolution < labels[j].Resolution
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveChunk records a chunk upload outcome on the default recorder.
func ObserveChunk(outcome string) {
	defaultRecorder.ObserveChunk(outcome)
}

// ObserveSessionEvent records a session lifecycle event on the default recorder.
func ObserveSessionEvent(event string) {
	defaultRecorder.ObserveSessionEvent(event)
}

// AddUploadBytes accumulates accepted upload bytes on the default recorder.
func AddUploadBytes(n int64) {
	defaultRecorder.AddUploadBytes(n)
}

// JobStarted records the start of a transcoding job on the default recorder.
func JobStarted(resolution string) {
	defaultRecorder.JobStarted(resolution)
}

// JobCompleted records the completion of a transcoding job on the default recorder.
func JobCompleted(resolution string) {
	defaultRecorder.JobCompleted(resolution)
}

// JobFailed records a failed transcoding job on the default recorder.
func JobFailed(resolution string) {
	defaultRecorder.JobFailed(resolution)
}

// JobRetried records a transcoding retry attempt on the default recorder.
func JobRetried(resolution string) {
	defaultRecorder.JobRetried(resolution)
}

// EventPublished records a pipeline event dispatch on the default recorder.
func EventPublished(eventType string) {
	defaultRecorder.EventPublished(eventType)
}

// ObserveSweep records a storage sweep on the default recorder.
func ObserveSweep(removed int) {
	defaultRecorder.ObserveSweep(removed)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
