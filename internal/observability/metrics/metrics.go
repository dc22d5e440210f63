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

// Recorder aggregates in-memory counters and gauges for processing job
// lifecycle events, per-stage durations, failure notifications, and the ops
// HTTP endpoints. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for active job tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	jobEvents         map[string]uint64
	stageCount        map[string]uint64
	stageDuration     map[string]time.Duration
	notificationCount map[string]uint64
	activeJobs        atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		jobEvents:         make(map[string]uint64),
		stageCount:        make(map[string]uint64),
		stageDuration:     make(map[string]time.Duration),
		notificationCount: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package-level helper
// functions.
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

// JobStarted records a claimed processing attempt and increments the active
// job gauge.
func (r *Recorder) JobStarted() {
	r.incrementJobEvent("started")
	r.activeJobs.Add(1)
}

// JobCompleted records a successful attempt and decrements the active job
// gauge.
func (r *Recorder) JobCompleted() {
	r.incrementJobEvent("completed")
	r.decrementGauge(&r.activeJobs)
}

// JobRetried records an attempt that failed and was rescheduled.
func (r *Recorder) JobRetried() {
	r.incrementJobEvent("retried")
	r.decrementGauge(&r.activeJobs)
}

// JobDeadLettered records an attempt whose budget is exhausted.
func (r *Recorder) JobDeadLettered() {
	r.incrementJobEvent("dead_lettered")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// ObserveStage accumulates count and cumulative duration for one pipeline
// stage execution (probe, streams, thumbnails, protection, subtitles).
func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	normalized := normalizeName(stage)
	r.mu.Lock()
	r.stageCount[normalized]++
	r.stageDuration[normalized] += duration
	r.mu.Unlock()
}

// NotificationDelivered records a successfully delivered failure notification.
func (r *Recorder) NotificationDelivered() {
	r.incrementNotification("delivered")
}

// NotificationFailed records a failure notification that could not be
// delivered.
func (r *Recorder) NotificationFailed() {
	r.incrementNotification("failed")
}

func (r *Recorder) incrementNotification(outcome string) {
	r.mu.Lock()
	r.notificationCount[outcome]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of in-flight processing attempts.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of the job event counters for testing and
// reporting purposes.
func (r *Recorder) JobCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.jobEvents))
	for event, count := range r.jobEvents {
		counts[event] = count
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.stageCount = make(map[string]uint64)
	r.stageDuration = make(map[string]time.Duration)
	r.notificationCount = make(map[string]uint64)
	r.activeJobs.Store(0)
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
	jobEvents := sortedKeys(r.jobEvents)
	stages := r.sortedStages()
	notifications := sortedKeys(r.notificationCount)

	fmt.Fprintln(w, "# HELP streamforge_http_requests_total Total number of HTTP requests handled by the ops endpoints")
	fmt.Fprintln(w, "# TYPE streamforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamforge_jobs_total Processing job lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamforge_jobs_total counter")
	for _, event := range jobEvents {
		count := r.jobEvents[event]
		fmt.Fprintf(w, "streamforge_jobs_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP streamforge_active_jobs Current number of in-flight processing attempts")
	fmt.Fprintln(w, "# TYPE streamforge_active_jobs gauge")
	fmt.Fprintf(w, "streamforge_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP streamforge_stage_duration_seconds_sum Cumulative pipeline stage duration in seconds")
	fmt.Fprintln(w, "# TYPE streamforge_stage_duration_seconds_sum counter")
	for _, stage := range stages {
		duration := r.stageDuration[stage].Seconds()
		fmt.Fprintf(w, "streamforge_stage_duration_seconds_sum{stage=\"%s\"} %f\n", stage, duration)
	}

	fmt.Fprintln(w, "# HELP streamforge_stage_duration_seconds_count Total number of pipeline stage executions")
	fmt.Fprintln(w, "# TYPE streamforge_stage_duration_seconds_count counter")
	for _, stage := range stages {
		count := r.stageCount[stage]
		fmt.Fprintf(w, "streamforge_stage_duration_seconds_count{stage=\"%s\"} %d\n", stage, count)
	}

	fmt.Fprintln(w, "# HELP streamforge_notifications_total Failure notifications by delivery outcome")
	fmt.Fprintln(w, "# TYPE streamforge_notifications_total counter")
	for _, outcome := range notifications {
		count := r.notificationCount[outcome]
		fmt.Fprintf(w, "streamforge_notifications_total{outcome=\"%s\"} %d\n", outcome, count)
	}
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

func (r *Recorder) sortedStages() []string {
	seen := make(map[string]struct{}, len(r.stageCount)+len(r.stageDuration))
	for stage := range r.stageCount {
		seen[stage] = struct{}{}
	}
	for stage := range r.stageDuration {
		seen[stage] = struct{}{}
	}
	stages := make([]string, 0, len(seen))
	for stage := range seen {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
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

// JobStarted increments counters on the default recorder.
func JobStarted() {
	defaultRecorder.JobStarted()
}

// JobCompleted records a successful attempt on the default recorder.
func JobCompleted() {
	defaultRecorder.JobCompleted()
}

// JobRetried records a rescheduled attempt on the default recorder.
func JobRetried() {
	defaultRecorder.JobRetried()
}

// JobDeadLettered records an exhausted job on the default recorder.
func JobDeadLettered() {
	defaultRecorder.JobDeadLettered()
}

// ObserveStage records a stage execution on the default recorder.
func ObserveStage(stage string, duration time.Duration) {
	defaultRecorder.ObserveStage(stage, duration)
}

// NotificationDelivered records a delivered notification on the default recorder.
func NotificationDelivered() {
	defaultRecorder.NotificationDelivered()
}

// NotificationFailed records an undelivered notification on the default recorder.
func NotificationFailed() {
	defaultRecorder.NotificationFailed()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
