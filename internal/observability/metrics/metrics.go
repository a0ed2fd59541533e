// Package metrics aggregates in-memory counters and gauges for the relay
// core and exposes them in Prometheus text format.
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

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests and Stream Hub lifecycle events. It coordinates concurrent
// writers via a RWMutex while exposing thread-safe gauges for active
// streams and viewers.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	viewerEvents    map[string]uint64
	activeStreams   atomic.Int64
	activeViewers   atomic.Int64
	chunksDropped   atomic.Int64
	consumersClosed atomic.Int64
	reaperSweeps    atomic.Int64
	reaperReaped    atomic.Int64
	adapterFailures atomic.Int64
	webhookAttempts atomic.Int64
	webhookFailures atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		viewerEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide default Recorder. Intended for tests.
func SetDefault(r *Recorder) {
	defaultRecorder = r
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

// StreamStarted records a Stream transitioning into Running and increments
// the active stream gauge.
func (r *Recorder) StreamStarted() {
	r.incrementStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamStopped records a Stream transitioning into Terminated and
// decrements the active stream gauge, guarding against negative counts when
// concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementStreamEvent("stop")
	r.decrementGauge(&r.activeStreams)
}

func (r *Recorder) incrementStreamEvent(event string) {
	r.mu.Lock()
	r.streamEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// ViewerAttached records a ViewerSession attaching to a Stream and
// increments the active viewer gauge.
func (r *Recorder) ViewerAttached() {
	r.incrementViewerEvent("attach")
	r.activeViewers.Add(1)
}

// ViewerDetached records a ViewerSession leaving a Stream and decrements the
// active viewer gauge.
func (r *Recorder) ViewerDetached() {
	r.incrementViewerEvent("detach")
	r.decrementGauge(&r.activeViewers)
}

func (r *Recorder) incrementViewerEvent(event string) {
	r.mu.Lock()
	r.viewerEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// ChunkDropped records one outbound queue drop-on-overflow event.
func (r *Recorder) ChunkDropped() {
	r.chunksDropped.Add(1)
}

// ConsumerClosed records a ViewerSession forced to Closing by the
// consecutive-drop threshold or the slow-consumer timeout.
func (r *Recorder) ConsumerClosed() {
	r.consumersClosed.Add(1)
}

// ReaperSweep records one reaper tick.
func (r *Recorder) ReaperSweep() {
	r.reaperSweeps.Add(1)
}

// ReaperReaped records one Stream torn down by the idle reaper.
func (r *Recorder) ReaperReaped() {
	r.reaperReaped.Add(1)
}

// AdapterFailure records an Encoder Adapter terminating with an error.
func (r *Recorder) AdapterFailure() {
	r.adapterFailures.Add(1)
}

// WebhookAttempt records one lifecycle-event webhook delivery attempt.
func (r *Recorder) WebhookAttempt() {
	r.webhookAttempts.Add(1)
}

// WebhookFailure records one failed lifecycle-event webhook delivery
// attempt.
func (r *Recorder) WebhookFailure() {
	r.webhookFailures.Add(1)
}

// ActiveStreams exposes the current gauge of concurrently running streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ActiveViewers exposes the current gauge of live viewer sessions.
func (r *Recorder) ActiveViewers() int64 {
	return r.activeViewers.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.viewerEvents = make(map[string]uint64)
	r.activeStreams.Store(0)
	r.activeViewers.Store(0)
	r.chunksDropped.Store(0)
	r.consumersClosed.Store(0)
	r.reaperSweeps.Store(0)
	r.reaperReaped.Store(0)
	r.adapterFailures.Store(0)
	r.webhookAttempts.Store(0)
	r.webhookFailures.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
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
	streamEvents := r.sortedKeys(r.streamEvents)
	viewerEvents := r.sortedKeys(r.viewerEvents)

	fmt.Fprintln(w, "# HELP relay_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE relay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "relay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP relay_stream_events_total Stream lifecycle events by type (start|stop)")
	fmt.Fprintln(w, "# TYPE relay_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "relay_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP relay_streams_active Current number of Streams in Running state")
	fmt.Fprintln(w, "# TYPE relay_streams_active gauge")
	fmt.Fprintf(w, "relay_streams_active %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP relay_viewer_events_total Viewer session lifecycle events by type (attach|detach)")
	fmt.Fprintln(w, "# TYPE relay_viewer_events_total counter")
	for _, event := range viewerEvents {
		fmt.Fprintf(w, "relay_viewer_events_total{event=\"%s\"} %d\n", event, r.viewerEvents[event])
	}

	fmt.Fprintln(w, "# HELP relay_viewers_active Current number of ViewerSessions attached to a Stream")
	fmt.Fprintln(w, "# TYPE relay_viewers_active gauge")
	fmt.Fprintf(w, "relay_viewers_active %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP relay_chunks_dropped_total Payload chunks dropped by per-viewer backpressure")
	fmt.Fprintln(w, "# TYPE relay_chunks_dropped_total counter")
	fmt.Fprintf(w, "relay_chunks_dropped_total %d\n", r.chunksDropped.Load())

	fmt.Fprintln(w, "# HELP relay_consumers_closed_total ViewerSessions force-closed for persistent backpressure")
	fmt.Fprintln(w, "# TYPE relay_consumers_closed_total counter")
	fmt.Fprintf(w, "relay_consumers_closed_total %d\n", r.consumersClosed.Load())

	fmt.Fprintln(w, "# HELP relay_reaper_sweeps_total Idle-stream reaper ticks executed")
	fmt.Fprintln(w, "# TYPE relay_reaper_sweeps_total counter")
	fmt.Fprintf(w, "relay_reaper_sweeps_total %d\n", r.reaperSweeps.Load())

	fmt.Fprintln(w, "# HELP relay_reaper_reaped_total Streams torn down by the idle reaper")
	fmt.Fprintln(w, "# TYPE relay_reaper_reaped_total counter")
	fmt.Fprintf(w, "relay_reaper_reaped_total %d\n", r.reaperReaped.Load())

	fmt.Fprintln(w, "# HELP relay_adapter_failures_total Encoder Adapter terminations with an error")
	fmt.Fprintln(w, "# TYPE relay_adapter_failures_total counter")
	fmt.Fprintf(w, "relay_adapter_failures_total %d\n", r.adapterFailures.Load())

	fmt.Fprintln(w, "# HELP relay_webhook_attempts_total Lifecycle event webhook delivery attempts")
	fmt.Fprintln(w, "# TYPE relay_webhook_attempts_total counter")
	fmt.Fprintf(w, "relay_webhook_attempts_total %d\n", r.webhookAttempts.Load())

	fmt.Fprintln(w, "# HELP relay_webhook_failures_total Lifecycle event webhook delivery attempts that failed")
	fmt.Fprintln(w, "# TYPE relay_webhook_failures_total counter")
	fmt.Fprintf(w, "relay_webhook_failures_total %d\n", r.webhookFailures.Load())
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

func (r *Recorder) sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
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
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	if len(segment) >= 8 && digitCount > 0 {
		return true
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

// StreamStarted increments counters on the default recorder.
func StreamStarted() { defaultRecorder.StreamStarted() }

// StreamStopped decrements active streams on the default recorder.
func StreamStopped() { defaultRecorder.StreamStopped() }

// ViewerAttached increments counters on the default recorder.
func ViewerAttached() { defaultRecorder.ViewerAttached() }

// ViewerDetached decrements active viewers on the default recorder.
func ViewerDetached() { defaultRecorder.ViewerDetached() }

// ChunkDropped records a dropped chunk on the default recorder.
func ChunkDropped() { defaultRecorder.ChunkDropped() }

// ConsumerClosed records a force-closed consumer on the default recorder.
func ConsumerClosed() { defaultRecorder.ConsumerClosed() }

// ReaperSweep records a reaper tick on the default recorder.
func ReaperSweep() { defaultRecorder.ReaperSweep() }

// ReaperReaped records a reaped stream on the default recorder.
func ReaperReaped() { defaultRecorder.ReaperReaped() }

// AdapterFailure records an adapter failure on the default recorder.
func AdapterFailure() { defaultRecorder.AdapterFailure() }

// WebhookAttempt records a webhook attempt on the default recorder.
func WebhookAttempt() { defaultRecorder.WebhookAttempt() }

// WebhookFailure records a webhook failure on the default recorder.
func WebhookFailure() { defaultRecorder.WebhookFailure() }

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
