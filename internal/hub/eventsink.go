package hub

import (
	"bitriver-relay/internal/fingerprint"
	"bitriver-relay/internal/observability/metrics"
)

// Event names a Stream or ViewerSession lifecycle transition the Hub
// reports to an EventSink.
type Event string

const (
	EventStreamStarted  Event = "stream_started"
	EventStreamStopped  Event = "stream_stopped"
	EventViewerAttached Event = "viewer_attached"
	EventViewerDetached Event = "viewer_detached"
)

// EventSink receives lifecycle notifications from the Hub. Implementations
// must not block the caller for long; the Hub invokes sinks synchronously
// from the Stream's fan-out goroutine.
type EventSink interface {
	Notify(event Event, fp fingerprint.Fingerprint, viewerID string)
}

// MetricsEventSink is the default EventSink: it only updates process
// metrics counters and never leaves the process.
type MetricsEventSink struct {
	recorder *metrics.Recorder
}

// NewMetricsEventSink builds an EventSink that forwards lifecycle events to
// the provided recorder, falling back to the process default when nil.
func NewMetricsEventSink(recorder *metrics.Recorder) *MetricsEventSink {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &MetricsEventSink{recorder: recorder}
}

func (s *MetricsEventSink) Notify(event Event, _ fingerprint.Fingerprint, _ string) {
	switch event {
	case EventStreamStarted:
		s.recorder.StreamStarted()
	case EventStreamStopped:
		s.recorder.StreamStopped()
	case EventViewerAttached:
		s.recorder.ViewerAttached()
	case EventViewerDetached:
		s.recorder.ViewerDetached()
	}
}

// multiEventSink fans a single notification out to every configured sink.
type multiEventSink struct {
	sinks []EventSink
}

// NewMultiEventSink combines sinks into one, e.g. the default metrics sink
// plus an optional webhook sink.
func NewMultiEventSink(sinks ...EventSink) EventSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &multiEventSink{sinks: filtered}
}

func (m *multiEventSink) Notify(event Event, fp fingerprint.Fingerprint, viewerID string) {
	for _, sink := range m.sinks {
		sink.Notify(event, fp, viewerID)
	}
}
