// Package hub implements the Stream Hub: a shared-stream broadcaster that
// deduplicates viewers of the same upstream source onto one Encoder
// Adapter and fans its output out to every attached ViewerSession.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"bitriver-relay/internal/fingerprint"
	"bitriver-relay/internal/observability/metrics"
)

// ErrHubShuttingDown is returned by Attach once Shutdown has been called.
var ErrHubShuttingDown = errFmt("hub: shutting down")

type hubError string

func (e hubError) Error() string { return string(e) }

func errFmt(s string) error { return hubError(s) }

// Config bounds every Stream the Hub creates.
type Config struct {
	Stream         StreamConfig
	ShutdownBudget time.Duration
}

// Hub owns the fingerprint -> Stream registry. It serializes creation and
// destruction of Streams and forwards attach requests to the correct
// Stream instance, atomically with respect to that Stream's lifecycle.
type Hub struct {
	cfg            Config
	adapterFactory AdapterFactory
	tickerFactory  TickerFactory
	eventSink      EventSink
	metrics        *metrics.Recorder
	logger         *slog.Logger

	mu           sync.RWMutex
	streams      map[fingerprint.Fingerprint]*Stream
	group        singleflight.Group
	shuttingDown bool
}

// New constructs a Hub. adapterFactory builds a fresh Adapter for every new
// Stream instance (including the replacement created after a prior
// instance on the same fingerprint terminates).
func New(cfg Config, adapterFactory AdapterFactory, tickerFactory TickerFactory, eventSink EventSink, recorder *metrics.Recorder, logger *slog.Logger) *Hub {
	if tickerFactory == nil {
		tickerFactory = NewRealTickerFactory()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if eventSink == nil {
		eventSink = NewMetricsEventSink(recorder)
	}
	if cfg.ShutdownBudget <= 0 {
		cfg.ShutdownBudget = 30 * time.Second
	}
	return &Hub{
		cfg:            cfg,
		adapterFactory: adapterFactory,
		tickerFactory:  tickerFactory,
		eventSink:      eventSink,
		metrics:        recorder,
		logger:         logger,
		streams:        make(map[fingerprint.Fingerprint]*Stream),
	}
}

// Attach normalizes sourceURL to a Fingerprint, finds or creates the Stream
// for it, and delivers session to that Stream. It returns an error only
// when the Hub itself cannot accept new work (shutting down, or the URL
// fails to normalize); a Stream-level rejection (the racing Draining case)
// is retried internally against a freshly created Stream.
func (h *Hub) Attach(ctx context.Context, sourceURL string, session *ViewerSession) error {
	fp, err := fingerprint.Of(sourceURL)
	if err != nil {
		return err
	}

	for {
		h.mu.RLock()
		shuttingDown := h.shuttingDown
		h.mu.RUnlock()
		if shuttingDown {
			return ErrHubShuttingDown
		}

		stream := h.findOrCreate(fp, sourceURL)
		if stream.Attach(session) {
			return nil
		}
		// The Stream we found was already Draining/Terminated by the time
		// our Attach reached its mailbox (a narrow race with termination).
		// release() has already (or will shortly) remove it from the
		// registry; loop around to create a fresh instance.
		h.release(fp, stream)
	}
}

// findOrCreate returns the current Stream for fp, creating one if absent.
// Concurrent first-attaches on the same fingerprint collapse onto one
// singleflight call so exactly one Stream is created and installed.
func (h *Hub) findOrCreate(fp fingerprint.Fingerprint, sourceURL string) *Stream {
	h.mu.RLock()
	if stream, ok := h.streams[fp]; ok {
		h.mu.RUnlock()
		return stream
	}
	h.mu.RUnlock()

	result, _, _ := h.group.Do(string(fp), func() (interface{}, error) {
		h.mu.Lock()
		if stream, ok := h.streams[fp]; ok {
			h.mu.Unlock()
			return stream, nil
		}

		stream := NewStream(fp, sourceURL, h.adapterFactory(), h.cfg.Stream, h.eventSink, h.metrics, h.tickerFactory, h.logger, h.onStreamTerminated)
		h.streams[fp] = stream
		h.mu.Unlock()

		stream.Start()
		return stream, nil
	})

	return result.(*Stream)
}

// onStreamTerminated is the Stream's callback on reaching Terminated. It
// calls release so the registry entry is removed, but only if it still
// points at this exact instance (ABA-safe: a fresh Stream may already have
// replaced it).
func (h *Hub) onStreamTerminated(stream *Stream) {
	h.release(stream.Fingerprint(), stream)
}

// release removes fp's registry entry if and only if it still points at
// instance. Safe to call multiple times.
func (h *Hub) release(fp fingerprint.Fingerprint, instance *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.streams[fp]; ok && current == instance {
		delete(h.streams, fp)
	}
}

// Detach forwards a detach request to fp's current Stream. No-op if no
// Stream is registered for fp.
func (h *Hub) Detach(fp fingerprint.Fingerprint, sessionID string) {
	h.mu.RLock()
	stream, ok := h.streams[fp]
	h.mu.RUnlock()
	if !ok {
		return
	}
	stream.Detach(sessionID)
}

// ShuttingDown reports whether Shutdown has been called, so a caller that
// wants to reject work before committing any response bytes can check
// without going through Attach's error path.
func (h *Hub) ShuttingDown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shuttingDown
}

// StreamCount returns the number of Streams currently registered.
func (h *Hub) StreamCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// ViewerCount sums ViewerCount across every registered Stream. Best-effort:
// a point-in-time estimate suitable for /healthz, not for synchronization.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	streams := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.RUnlock()

	total := 0
	for _, s := range streams {
		total += s.ViewerCount()
	}
	return total
}

// Shutdown initiates Draining on every registered Stream and waits, within
// the configured ShutdownBudget, for all of them to reach Terminated. New
// Attach calls fail immediately with ErrHubShuttingDown once this begins.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shuttingDown = true
	streams := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	budgetCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownBudget)
	defer cancel()

	group, groupCtx := errgroup.WithContext(budgetCtx)
	for _, s := range streams {
		stream := s
		group.Go(func() error {
			stream.RequestStop()
			select {
			case <-stream.Done():
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		})
	}

	return group.Wait()
}
