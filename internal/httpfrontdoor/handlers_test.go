package httpfrontdoor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitriver-relay/internal/hub"
	"bitriver-relay/internal/observability/metrics"
)

// fakeAdapter only emits its header and chunk once trigger is closed, so
// tests can synchronize emission with the viewer having already attached
// instead of racing the Stream's mailbox against its sink channel.
type fakeAdapter struct {
	trigger chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{trigger: make(chan struct{})}
}

func (a *fakeAdapter) emit() {
	close(a.trigger)
}

func (a *fakeAdapter) Open(ctx context.Context, _ string, sink hub.Sink) error {
	select {
	case <-a.trigger:
	case <-ctx.Done():
		return ctx.Err()
	}
	sink([]byte("HEADER"), true)
	sink([]byte("chunk1"), false)
	<-ctx.Done()
	return nil
}

func (a *fakeAdapter) Stop() {}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

func newTestHub(adapter hub.Adapter) *hub.Hub {
	return hub.New(hub.Config{Stream: hub.StreamConfig{}}, func() hub.Adapter {
		return adapter
	}, func(time.Duration) hub.Ticker {
		return &fakeTicker{ch: make(chan time.Time)}
	}, nil, metrics.New(), nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestLiveHandlerBadRequestMissingParams(t *testing.T) {
	h := NewHandler(newTestHub(newFakeAdapter()), hub.SessionConfig{}, metrics.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/live?deviceId=c1", nil)
	rec := httptest.NewRecorder()

	h.Live(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLiveHandlerStreamsHeaderAndChunks(t *testing.T) {
	adapter := newFakeAdapter()
	hb := newTestHub(adapter)
	h := NewHandler(hb, hub.SessionConfig{QueueCapacity: 8}, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/live?deviceId=c1&rtspUrl=rtsp://camera.local/stream1", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.Live(rec, req)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		return hb.ViewerCount() == 1
	})
	adapter.emit()

	waitFor(t, time.Second, func() bool {
		return len(rec.Body.Bytes()) >= len("HEADERchunk1")
	})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected handler to return after client disconnect")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/x-flv" {
		t.Fatalf("unexpected Content-Type: %q", got)
	}
	if got := rec.Header().Get("Server"); got != "Video-Stream-Middleware" {
		t.Fatalf("unexpected Server header: %q", got)
	}
	if body := rec.Body.String(); body != "HEADERchunk1" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestLiveHandlerRejectsWhenHubShuttingDown(t *testing.T) {
	h := newTestHub(newFakeAdapter())
	h.Shutdown(context.Background())
	handler := NewHandler(h, hub.SessionConfig{}, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/live?deviceId=c1&rtspUrl=rtsp://camera.local/stream1", nil)
	rec := httptest.NewRecorder()

	handler.Live(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthzReportsCounts(t *testing.T) {
	h := NewHandler(newTestHub(newFakeAdapter()), hub.SessionConfig{}, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) == 0 {
		t.Fatal("expected a non-empty health body")
	}
}
