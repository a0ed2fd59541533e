package hub

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestHub(adapterFactory AdapterFactory) *Hub {
	cfg := Config{
		Stream: StreamConfig{
			IdleGrace:           20 * time.Millisecond,
			ReaperInterval:      5 * time.Millisecond,
			SlowConsumerTimeout: time.Second,
		},
		ShutdownBudget: time.Second,
	}
	return New(cfg, adapterFactory, nil, nil, nil, nil)
}

func TestHubAttachCreatesOneStreamForConcurrentCallers(t *testing.T) {
	var created int
	var mu sync.Mutex
	adapters := make([]*fakeAdapter, 0)

	h := newTestHub(func() Adapter {
		mu.Lock()
		created++
		a := newFakeAdapter()
		adapters = append(adapters, a)
		mu.Unlock()
		return a
	})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			writer := &fakeWriter{}
			session := NewViewerSession(string(rune('a'+idx)), writer, SessionConfig{}, nil)
			errs[idx] = h.Attach(context.Background(), "rtsp://camera.local/stream1", session)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("attach %d: unexpected error %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if created != 1 {
		t.Fatalf("expected exactly one adapter created for concurrent attaches on the same fingerprint, got %d", created)
	}
	if h.StreamCount() != 1 {
		t.Fatalf("expected exactly one registered stream, got %d", h.StreamCount())
	}
}

func TestHubAttachDifferentSourcesCreateSeparateStreams(t *testing.T) {
	h := newTestHub(func() Adapter { return newFakeAdapter() })

	session1 := NewViewerSession("s1", &fakeWriter{}, SessionConfig{}, nil)
	if err := h.Attach(context.Background(), "rtsp://camera.local/stream1", session1); err != nil {
		t.Fatalf("attach 1: %v", err)
	}

	session2 := NewViewerSession("s2", &fakeWriter{}, SessionConfig{}, nil)
	if err := h.Attach(context.Background(), "rtsp://camera.local/stream2", session2); err != nil {
		t.Fatalf("attach 2: %v", err)
	}

	if h.StreamCount() != 2 {
		t.Fatalf("expected two registered streams, got %d", h.StreamCount())
	}
}

func TestHubReleaseIsABASafe(t *testing.T) {
	h := newTestHub(func() Adapter { return newFakeAdapter() })
	fp := testFingerprint(t)

	stream := h.findOrCreate(fp, "rtsp://camera.local/stream1")
	replacement := h.findOrCreate(fp, "rtsp://camera.local/stream1")
	if stream != replacement {
		t.Fatal("expected findOrCreate to return the same instance on second call")
	}

	// Simulate a fresh instance having replaced stream in the registry
	// before stream's own termination callback fires.
	fresh := &Stream{fp: fp}
	h.mu.Lock()
	h.streams[fp] = fresh
	h.mu.Unlock()

	h.release(fp, stream) // stale instance; must not remove fresh
	h.mu.RLock()
	_, ok := h.streams[fp]
	h.mu.RUnlock()
	if !ok {
		t.Fatal("release with a stale instance pointer must not remove the current registry entry")
	}

	h.release(fp, fresh)
	h.mu.RLock()
	_, ok = h.streams[fp]
	h.mu.RUnlock()
	if ok {
		t.Fatal("release with the current instance pointer must remove the registry entry")
	}
}

func TestHubShutdownTerminatesAllStreamsWithinBudget(t *testing.T) {
	h := newTestHub(func() Adapter { return newFakeAdapter() })

	session1 := NewViewerSession("s1", &fakeWriter{}, SessionConfig{}, nil)
	h.Attach(context.Background(), "rtsp://camera.local/stream1", session1)

	session2 := NewViewerSession("s2", &fakeWriter{}, SessionConfig{}, nil)
	h.Attach(context.Background(), "rtsp://camera.local/stream2", session2)

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.StreamCount() != 0 {
		t.Fatalf("expected all streams removed after shutdown, got %d", h.StreamCount())
	}
}

func TestHubAttachAfterShutdownFails(t *testing.T) {
	h := newTestHub(func() Adapter { return newFakeAdapter() })
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	session := NewViewerSession("late", &fakeWriter{}, SessionConfig{}, nil)
	err := h.Attach(context.Background(), "rtsp://camera.local/stream1", session)
	if err != ErrHubShuttingDown {
		t.Fatalf("expected ErrHubShuttingDown, got %v", err)
	}
}
