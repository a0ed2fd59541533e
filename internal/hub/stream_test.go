package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitriver-relay/internal/fingerprint"
)

// fakeAdapter is a controllable Adapter stub. Open records the sink and
// blocks until ctx is canceled; tests emit the header and chunks via send.
type fakeAdapter struct {
	mu       sync.Mutex
	sink     Sink
	openedCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		openedCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (a *fakeAdapter) Open(ctx context.Context, sourceURL string, sink Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
	select {
	case a.openedCh <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *fakeAdapter) send(payload []byte, isHeader bool) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(payload, isHeader)
	}
}

func (a *fakeAdapter) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// fakeTicker is a manually driven Ticker for deterministic reaper tests.
type fakeTicker struct {
	ch chan time.Time
}

func newFakeTickerFactory() (TickerFactory, *fakeTicker) {
	ft := &fakeTicker{ch: make(chan time.Time, 1)}
	return func(time.Duration) Ticker { return ft }, ft
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}
func (f *fakeTicker) fire()               { f.ch <- time.Now() }

func testFingerprint(t *testing.T) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Of("rtsp://camera.local/stream1")
	if err != nil {
		t.Fatalf("fingerprint.Of: %v", err)
	}
	return fp
}

func newTestStream(t *testing.T, adapter Adapter, tf TickerFactory) (*Stream, chan *Stream) {
	t.Helper()
	terminated := make(chan *Stream, 1)
	cfg := StreamConfig{
		IdleGrace:           20 * time.Millisecond,
		ReaperInterval:      time.Hour,
		SlowConsumerTimeout: time.Second,
	}
	s := NewStream(testFingerprint(t), "rtsp://camera.local/stream1", adapter, cfg, nil, nil, tf, nil, func(stream *Stream) {
		terminated <- stream
	})
	s.Start()
	return s, terminated
}

func TestStreamHeaderGatingAndLateAttach(t *testing.T) {
	adapter := newFakeAdapter()
	tf, _ := newFakeTickerFactory()
	s, _ := newTestStream(t, adapter, tf)
	defer s.RequestStop()

	<-adapter.openedCh

	writer1 := &fakeWriter{}
	session1 := NewViewerSession("early", writer1, SessionConfig{}, nil)
	if !s.Attach(session1) {
		t.Fatal("expected attach to succeed before header arrives")
	}

	adapter.send([]byte("header"), true)
	waitFor(t, time.Second, func() bool { return writer1.writeCount() >= 1 })

	writer2 := &fakeWriter{}
	session2 := NewViewerSession("late", writer2, SessionConfig{}, nil)
	if !s.Attach(session2) {
		t.Fatal("expected late attach to succeed")
	}
	waitFor(t, time.Second, func() bool { return writer2.writeCount() >= 1 })

	adapter.send([]byte("chunk"), false)
	waitFor(t, time.Second, func() bool { return writer1.writeCount() >= 2 && writer2.writeCount() >= 2 })
}

func TestStreamReaperReapsAfterIdleGrace(t *testing.T) {
	adapter := newFakeAdapter()
	tf, ticker := newFakeTickerFactory()
	s, terminated := newTestStream(t, adapter, tf)

	<-adapter.openedCh
	adapter.send([]byte("header"), true)
	waitFor(t, time.Second, func() bool { return s.State() == StreamRunning })

	ticker.fire()
	select {
	case <-terminated:
		t.Fatal("stream should not reap immediately after becoming empty")
	case <-time.After(30 * time.Millisecond):
	}

	time.Sleep(25 * time.Millisecond)
	ticker.fire()

	select {
	case term := <-terminated:
		if term != s {
			t.Fatal("unexpected stream instance terminated")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream to reap after idle grace elapsed")
	}
}

func TestStreamAttachRejectedAfterTerminate(t *testing.T) {
	adapter := newFakeAdapter()
	tf, _ := newFakeTickerFactory()
	s, terminated := newTestStream(t, adapter, tf)

	<-adapter.openedCh
	s.RequestStop()

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("expected stream to terminate")
	}

	writer := &fakeWriter{}
	session := NewViewerSession("too-late", writer, SessionConfig{}, nil)
	if s.Attach(session) {
		t.Fatal("expected attach on terminated stream to fail")
	}
}

func TestStreamDetachRemovesSession(t *testing.T) {
	adapter := newFakeAdapter()
	tf, _ := newFakeTickerFactory()
	s, _ := newTestStream(t, adapter, tf)
	defer s.RequestStop()

	<-adapter.openedCh
	writer := &fakeWriter{}
	session := NewViewerSession("detach-me", writer, SessionConfig{}, nil)
	s.Attach(session)

	waitFor(t, time.Second, func() bool { return s.ViewerCount() == 1 })
	s.Detach(session.ID())
	waitFor(t, time.Second, func() bool { return s.ViewerCount() == 0 })
}
