package hub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"bitriver-relay/internal/fingerprint"
	"bitriver-relay/internal/observability/metrics"
)

// StreamState is a Stream's position in its lifecycle.
type StreamState int32

const (
	StreamStarting StreamState = iota
	StreamRunning
	StreamDraining
	StreamTerminated
)

func (s StreamState) String() string {
	switch s {
	case StreamStarting:
		return "starting"
	case StreamRunning:
		return "running"
	case StreamDraining:
		return "draining"
	case StreamTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StreamConfig bounds a Stream's viewer sessions, reaper cadence, and
// backpressure tolerances.
type StreamConfig struct {
	Session             SessionConfig
	IdleGrace           time.Duration
	ReaperInterval      time.Duration
	SlowConsumerTimeout time.Duration
}

type attachRequest struct {
	session *ViewerSession
	result  chan bool
}

type mailboxKind int

const (
	mailboxAttach mailboxKind = iota
	mailboxDetach
	mailboxStopRequested
	mailboxCountRequest
	mailboxSessionClosed
)

type mailboxMsg struct {
	kind      mailboxKind
	attach    *attachRequest
	sessionID string
	countCh   chan int
}

type sinkItem struct {
	payload  []byte
	isHeader bool
}

// Stream is the fan-out engine for one upstream source: it runs the
// Encoder Adapter, caches the ContainerHeader on first emission, broadcasts
// every payload chunk to all Live sessions, promotes Pending sessions when
// the header becomes available, and reaps itself after an idle grace
// period. Exactly one goroutine (run) mutates the viewer set for the
// Stream's entire life; every external operation is delivered to it
// through the mailbox.
type Stream struct {
	fp        fingerprint.Fingerprint
	sourceURL string
	createdAt time.Time

	adapter Adapter
	cfg     StreamConfig
	ticker  TickerFactory
	sink    EventSink
	metrics *metrics.Recorder
	logger  *slog.Logger

	onTerminated func(*Stream)

	mailbox chan mailboxMsg
	sinkCh  chan sinkItem
	doneCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	stateV atomic.Int32

	// fields below are only ever touched by the run() goroutine.
	header     []byte
	sessions   map[string]*ViewerSession
	emptySince time.Time
}

// NewStream constructs a Stream in Starting state. Call Start to spawn its
// fan-out goroutine and Encoder Adapter.
func NewStream(fp fingerprint.Fingerprint, sourceURL string, adapter Adapter, cfg StreamConfig, sink EventSink, recorder *metrics.Recorder, tickerFactory TickerFactory, logger *slog.Logger, onTerminated func(*Stream)) *Stream {
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 10 * time.Second
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 10 * time.Second
	}
	if cfg.SlowConsumerTimeout <= 0 {
		cfg.SlowConsumerTimeout = 5 * time.Second
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	if tickerFactory == nil {
		tickerFactory = NewRealTickerFactory()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		fp:           fp,
		sourceURL:    sourceURL,
		createdAt:    time.Now(),
		adapter:      adapter,
		cfg:          cfg,
		ticker:       tickerFactory,
		sink:         sink,
		metrics:      recorder,
		logger:       logger,
		onTerminated: onTerminated,
		mailbox:      make(chan mailboxMsg, 256),
		sinkCh:       make(chan sinkItem, 256),
		doneCh:       make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*ViewerSession),
	}
}

// Fingerprint returns the Stream's registry key.
func (s *Stream) Fingerprint() fingerprint.Fingerprint { return s.fp }

// State returns the Stream's current lifecycle state.
func (s *Stream) State() StreamState {
	return StreamState(s.stateV.Load())
}

// CreatedAt returns the Stream's creation time.
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// ViewerCount returns the number of sessions currently tracked. Safe to
// call from any goroutine: it routes through the mailbox so the count is
// read by the same goroutine that owns the session map.
func (s *Stream) ViewerCount() int {
	req := mailboxMsg{kind: mailboxCountRequest, countCh: make(chan int, 1)}
	select {
	case s.mailbox <- req:
	case <-s.doneCh:
		return 0
	}
	select {
	case count := <-req.countCh:
		return count
	case <-s.doneCh:
		return 0
	}
}

// Start spawns the fan-out goroutine and the Encoder Adapter.
func (s *Stream) Start() {
	go s.run()
}

func (s *Stream) run() {
	defer close(s.doneCh)

	adapterDone := make(chan error, 1)
	go func() {
		adapterDone <- s.adapter.Open(s.ctx, s.sourceURL, s.handleAdapterOutput)
	}()

	reaperTicker := s.ticker(s.cfg.ReaperInterval)
	defer reaperTicker.Stop()

	for {
		select {
		case item := <-s.sinkCh:
			s.handleSinkItem(item)
			s.recheckEmpty()

		case msg := <-s.mailbox:
			s.handleMailbox(msg)
			s.recheckEmpty()

		case <-reaperTicker.C():
			s.metrics.ReaperSweep()
			s.maybeReap()

		case err := <-adapterDone:
			if err != nil && s.ctx.Err() == nil {
				// ctx.Err() is non-nil whenever terminate/maybeReap already
				// canceled the context on purpose; only an unrequested
				// adapter exit counts as a failure.
				s.logger.Warn("encoder adapter terminated with error", "stream_id", string(s.fp), "error", err)
				s.metrics.AdapterFailure()
			}
			s.terminate()
			return
		}
	}
}

// handleAdapterOutput is the Sink passed to the Encoder Adapter. It is
// invoked from the adapter's single owned goroutine and forwards to the
// Stream's own goroutine via sinkCh, preserving the single-mutator
// invariant.
func (s *Stream) handleAdapterOutput(payload []byte, isHeader bool) {
	select {
	case s.sinkCh <- sinkItem{payload: payload, isHeader: isHeader}:
	case <-s.ctx.Done():
	}
}

func (s *Stream) handleSinkItem(item sinkItem) {
	state := s.State()
	if state == StreamDraining || state == StreamTerminated {
		return
	}
	if item.isHeader {
		s.cacheHeader(item.payload)
		return
	}
	s.broadcastChunk(item.payload)
}

func (s *Stream) cacheHeader(header []byte) {
	if s.header != nil {
		// ContainerHeader, once set, is never replaced.
		return
	}
	s.header = header
	s.transitionTo(StreamRunning)
	s.notify(EventStreamStarted, "")

	for id, session := range s.sessions {
		if session.State() != SessionPending {
			continue
		}
		if session.enqueueHeader(header) == Dropped {
			delete(s.sessions, id)
			continue
		}
	}
}

func (s *Stream) broadcastChunk(chunk []byte) {
	for id, session := range s.sessions {
		if session.State() != SessionLive {
			if session.State() == SessionClosing || session.State() == SessionClosed {
				delete(s.sessions, id)
			}
			continue
		}
		if session.enqueue(chunk) == Dropped {
			s.metrics.ChunkDropped()
			if session.exceededDropThreshold() {
				s.metrics.ConsumerClosed()
				session.Close(CauseSlowConsumer)
				delete(s.sessions, id)
			}
		}
	}
}

func (s *Stream) handleMailbox(msg mailboxMsg) {
	switch msg.kind {
	case mailboxAttach:
		s.handleAttach(msg.attach)
	case mailboxDetach:
		s.handleDetach(msg.sessionID)
	case mailboxStopRequested:
		s.terminate()
	case mailboxCountRequest:
		msg.countCh <- len(s.sessions)
	case mailboxSessionClosed:
		s.handleSessionClosed(msg.sessionID)
	}
}

func (s *Stream) handleAttach(req *attachRequest) {
	state := s.State()
	if state != StreamStarting && state != StreamRunning {
		req.result <- false
		return
	}

	s.sessions[req.session.ID()] = req.session
	s.emptySince = time.Time{}
	go func() {
		req.session.pump(s.cfg.SlowConsumerTimeout)
		// pump may have self-closed the session (CauseSlowConsumer) without
		// going through Stream.Detach; tell the mailbox so a stale entry
		// can't block the idle reaper until the next broadcast happens to
		// notice it.
		select {
		case s.mailbox <- mailboxMsg{kind: mailboxSessionClosed, sessionID: req.session.ID()}:
		case <-s.doneCh:
		}
	}()

	if s.header != nil {
		if req.session.enqueueHeader(s.header) == Dropped {
			delete(s.sessions, req.session.ID())
			req.result <- true
			return
		}
	}
	s.notify(EventViewerAttached, req.session.ID())
	req.result <- true
}

func (s *Stream) handleDetach(sessionID string) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	session.Close(CauseClientDisconnect)
	s.notify(EventViewerDetached, sessionID)
}

// handleSessionClosed prunes a session that closed itself (pump's
// CauseSlowConsumer path) rather than being removed through handleDetach or
// broadcastChunk's drop-threshold check. A no-op if the session was already
// removed by either of those, so accounting never double-counts.
func (s *Stream) handleSessionClosed(sessionID string) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if session.State() == SessionClosed {
		s.metrics.ConsumerClosed()
	}
	s.notify(EventViewerDetached, sessionID)
}

func (s *Stream) recheckEmpty() {
	state := s.State()
	if state != StreamRunning && state != StreamDraining {
		return
	}
	if len(s.sessions) == 0 {
		if s.emptySince.IsZero() {
			s.emptySince = time.Now()
		}
	} else {
		s.emptySince = time.Time{}
	}
}

func (s *Stream) maybeReap() {
	state := s.State()
	if state != StreamRunning {
		return
	}
	if len(s.sessions) != 0 {
		return
	}
	if s.emptySince.IsZero() {
		return
	}
	if time.Since(s.emptySince) < s.cfg.IdleGrace {
		return
	}
	s.metrics.ReaperReaped()
	s.transitionTo(StreamDraining)
	s.adapter.Stop()
	s.cancel()
}

func (s *Stream) terminate() {
	if s.State() == StreamTerminated {
		return
	}
	s.transitionTo(StreamDraining)
	s.adapter.Stop()
	s.cancel()

	for id, session := range s.sessions {
		session.Close(CauseStreamEnded)
		delete(s.sessions, id)
	}

	s.transitionTo(StreamTerminated)
	s.notify(EventStreamStopped, "")

	if s.onTerminated != nil {
		s.onTerminated(s)
	}
}

func (s *Stream) transitionTo(state StreamState) {
	s.stateV.Store(int32(state))
}

func (s *Stream) notify(event Event, viewerID string) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(event, s.fp, viewerID)
}

// Attach delivers session to the Stream's mailbox and blocks for the
// Stream's accept/reject decision. It returns false if the Stream is
// Draining/Terminated (the Hub must create a fresh Stream instance) or if
// the Stream has already fully shut down.
func (s *Stream) Attach(session *ViewerSession) bool {
	req := &attachRequest{session: session, result: make(chan bool, 1)}
	select {
	case s.mailbox <- mailboxMsg{kind: mailboxAttach, attach: req}:
	case <-s.doneCh:
		return false
	}
	select {
	case ok := <-req.result:
		return ok
	case <-s.doneCh:
		return false
	}
}

// Detach asks the Stream to remove and close the named session. No-op if
// the Stream has already terminated or the session is unknown.
func (s *Stream) Detach(sessionID string) {
	select {
	case s.mailbox <- mailboxMsg{kind: mailboxDetach, sessionID: sessionID}:
	case <-s.doneCh:
	}
}

// RequestStop asks the Stream to begin Draining even if viewers remain
// attached, used by Hub.shutdown.
func (s *Stream) RequestStop() {
	select {
	case s.mailbox <- mailboxMsg{kind: mailboxStopRequested}:
	case <-s.doneCh:
	}
}

// Done returns a channel closed once the Stream's fan-out goroutine has
// fully exited (state Terminated and cleanup complete).
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

