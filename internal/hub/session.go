package hub

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is a ViewerSession's position in its lifecycle.
type SessionState int32

const (
	SessionPending SessionState = iota
	SessionLive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionLive:
		return "live"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCause records why a ViewerSession was closed.
type CloseCause string

const (
	CauseClientDisconnect CloseCause = "client_disconnect"
	CauseSlowConsumer     CloseCause = "slow_consumer"
	CauseStreamEnded      CloseCause = "stream_ended"
	CauseWriterError      CloseCause = "writer_error"
)

// EnqueueResult reports what enqueue did with a payload.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	Dropped
)

// ErrSessionClosed is returned by operations attempted on a session that has
// already transitioned to Closing or Closed.
var ErrSessionClosed = errors.New("hub: session closed")

// Writer is the minimal sink a ViewerSession drains its outbound queue
// into: the HTTP response body plus an explicit flush, so the fan-out
// engine can push chunked bytes to the client as soon as they arrive.
type Writer interface {
	io.Writer
	Flush()
}

type sessionQueueItem struct {
	payload  []byte
	isHeader bool
}

// ViewerSession delivers one Stream's ContainerHeader and payload chunk
// suffix to one HTTP client. It owns its writer handle and bounded outbound
// queue; no other component mutates its state concurrently except through
// its exported methods, which are safe for concurrent use.
type ViewerSession struct {
	id     string
	writer Writer

	mu    sync.Mutex
	state SessionState

	queue      chan sessionQueueItem
	closeCh    chan struct{}
	doneCh     chan struct{}
	closeCause CloseCause
	closed     sync.Once

	consecutiveDrops atomic.Int32
	dropThreshold    int32
	lastProgressAt   atomic.Int64 // unix nanos
	unwritableSince  atomic.Int64 // unix nanos; 0 means writable
	onDone           func(cause CloseCause)
}

// SessionConfig bounds a ViewerSession's outbound queue and drop tolerance.
type SessionConfig struct {
	QueueCapacity        int
	ConsecutiveDropLimit int32
}

// NewViewerSession constructs a Pending session bound to the provided
// writer. onDone, if non-nil, is invoked exactly once with the close cause
// when pump finishes.
func NewViewerSession(id string, writer Writer, cfg SessionConfig, onDone func(cause CloseCause)) *ViewerSession {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}
	dropLimit := cfg.ConsecutiveDropLimit
	if dropLimit <= 0 {
		dropLimit = 50
	}
	s := &ViewerSession{
		id:            id,
		writer:        writer,
		state:         SessionPending,
		queue:         make(chan sessionQueueItem, capacity),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		dropThreshold: dropLimit,
		onDone:        onDone,
	}
	s.touch()
	return s
}

// ID returns the session's stable identifier.
func (s *ViewerSession) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *ViewerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ViewerSession) touch() {
	s.lastProgressAt.Store(time.Now().UnixNano())
}

// LastProgress returns the last time the session accepted or flushed a
// payload.
func (s *ViewerSession) LastProgress() time.Time {
	return time.Unix(0, s.lastProgressAt.Load())
}

// enqueueHeader delivers the ContainerHeader. Unlike enqueue, a header send
// is never subject to drop-on-overflow: the Stream only calls this once per
// session and the queue is freshly created, so capacity is guaranteed.
func (s *ViewerSession) enqueueHeader(header []byte) EnqueueResult {
	s.mu.Lock()
	if s.state != SessionPending {
		s.mu.Unlock()
		return Dropped
	}
	s.mu.Unlock()

	select {
	case s.queue <- sessionQueueItem{payload: header, isHeader: true}:
		s.mu.Lock()
		s.state = SessionLive
		s.mu.Unlock()
		s.touch()
		return Accepted
	case <-s.closeCh:
		return Dropped
	}
}

// enqueue delivers a payload chunk. Non-blocking: if the queue is full, it
// applies drop-on-overflow and returns Dropped, incrementing the
// consecutive-drop counter.
func (s *ViewerSession) enqueue(chunk []byte) EnqueueResult {
	s.mu.Lock()
	live := s.state == SessionLive
	s.mu.Unlock()
	if !live {
		return Dropped
	}

	select {
	case s.queue <- sessionQueueItem{payload: chunk}:
		s.consecutiveDrops.Store(0)
		return Accepted
	default:
		s.consecutiveDrops.Add(1)
		return Dropped
	}
}

// exceededDropThreshold reports whether the session's consecutive-drop
// count has crossed the configured threshold.
func (s *ViewerSession) exceededDropThreshold() bool {
	return s.consecutiveDrops.Load() > s.dropThreshold
}

// writeRetryBackoff is how long pump waits before retrying a write against
// a momentarily unwritable transport.
const writeRetryBackoff = 100 * time.Millisecond

// pump drains the outbound queue to the writer until the session closes or
// the writer fails. Exactly one goroutine per session runs this. A single
// write error is treated as transient and retried; once the writer has
// stayed unwritable for slowConsumerTimeout the session closes with
// CauseSlowConsumer.
func (s *ViewerSession) pump(slowConsumerTimeout time.Duration) {
	defer s.finish()

	for {
		select {
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			if !s.writeWithRetry(item.payload, slowConsumerTimeout) {
				s.Close(CauseSlowConsumer)
				return
			}
			s.touch()
		case <-s.closeCh:
			s.drainRemaining()
			return
		}
	}
}

// writeWithRetry attempts to write payload, retrying on transient errors
// until it succeeds or slowConsumerTimeout has elapsed since the first
// failure. It returns false once the budget is exhausted.
func (s *ViewerSession) writeWithRetry(payload []byte, slowConsumerTimeout time.Duration) bool {
	for {
		if err := s.write(payload); err == nil {
			s.clearUnwritable()
			return true
		}
		s.markUnwritable()
		if s.unwritableFor() >= slowConsumerTimeout {
			return false
		}
		select {
		case <-time.After(writeRetryBackoff):
		case <-s.closeCh:
			return false
		}
	}
}

func (s *ViewerSession) write(payload []byte) error {
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}

func (s *ViewerSession) drainRemaining() {
	for {
		select {
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			_ = s.write(item.payload)
		default:
			return
		}
	}
}

func (s *ViewerSession) markUnwritable() {
	if s.unwritableSince.Load() == 0 {
		s.unwritableSince.Store(time.Now().UnixNano())
	}
}

func (s *ViewerSession) clearUnwritable() {
	s.unwritableSince.Store(0)
}

func (s *ViewerSession) unwritableFor() time.Duration {
	since := s.unwritableSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// Close marks the session Closing and signals pump to unwind. Idempotent.
func (s *ViewerSession) Close(cause CloseCause) {
	s.closed.Do(func() {
		s.mu.Lock()
		s.state = SessionClosing
		s.closeCause = cause
		s.mu.Unlock()
		close(s.closeCh)
	})
}

func (s *ViewerSession) finish() {
	s.mu.Lock()
	s.state = SessionClosed
	cause := s.closeCause
	s.mu.Unlock()
	if s.onDone != nil {
		s.onDone(cause)
	}
	close(s.doneCh)
}

// Done returns a channel closed once pump has fully drained and exited,
// after which no further writes to the session's writer will occur. An
// HTTP handler blocks on this to know when it is safe to return.
func (s *ViewerSession) Done() <-chan struct{} {
	return s.doneCh
}
