// Package eventsink provides hub.EventSink implementations beyond the
// built-in metrics sink.
package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bitriver-relay/internal/fingerprint"
	"bitriver-relay/internal/hub"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// webhookPayload is the JSON body posted for every lifecycle event.
type webhookPayload struct {
	Event       string `json:"event"`
	Fingerprint string `json:"fingerprint"`
	ViewerID    string `json:"viewerId,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// WebhookEventSink posts Hub lifecycle events to a configured HTTP
// endpoint. Notify never blocks the caller: each notification is delivered
// on its own goroutine with bounded retries, so a slow or unreachable
// webhook never stalls a Stream's fan-out loop.
type WebhookEventSink struct {
	url           string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
	recorder      webhookMetricsRecorder
	clock         func() time.Time
}

// webhookMetricsRecorder is the subset of *metrics.Recorder the sink needs,
// kept as an interface so tests can supply a stub without importing the
// metrics package's concrete type.
type webhookMetricsRecorder interface {
	WebhookAttempt()
	WebhookFailure()
}

// noopMetricsRecorder discards every call; used when no recorder is wired.
type noopMetricsRecorder struct{}

func (noopMetricsRecorder) WebhookAttempt() {}
func (noopMetricsRecorder) WebhookFailure() {}

// NewWebhookEventSink constructs a sink that posts to url. client, logger,
// and recorder default respectively to a client with defaultHTTPTimeout,
// slog.Default(), and a no-op recorder when nil.
func NewWebhookEventSink(url string, client *http.Client, logger *slog.Logger, recorder webhookMetricsRecorder) *WebhookEventSink {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopMetricsRecorder{}
	}
	return &WebhookEventSink{
		url:           url,
		client:        client,
		logger:        logger,
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryBackoff,
		recorder:      recorder,
		clock:         time.Now,
	}
}

// Notify implements hub.EventSink. It builds the payload synchronously (so
// fp/event/viewerID are captured before this call returns) and dispatches
// the HTTP delivery on its own goroutine.
func (s *WebhookEventSink) Notify(event hub.Event, fp fingerprint.Fingerprint, viewerID string) {
	payload := webhookPayload{
		Event:       string(event),
		Fingerprint: string(fp),
		ViewerID:    viewerID,
		Timestamp:   s.clock().UTC().Format(time.RFC3339Nano),
	}
	go s.deliver(payload)
}

func (s *WebhookEventSink) deliver(payload webhookPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.retryInterval*time.Duration(s.maxAttempts)+s.client.Timeout)
	defer cancel()

	if err := s.postWithRetry(ctx, payload); err != nil {
		s.logger.Warn("webhook event delivery failed",
			"event", payload.Event,
			"fingerprint", payload.Fingerprint,
			"error", err,
		)
	}
}

// postWithRetry posts payload, retrying network errors and 5xx/429
// responses up to maxAttempts; any other 4xx is treated as permanent.
func (s *WebhookEventSink) postWithRetry(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.recorder.WebhookAttempt()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := s.client.Do(req)
		if doErr != nil {
			lastErr = doErr
			s.recorder.WebhookFailure()
		} else {
			lastErr = consumeWebhookResponse(resp)
			if lastErr != nil {
				s.recorder.WebhookFailure()
			}
		}

		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == s.maxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryInterval):
		}
	}
	return lastErr
}

// retryableError wraps a non-2xx response so postWithRetry can distinguish
// a retryable status from a permanent one without parsing strings.
type retryableError struct {
	status int
	body   string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.status, e.body)
}

func consumeWebhookResponse(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return &retryableError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
}

func isRetryable(err error) bool {
	re, ok := err.(*retryableError)
	if !ok {
		// Network/transport errors are always retried.
		return true
	}
	return re.status == http.StatusTooManyRequests || (re.status >= 500 && re.status <= 599)
}
