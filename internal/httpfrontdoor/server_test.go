package httpfrontdoor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitriver-relay/internal/observability/metrics"
)

func TestServerRoutesLiveHealthzAndMetrics(t *testing.T) {
	recorder := metrics.New()
	h := newTestHub(newFakeAdapter())

	srv, err := New(h, Config{Metrics: recorder})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing params, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("expected a non-empty healthz body")
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestNewRejectsNilHub(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected an error when hub is nil")
	}
}
