package httpfrontdoor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"bitriver-relay/internal/fingerprint"
	"bitriver-relay/internal/hub"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
)

// Handler serves the viewer endpoint plus the ambient health/metrics
// surfaces, all bound to one Hub instance.
type Handler struct {
	hub        *hub.Hub
	sessionCfg hub.SessionConfig
	logger     *slog.Logger
	metrics    *metrics.Recorder
	proc       *process.Process
}

// NewHandler constructs a Handler. sessionCfg bounds every ViewerSession the
// Live handler creates.
func NewHandler(h *hub.Hub, sessionCfg hub.SessionConfig, recorder *metrics.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Handler{hub: h, sessionCfg: sessionCfg, logger: logger, metrics: recorder, proc: proc}
}

// Live implements GET /live: it validates the request, writes the chunked
// FLV preamble, and attaches a ViewerSession to the Hub for the requested
// source. It blocks for the session's entire life.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	rtspURL := strings.TrimSpace(r.URL.Query().Get("rtspUrl"))
	if deviceID == "" || rtspURL == "" {
		http.Error(w, "deviceId and rtspUrl are required", http.StatusBadRequest)
		return
	}

	fp, err := fingerprint.Of(rtspURL)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid rtspUrl: %v", err), http.StatusBadRequest)
		return
	}

	if h.hub.ShuttingDown() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	fw, ok := newFlushWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported by this transport", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "video/x-flv")
	header.Set("Transfer-Encoding", "chunked")
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")
	header.Set("Accept-Ranges", "bytes")
	header.Set("Server", "Video-Stream-Middleware")
	w.WriteHeader(http.StatusOK)
	fw.Flush()

	sessionID := uuid.NewString()
	session := hub.NewViewerSession(sessionID, fw, h.sessionCfg, nil)

	ctx := logging.ContextWithViewerID(r.Context(), sessionID)
	reqLogger := logging.WithContext(ctx, h.logger)

	// The disconnect watcher is only safe to start once Attach has
	// returned: starting it earlier lets a client that disconnects
	// instantly race Detach ahead of the session ever being added to
	// Stream.sessions, silently losing the detach.
	if err := h.hub.Attach(ctx, rtspURL, session); err != nil {
		reqLogger.Warn("viewer attach failed",
			"device_id", deviceID,
			"fingerprint", string(fp),
			"error", err,
		)
		return
	}

	disconnectHandled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.hub.Detach(fp, sessionID)
		case <-disconnectHandled:
		}
	}()

	<-session.Done()
	close(disconnectHandled)
}

// healthResponse is the JSON body GET /healthz returns.
type healthResponse struct {
	Status        string  `json:"status"`
	ActiveStreams int     `json:"activeStreams"`
	ActiveViewers int     `json:"activeViewers"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemRSSBytes   uint64  `json:"memRSSBytes"`
}

// Healthz implements GET /healthz. It never depends on any upstream RTSP
// source being reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		ActiveStreams: h.hub.StreamCount(),
		ActiveViewers: h.hub.ViewerCount(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if h.proc != nil {
		if pct, err := h.proc.CPUPercent(); err == nil {
			resp.CPUPercent = pct
		}
		if memInfo, err := h.proc.MemoryInfo(); err == nil && memInfo != nil {
			resp.MemRSSBytes = memInfo.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
