// Package httpfrontdoor translates incoming viewer HTTP requests into Hub
// attachments and exposes the ambient health/metrics surfaces.
package httpfrontdoor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/netutil"

	"bitriver-relay/internal/hub"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/serverutil"
)

// Config aggregates the dependencies and settings required to construct a
// Server.
type Config struct {
	Addr           string
	MaxConnections int
	Session        hub.SessionConfig
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	// TLS optionally enables TLS on Start. Both fields must be set together.
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration
}

// Server wraps the configured http.Server and the listener-level connection
// cap derived from Config.MaxConnections. Start/Shutdown delegate the actual
// listen/serve/graceful-drain lifecycle to serverutil.Run.
type Server struct {
	httpServer      *http.Server
	addr            string
	maxConnections  int
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration

	cancel context.CancelFunc
}

// New wires the viewer endpoint and the ambient health/metrics surfaces onto
// a chi router, in the order request-ID -> logging -> metrics, matching the
// teacher's middleware composition with the auth/rate-limit/audit layers
// dropped: this core has no auth surface of its own.
func New(h *hub.Hub, cfg Config) (*Server, error) {
	if h == nil {
		return nil, errors.New("hub is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := NewHandler(h, cfg.Session, recorder, logger)

	router := chi.NewRouter()
	router.Use(requestIDMiddleware(logger))
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, next)
	})

	router.Get("/live", handler.Live)
	router.Get("/healthz", handler.Healthz)
	router.Handle("/metrics", recorder.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer:      httpServer,
		addr:            cfg.Addr,
		maxConnections:  cfg.MaxConnections,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Addr returns the address the server is configured to bind.
func (s *Server) Addr() string { return s.addr }

// Start binds the configured address and serves until Shutdown is called or
// an error occurs. Connections beyond MaxConnections block at the listener
// rather than reaching the router.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return errors.New("http server is not configured")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.maxConnections > 0 {
		listener = netutil.LimitListener(listener, s.maxConnections)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	return serverutil.Run(runCtx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		Listener:        listener,
		ShutdownTimeout: s.shutdownTimeout,
	})
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight viewer
// responses to drain until ctx is done. Signals the goroutine blocked in
// Start and directly drains the underlying http.Server so the wait is bounded
// by the caller's ctx rather than only by ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
