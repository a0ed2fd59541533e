// Command relay starts the BitRiver Stream Hub HTTP front door.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bitriver-relay/internal/config"
	"bitriver-relay/internal/encoder"
	"bitriver-relay/internal/eventsink"
	"bitriver-relay/internal/httpfrontdoor"
	"bitriver-relay/internal/hub"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/serverutil"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Live-video relay middleware: a shared-stream broadcaster",
	Long: `relay fans a single upstream RTSP source out to every viewer that
requests it, running exactly one Encoder Adapter per live source regardless
of how many viewers are attached.

Configuration is read from RELAY_* environment variables and from flags;
flags take precedence. See --help for the full relay.* key surface.`,
	RunE: runServe,
}

func init() {
	config.BindFlags(rootCmd.Flags())
	rootCmd.Flags().String("tls-cert", "", "path to TLS certificate file")
	rootCmd.Flags().String("tls-key", "", "path to TLS private key file")

	cobra.OnInitialize(func() { initConfig(rootCmd.Flags()) })
}

func initConfig(flags *pflag.FlagSet) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "binding flags: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	prevProcs := runtime.GOMAXPROCS(cfg.WorkerThreads)
	logger.Info("set worker threads", "gomaxprocs", cfg.WorkerThreads, "previous", prevProcs)

	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	adapterCfg := encoder.Config{
		FfmpegPath:       cfg.Adapter.FfmpegPath,
		ConnectTimeout:   cfg.Adapter.ConnectTimeout(),
		ReadTimeout:      cfg.Adapter.ReadTimeout(),
		AnalyzeTimeout:   cfg.Adapter.AnalyzeTimeout(),
		ProbeBufferBytes: cfg.Adapter.ProbeBufferBytes,
		TargetFps:        cfg.Adapter.TargetFps,
		GopSize:          cfg.Adapter.GopSize,
		MaxFrameSize:     cfg.MaxFrameSize,
	}
	adapterFactory := encoder.NewFfmpegAdapterFactory(adapterCfg, logging.WithComponent(logger, "encoder"))

	sinks := []hub.EventSink{hub.NewMetricsEventSink(recorder)}
	if cfg.EventSink.WebhookURL != "" {
		sinks = append(sinks, eventsink.NewWebhookEventSink(
			cfg.EventSink.WebhookURL,
			&http.Client{Timeout: 10 * time.Second},
			logging.WithComponent(logger, "webhook"),
			recorder,
		))
	}

	sessionCfg := hub.SessionConfig{QueueCapacity: cfg.Session.QueueCapacity}

	h := hub.New(hub.Config{
		Stream: hub.StreamConfig{
			Session:             sessionCfg,
			IdleGrace:           cfg.IdleGrace(),
			SlowConsumerTimeout: 5 * time.Second,
		},
		ShutdownBudget: cfg.ShutdownBudget,
	}, adapterFactory, hub.NewRealTickerFactory(), hub.NewMultiEventSink(sinks...), recorder, logging.WithComponent(logger, "hub"))

	srv, err := httpfrontdoor.New(h, httpfrontdoor.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Port),
		MaxConnections:  cfg.MaxConnections,
		Session:         sessionCfg,
		Logger:          logging.WithComponent(logger, "httpfrontdoor"),
		Metrics:         recorder,
		TLS:             serverutil.TLSConfig{CertFile: tlsCert, KeyFile: tlsKey},
		ShutdownTimeout: cfg.ShutdownBudget,
	})
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", srv.Addr(), "port", cfg.Port)
		if tlsCert != "" {
			logger.Info("TLS enabled", "cert_file", tlsCert)
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownBudget)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown failed", "error", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub graceful shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
