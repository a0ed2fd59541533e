// Package config loads and validates the relay's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting the relay core consumes, matching the
// relay.* key surface the process environment exposes.
type Config struct {
	Port            int
	WorkerThreads   int
	MaxConnections  int
	MaxFrameSize    int
	IdleGraceSeconds int
	Session         SessionConfig
	Adapter         AdapterConfig
	Log             LogConfig
	EventSink       EventSinkConfig
	ShutdownBudget  time.Duration
}

// SessionConfig bounds a single ViewerSession's outbound queue.
type SessionConfig struct {
	QueueCapacity int
}

// AdapterConfig bounds the Encoder Adapter's upstream connection behavior.
type AdapterConfig struct {
	ConnectTimeoutMs  int
	ReadTimeoutMs     int
	AnalyzeTimeoutMs  int
	ProbeBufferBytes  int
	TargetFps         int
	GopSize           int
	FfmpegPath        string
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string
	Format string
}

// EventSinkConfig optionally points the Hub's lifecycle events at an HTTP
// webhook in addition to metrics.
type EventSinkConfig struct {
	WebhookURL string
}

// Default returns the configuration defaults named throughout the spec:
// idleGrace 10s, session queue capacity 64, adapter timeouts 10s/15s/10s,
// a 10MB probe buffer, 25fps/1s-GOP encoding, and a 30s shutdown budget.
func Default() Config {
	return Config{
		Port:             8888,
		WorkerThreads:    4,
		MaxConnections:   1024,
		MaxFrameSize:     1 << 20,
		IdleGraceSeconds: 10,
		Session: SessionConfig{
			QueueCapacity: 64,
		},
		Adapter: AdapterConfig{
			ConnectTimeoutMs: 10_000,
			ReadTimeoutMs:    15_000,
			AnalyzeTimeoutMs: 10_000,
			ProbeBufferBytes: 10 << 20,
			TargetFps:        25,
			GopSize:          25,
			FfmpegPath:       "ffmpeg",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ShutdownBudget: 30 * time.Second,
	}
}

// BindFlags registers the relay.* flags on the provided flag set, using
// Default()'s values as their defaults.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.Int("relay.port", d.Port, "TCP bind port for the viewer endpoint")
	flags.Int("relay.workerThreads", d.WorkerThreads, "I/O worker count")
	flags.Int("relay.maxConnections", d.MaxConnections, "viewer connection cap")
	flags.Int("relay.maxFrameSize", d.MaxFrameSize, "encoder stdout read buffer in bytes (largest payload chunk); does not bound HTTP request sizes")
	flags.Int("relay.idleGraceSeconds", d.IdleGraceSeconds, "reaper idle grace threshold")
	flags.Int("relay.session.queueCapacity", d.Session.QueueCapacity, "per-session outbound queue capacity")
	flags.Int("relay.adapter.connectTimeoutMs", d.Adapter.ConnectTimeoutMs, "upstream connect timeout")
	flags.Int("relay.adapter.readTimeoutMs", d.Adapter.ReadTimeoutMs, "upstream read timeout")
	flags.Int("relay.adapter.analyzeTimeoutMs", d.Adapter.AnalyzeTimeoutMs, "upstream analyze timeout")
	flags.Int("relay.adapter.probeBufferBytes", d.Adapter.ProbeBufferBytes, "upstream probe buffer size")
	flags.Int("relay.adapter.targetFps", d.Adapter.TargetFps, "encoder target frame rate")
	flags.Int("relay.adapter.gopSize", d.Adapter.GopSize, "encoder GOP size")
	flags.String("relay.adapter.ffmpegPath", d.Adapter.FfmpegPath, "path to the ffmpeg binary")
	flags.String("relay.logLevel", d.Log.Level, "log level (debug|info|warn|error)")
	flags.String("relay.logFormat", d.Log.Format, "log format (json|text)")
	flags.String("relay.eventSink.webhookURL", "", "optional HTTP webhook for lifecycle events")
	flags.Int("relay.shutdownBudgetSeconds", int(d.ShutdownBudget/time.Second), "bounded wall-clock budget for Hub shutdown, in seconds")
}

// Load builds a Config from viper, which has already been configured by the
// caller to read environment variables (with the relay.* keys mapped to
// RELAY_* env vars) and bound flags.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	cfg.Port = v.GetInt("relay.port")
	cfg.WorkerThreads = v.GetInt("relay.workerThreads")
	cfg.MaxConnections = v.GetInt("relay.maxConnections")
	cfg.MaxFrameSize = v.GetInt("relay.maxFrameSize")
	cfg.IdleGraceSeconds = v.GetInt("relay.idleGraceSeconds")
	cfg.Session.QueueCapacity = v.GetInt("relay.session.queueCapacity")
	cfg.Adapter.ConnectTimeoutMs = v.GetInt("relay.adapter.connectTimeoutMs")
	cfg.Adapter.ReadTimeoutMs = v.GetInt("relay.adapter.readTimeoutMs")
	cfg.Adapter.AnalyzeTimeoutMs = v.GetInt("relay.adapter.analyzeTimeoutMs")
	cfg.Adapter.ProbeBufferBytes = v.GetInt("relay.adapter.probeBufferBytes")
	cfg.Adapter.TargetFps = v.GetInt("relay.adapter.targetFps")
	cfg.Adapter.GopSize = v.GetInt("relay.adapter.gopSize")
	if path := strings.TrimSpace(v.GetString("relay.adapter.ffmpegPath")); path != "" {
		cfg.Adapter.FfmpegPath = path
	}
	if level := strings.TrimSpace(v.GetString("relay.logLevel")); level != "" {
		cfg.Log.Level = level
	}
	if format := strings.TrimSpace(v.GetString("relay.logFormat")); format != "" {
		cfg.Log.Format = format
	}
	cfg.EventSink.WebhookURL = strings.TrimSpace(v.GetString("relay.eventSink.webhookURL"))
	if secs := v.GetInt("relay.shutdownBudgetSeconds"); secs > 0 {
		cfg.ShutdownBudget = time.Duration(secs) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate a spec invariant
// (non-positive bounds, timeouts, or capacities).
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("relay.port must be between 1 and 65535, got %d", c.Port)
	}
	if c.WorkerThreads <= 0 {
		return errors.New("relay.workerThreads must be positive")
	}
	if c.MaxConnections <= 0 {
		return errors.New("relay.maxConnections must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("relay.maxFrameSize must be positive")
	}
	if c.IdleGraceSeconds <= 0 {
		return errors.New("relay.idleGraceSeconds must be positive")
	}
	if c.Session.QueueCapacity <= 0 {
		return errors.New("relay.session.queueCapacity must be positive")
	}
	if c.Adapter.ConnectTimeoutMs <= 0 || c.Adapter.ReadTimeoutMs <= 0 || c.Adapter.AnalyzeTimeoutMs <= 0 {
		return errors.New("relay.adapter timeouts must be positive")
	}
	if c.Adapter.ProbeBufferBytes <= 0 {
		return errors.New("relay.adapter.probeBufferBytes must be positive")
	}
	if c.Adapter.TargetFps <= 0 || c.Adapter.GopSize <= 0 {
		return errors.New("relay.adapter.targetFps and gopSize must be positive")
	}
	if c.ShutdownBudget <= 0 {
		return errors.New("relay.shutdownBudgetSeconds must be positive")
	}
	return nil
}

// IdleGrace returns the reaper's idle grace window as a time.Duration.
func (c Config) IdleGrace() time.Duration {
	return time.Duration(c.IdleGraceSeconds) * time.Second
}

// ConnectTimeout returns the adapter's connect timeout as a time.Duration.
func (c AdapterConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the adapter's read timeout as a time.Duration.
func (c AdapterConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// AnalyzeTimeout returns the adapter's analyze timeout as a time.Duration.
func (c AdapterConfig) AnalyzeTimeout() time.Duration {
	return time.Duration(c.AnalyzeTimeoutMs) * time.Millisecond
}
