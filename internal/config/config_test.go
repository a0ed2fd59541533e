package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got error: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"zero worker threads", func(c *Config) { c.WorkerThreads = 0 }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero max frame size", func(c *Config) { c.MaxFrameSize = 0 }},
		{"zero idle grace", func(c *Config) { c.IdleGraceSeconds = 0 }},
		{"zero queue capacity", func(c *Config) { c.Session.QueueCapacity = 0 }},
		{"zero connect timeout", func(c *Config) { c.Adapter.ConnectTimeoutMs = 0 }},
		{"zero probe buffer", func(c *Config) { c.Adapter.ProbeBufferBytes = 0 }},
		{"zero gop size", func(c *Config) { c.Adapter.GopSize = 0 }},
		{"zero shutdown budget", func(c *Config) { c.ShutdownBudget = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadFromFlagsAndEnv(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	if err := flags.Parse([]string{"--relay.port=9999", "--relay.logFormat=text"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		t.Fatalf("bind flags: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("expected log format text, got %q", cfg.Log.Format)
	}
	if cfg.Session.QueueCapacity != 64 {
		t.Fatalf("expected default queue capacity 64, got %d", cfg.Session.QueueCapacity)
	}
}

func TestIdleGraceDerivedDuration(t *testing.T) {
	cfg := Default()
	cfg.IdleGraceSeconds = 5
	if got := cfg.IdleGrace(); got.Seconds() != 5 {
		t.Fatalf("expected 5s, got %v", got)
	}
}
