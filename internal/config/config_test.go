// Copyright 2025 James Ross
package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Concurrency != 16 {
		t.Fatalf("expected default worker concurrency 16, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Queue.Prefix == "" || cfg.Queue.Name == "" {
		t.Fatalf("expected default queue prefix/name")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.Prefix = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty queue.prefix")
	}

	cfg = defaultConfig()
	cfg.Worker.Limiter = &Limiter{Max: 0, Duration: 0}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for zero limiter.max/duration")
	}

	cfg = defaultConfig()
	cfg.Producer.Enabled = true
	cfg.Producer.RatePerSecond = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for producer enabled with rate_per_second < 1")
	}
}

func TestValidatePasses(t *testing.T) {
	cfg := defaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
