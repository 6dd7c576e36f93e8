package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.StorageKey != "smart-checkin-session-id" {
		t.Fatalf("expected default storage key, got %q", cfg.Session.StorageKey)
	}
	if cfg.Engine.AgentStreakLimit != 10 {
		t.Fatalf("expected streak limit 10, got %d", cfg.Engine.AgentStreakLimit)
	}
	if cfg.Speech.MaxReconnectAttempts != 3 {
		t.Fatalf("expected 3 reconnect attempts, got %d", cfg.Speech.MaxReconnectAttempts)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkin.yaml")
	data := []byte(`
backend:
  mode: http
  endpoint: https://backend.example/run
  flow: query
session:
  store: sqlite
  path: ./session.db
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Mode != "http" || cfg.Backend.Flow != "query" {
		t.Fatalf("expected backend override, got %+v", cfg.Backend)
	}
	if cfg.Session.Store != "sqlite" {
		t.Fatalf("expected sqlite store, got %q", cfg.Session.Store)
	}
	if cfg.Backend.TimeoutMS != 30000 {
		t.Fatalf("expected default timeout to survive partial file, got %d", cfg.Backend.TimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BACKEND_MODE", "http")
	t.Setenv("LOQA_BACKEND_ENDPOINT", "https://backend.example/run")
	t.Setenv("LOQA_SPEECH_ENABLED", "true")
	t.Setenv("LOQA_SPEECH_TRANSPORT", "nats")
	t.Setenv("LOQA_SPEECH_CONNECT_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_AGENT_ENABLED", "true")
	t.Setenv("LOQA_AGENT_ID", "agent_123")
	t.Setenv("LOQA_ENGINE_AGENT_STREAK_LIMIT", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Backend.Endpoint != "https://backend.example/run" {
		t.Fatalf("expected backend endpoint override")
	}
	if cfg.Speech.Transport != "nats" || cfg.Speech.ConnectTimeoutMS != 2500 {
		t.Fatalf("expected speech overrides, got %+v", cfg.Speech)
	}
	if cfg.Agent.AgentID != "agent_123" {
		t.Fatalf("expected agent id override")
	}
	if cfg.Engine.AgentStreakLimit != 4 {
		t.Fatalf("expected streak override, got %d", cfg.Engine.AgentStreakLimit)
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	cases := map[string]func(*Config){
		"http without endpoint": func(c *Config) { c.Backend.Mode = "http"; c.Backend.Endpoint = "" },
		"exec without command":  func(c *Config) { c.Backend.Mode = "exec" },
		"unknown flow":          func(c *Config) { c.Backend.Flow = "chat" },
		"nats speech no bus": func(c *Config) {
			c.Speech.Enabled = true
			c.Speech.Transport = "nats"
		},
		"agent without id": func(c *Config) { c.Agent.Enabled = true },
		"unknown store":    func(c *Config) { c.Session.Store = "redis" },
		"zero streak":      func(c *Config) { c.Engine.AgentStreakLimit = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
