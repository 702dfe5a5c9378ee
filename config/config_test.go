package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketfeed.yaml")
	yaml := `
venue: testvenue
stream:
  url: wss://yaml.test/ws
  base_reconnect_delay: 2s
rest:
  base_url: https://yaml.test
  max_attempts: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("MARKETFEED_STREAM_URL", "wss://env.test/ws")
	t.Setenv("MARKETFEED_REST_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Env beats YAML.
	if cfg.Stream.URL != "wss://env.test/ws" {
		t.Fatalf("stream url = %q, want env override", cfg.Stream.URL)
	}
	if cfg.REST.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d, want 7", cfg.REST.MaxAttempts)
	}
	// YAML beats defaults.
	if cfg.Venue != "testvenue" {
		t.Fatalf("venue = %q, want testvenue", cfg.Venue)
	}
	if cfg.Stream.BaseReconnectDelay != 2*time.Second {
		t.Fatalf("base reconnect delay = %v, want 2s", cfg.Stream.BaseReconnectDelay)
	}
	// Untouched values keep defaults.
	if cfg.Stream.MaxReconnectAttempts != 5 {
		t.Fatalf("max reconnect attempts = %d, want default 5", cfg.Stream.MaxReconnectAttempts)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venue != Default().Venue {
		t.Fatalf("venue = %q, want default", cfg.Venue)
	}
}

func TestValidateRejectsEmptyStreamURL(t *testing.T) {
	cfg := Default()
	cfg.Stream.URL = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty stream url")
	}
}
