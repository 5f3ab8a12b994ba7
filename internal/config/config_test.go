package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"BACKEND_URL", "SOCKET_URL", "AUTH_URL", "RECONNECT", "COMMAND_BATCH", "CV_INTERVAL_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.BackendURL != "http://localhost:5000" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.SocketURL != "ws://localhost:5000/ws" {
		t.Errorf("SocketURL = %q", cfg.SocketURL)
	}
	if !cfg.Reconnect || cfg.ReconnectAttempts != 5 || cfg.ReconnectDelay != time.Second {
		t.Errorf("unexpected reconnect settings %+v", cfg)
	}
	if cfg.Intervals.CV != 2*time.Second || cfg.Intervals.Analytics != 30*time.Second {
		t.Errorf("unexpected intervals %+v", cfg.Intervals)
	}
	if cfg.CommandBatch {
		t.Error("multi-signal actions should default to one manual_signal_change per signal")
	}
	if cfg.AckTimeout != 5*time.Second {
		t.Errorf("AckTimeout = %v", cfg.AckTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://traffic.example.com/")
	t.Setenv("SOCKET_URL", "")
	t.Setenv("RECONNECT", "false")
	t.Setenv("RECONNECT_DELAY_MS", "250")
	t.Setenv("CV_INTERVAL_SECONDS", "0.5")
	t.Setenv("ANALYTICS_INTERVAL_SECONDS", "not-a-number")
	t.Setenv("COMMAND_BATCH", "1")
	t.Setenv("CORS_ORIGINS", " http://a.test , ,http://b.test")

	cfg := Load()
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"backend trailing slash trimmed", cfg.BackendURL, "https://traffic.example.com"},
		{"socket derived from https", cfg.SocketURL, "wss://traffic.example.com/ws"},
		{"reconnect", cfg.Reconnect, false},
		{"delay", cfg.ReconnectDelay, 250 * time.Millisecond},
		{"fractional interval", cfg.Intervals.CV, 500 * time.Millisecond},
		{"bad value keeps default", cfg.Intervals.Analytics, 30 * time.Second},
		{"batched commands", cfg.CommandBatch, true},
		{"origins", len(cfg.CORSOrigins), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, expected %v", tt.got, tt.want)
			}
		})
	}
}

func TestOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficsync.yaml")
	data := []byte(`
backend_url: http://backend:5000/
intervals:
  junctions: 7s
  cv: 0s
ack_timeout: 2s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SOCKET_URL", "")
	t.Setenv("BACKEND_URL", "")
	cfg := Load()
	cfg.ListenAddr = ":9999"
	if err := cfg.Overlay(path); err != nil {
		t.Fatalf("Overlay failed: %v", err)
	}
	if cfg.BackendURL != "http://backend:5000" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.SocketURL != "ws://backend:5000/ws" {
		t.Errorf("derived SocketURL not updated: %q", cfg.SocketURL)
	}
	if cfg.Intervals.Junctions != 7*time.Second || cfg.Intervals.CV != 0 {
		t.Errorf("intervals not overlaid: %+v", cfg.Intervals)
	}
	if cfg.Intervals.Analytics != 30*time.Second {
		t.Errorf("absent key changed: %v", cfg.Intervals.Analytics)
	}
	if cfg.ListenAddr != ":9999" || cfg.AckTimeout != 2*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}

	if err := cfg.Overlay(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("TRAFFICSYNC_TEST_A=base\nTRAFFICSYNC_TEST_B=base\n"), 0o644)
	os.WriteFile(filepath.Join(dir, ".env.local"), []byte("TRAFFICSYNC_TEST_B=local\n"), 0o644)
	t.Cleanup(func() {
		os.Unsetenv("TRAFFICSYNC_TEST_A")
		os.Unsetenv("TRAFFICSYNC_TEST_B")
	})

	LoadEnvFiles(dir)
	if got := os.Getenv("TRAFFICSYNC_TEST_A"); got != "base" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("TRAFFICSYNC_TEST_B"); got != "local" {
		t.Errorf("B = %q", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.ReconnectAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero attempts")
	}
}

func TestSetBackendURL(t *testing.T) {
	cfg := &Config{BackendURL: "http://a:1", SocketURL: "ws://a:1/ws"}
	cfg.SetBackendURL("https://b:2/")
	if cfg.BackendURL != "https://b:2" || cfg.SocketURL != "wss://b:2/ws" {
		t.Errorf("derived socket not followed: %+v", cfg)
	}

	cfg = &Config{BackendURL: "http://a:1", SocketURL: "ws://events:9000/stream"}
	cfg.SetBackendURL("http://b:2")
	if cfg.SocketURL != "ws://events:9000/stream" {
		t.Errorf("explicit socket changed: %q", cfg.SocketURL)
	}
}
