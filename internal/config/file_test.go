package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "samlink.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
gateway_url = "wss://gw.example.net/v1/session"
locale = "de-DE"
scopes = ["chat", "vision"]
chat_timeout = "45s"
reconnect_base = "250ms"
max_reconnect_attempts = 3
speak = true
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.GatewayURL != "wss://gw.example.net/v1/session" {
		t.Fatalf("unexpected gateway url: %q", cfg.GatewayURL)
	}
	if cfg.Locale != "de-DE" {
		t.Fatalf("unexpected locale: %q", cfg.Locale)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[1] != "vision" {
		t.Fatalf("unexpected scopes: %v", cfg.Scopes)
	}
	if cfg.ChatTimeout != 45*time.Second {
		t.Fatalf("unexpected chat timeout: %v", cfg.ChatTimeout)
	}
	if cfg.ReconnectBase != 250*time.Millisecond {
		t.Fatalf("unexpected reconnect base: %v", cfg.ReconnectBase)
	}
	if cfg.MaxReconnectAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.MaxReconnectAttempts)
	}
	if !cfg.Speak {
		t.Fatalf("expected speak enabled")
	}

	// Keys absent from the file keep their defaults.
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("request timeout should keep default, got %v", cfg.RequestTimeout)
	}
	if cfg.SpeechURL != Default().SpeechURL {
		t.Fatalf("speech url should keep default, got %q", cfg.SpeechURL)
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	path := writeConfig(t, `request_timeout = "not-a-duration"`)
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
