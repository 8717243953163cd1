package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	GatewayURL           string   `toml:"gateway_url"`
	SpeechURL            string   `toml:"speech_url"`
	Locale               string   `toml:"locale"`
	Role                 string   `toml:"role"`
	Scopes               []string `toml:"scopes"`
	Voice                string   `toml:"voice"`
	DBPath               string   `toml:"db_path"`
	Speak                bool     `toml:"speak"`
	HistoryLimit         int      `toml:"history_limit"`
	RequestTimeout       string   `toml:"request_timeout"`
	ChatTimeout          string   `toml:"chat_timeout"`
	HandshakeTimeout     string   `toml:"handshake_timeout"`
	ReconnectBase        string   `toml:"reconnect_base"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// LoadFile overlays the TOML file at path on top of the defaults. Only keys
// present in the file override their defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("gateway_url") && strings.TrimSpace(raw.GatewayURL) != "" {
		cfg.GatewayURL = strings.TrimSpace(raw.GatewayURL)
	}
	if meta.IsDefined("speech_url") && strings.TrimSpace(raw.SpeechURL) != "" {
		cfg.SpeechURL = strings.TrimSpace(raw.SpeechURL)
	}
	if meta.IsDefined("locale") {
		cfg.Locale = strings.TrimSpace(raw.Locale)
	}
	if meta.IsDefined("role") {
		cfg.Role = strings.TrimSpace(raw.Role)
	}
	if meta.IsDefined("scopes") {
		cfg.Scopes = raw.Scopes
	}
	if meta.IsDefined("voice") {
		cfg.Voice = strings.TrimSpace(raw.Voice)
	}
	if meta.IsDefined("db_path") && strings.TrimSpace(raw.DBPath) != "" {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("speak") {
		cfg.Speak = raw.Speak
	}
	if meta.IsDefined("history_limit") && raw.HistoryLimit > 0 {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("max_reconnect_attempts") && raw.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"chat_timeout", raw.ChatTimeout, &cfg.ChatTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"reconnect_base", raw.ReconnectBase, &cfg.ReconnectBase},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
