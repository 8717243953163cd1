package config

import "time"

// Defaults for the session protocol timers.
const (
	DefaultRequestTimeout       = 30 * time.Second
	DefaultChatTimeout          = 90 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	DefaultHistoryLimit         = 50
)

// Config holds application configuration
type Config struct {
	GatewayURL string // WebSocket URL of the conversational gateway
	SpeechURL  string // Base URL of the TTS/transcription service
	Locale     string
	Role       string
	Scopes     []string
	Voice      string // TTS voice name
	DBPath     string // Client-local SQLite store
	Debug      bool
	Speak      bool // Speak assistant replies through the TTS service

	HistoryLimit         int
	RequestTimeout       time.Duration // Per-request deadline
	ChatTimeout          time.Duration // Overall deadline for one chat turn
	HandshakeTimeout     time.Duration // Challenge + handshake deadline
	ReconnectBase        time.Duration // Backoff base, doubled per attempt
	MaxReconnectAttempts int
}

// Default returns a Config with the stock timers and paths filled in.
func Default() Config {
	return Config{
		GatewayURL:           "ws://127.0.0.1:18791/v1/session",
		SpeechURL:            "http://127.0.0.1:18790",
		Locale:               "en-US",
		Role:                 "assistant-client",
		Scopes:               []string{"chat"},
		Voice:                "en-US-AvaNeural",
		DBPath:               "samlink.db",
		HistoryLimit:         DefaultHistoryLimit,
		RequestTimeout:       DefaultRequestTimeout,
		ChatTimeout:          DefaultChatTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		ReconnectBase:        DefaultReconnectBase,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}
