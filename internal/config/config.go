// Package config holds the relay configuration: a JSON5 file overlaid with
// environment variables. Secrets (API keys, DSNs) come from the environment
// only and are never written to or read from the file.
package config

import (
	"time"
)

// Config is the root configuration for the relay.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	Bridge   BridgeConfig   `json:"bridge"`
	Session  SessionConfig  `json:"session"`
	Dedup    DedupConfig    `json:"dedup"`
	Reply    ReplyConfig    `json:"reply"`
	Delivery DeliveryConfig `json:"delivery"`
	Sweep    SweepConfig    `json:"sweep"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StoreConfig selects the persistence backend.
// PostgresDSN is NEVER read from the file (secret) — env RELAY_POSTGRES_DSN only.
type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default), "postgres", "memory"
	Path        string `json:"path,omitempty"`
	PostgresDSN string `json:"-"`
	Reprobe     string `json:"reprobe,omitempty"` // re-probe interval in degraded mode ("" = off)
}

// BridgeConfig points at the external network bridge.
type BridgeConfig struct {
	URL              string `json:"url"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	RequestTimeout   string `json:"request_timeout,omitempty"`
}

// SessionConfig bounds session setup and re-establish behavior.
type SessionConfig struct {
	SetupTimeout      string `json:"setup_timeout,omitempty"`      // pairing → READY deadline
	ReconnectAttempts int    `json:"reconnect_attempts,omitempty"` // automatic re-establish attempts after disconnect
	ReconnectDelay    string `json:"reconnect_delay,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
}

// DedupConfig bounds the duplicate-suppression window.
type DedupConfig struct {
	Window     string `json:"window,omitempty"` // how long processed ids are remembered
	MaxEntries int    `json:"max_entries,omitempty"`
}

// ReplyConfig tunes the completion call. APIKey comes from env only.
type ReplyConfig struct {
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	HistoryLimit   int     `json:"history_limit,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`
	Apology        string  `json:"apology,omitempty"`
	APIBase        string  `json:"api_base,omitempty"`
	APIKey         string  `json:"-"`
}

// DeliveryConfig tunes outbound sends and acknowledgement retries.
type DeliveryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
	CountryCode string `json:"country_code,omitempty"` // default trunk country code for bare numbers
	PeerSuffix  string `json:"peer_suffix,omitempty"`  // transport address suffix
}

// SweepConfig tunes the per-tenant polling fallback.
type SweepConfig struct {
	Interval         string  `json:"interval,omitempty"`
	Grace            string  `json:"grace,omitempty"` // delay after READY before the first sweep
	ChatLimit        int     `json:"chat_limit,omitempty"`
	MessageLimit     int     `json:"message_limit,omitempty"`
	DeepSchedule     string  `json:"deep_schedule,omitempty"` // cron expression, "" = off
	DeepMessageLimit int     `json:"deep_message_limit,omitempty"`
	Rate             float64 `json:"rate,omitempty"` // bridge calls per second across all tenants
}

// Default returns a Config with the shipped defaults. Interval and timeout
// values are defaults, not contracts.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8790,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.replyline/relay.db",
		},
		Bridge: BridgeConfig{
			URL:              "ws://127.0.0.1:8791",
			HandshakeTimeout: "10s",
			RequestTimeout:   "30s",
		},
		Session: SessionConfig{
			SetupTimeout:      "2m",
			ReconnectAttempts: 1,
			ReconnectDelay:    "5s",
			SendTimeout:       "30s",
		},
		Dedup: DedupConfig{
			Window:     "30m",
			MaxEntries: 100000,
		},
		Reply: ReplyConfig{
			Model:        "gpt-4",
			Temperature:  0.7,
			MaxTokens:    400,
			HistoryLimit: 10,
			Timeout:      "45s",
			Apology:      "מצטערים, לא הצלחנו לעבד את הבקשה שלך כרגע. אנא נסה שוב מאוחר יותר.",
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 3,
			RetryDelay:  "5s",
			CountryCode: "972",
			PeerSuffix:  "@c.us",
		},
		Sweep: SweepConfig{
			Interval:         "30s",
			Grace:            "30s",
			ChatLimit:        20,
			MessageLimit:     5,
			DeepMessageLimit: 50,
			Rate:             5,
		},
	}
}

// Duration parses a config duration string, falling back when empty or bad.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
