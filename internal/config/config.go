// Package config handles relay configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level relay configuration.
type Config struct {
	Listen    ListenConfig    `json:"listen"`
	Auth      AuthConfig      `json:"auth"`
	Backend   BackendConfig   `json:"backend"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"`
}

// ListenConfig defines the HTTP/WebSocket listener.
type ListenConfig struct {
	Addr              string   `json:"addr"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	MaxClientMsgBytes int64    `json:"max_client_msg_bytes,omitempty"` // default 1MB
	ShutdownTimeout   Duration `json:"shutdown_timeout,omitempty"`     // default 10s
}

// AuthConfig defines the credentials the relay enforces before admitting
// a connection. Secret gates relay clients; either the plain secret or a
// bcrypt hash of it may be configured. ChannelSecret keys the per-channel
// HMAC tokens of the broadcast relay.
type AuthConfig struct {
	Secret        string `json:"secret,omitempty"`
	SecretHash    string `json:"secret_hash,omitempty"` // bcrypt hash, alternative to Secret
	ChannelSecret string `json:"channel_secret,omitempty"`
}

// BackendConfig defines the single shared backend process.
type BackendConfig struct {
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	WorkDir         string            `json:"work_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	CapabilityToken string            `json:"capability_token,omitempty"` // passed to the backend at spawn
	BindAddr        string            `json:"bind_addr,omitempty"`        // optional backend bind address
	ReleaseMethod   string            `json:"release_method,omitempty"`   // default "release"
	MaxLineBytes    int               `json:"max_line_bytes,omitempty"`   // default 4MB
}

// BroadcastConfig tunes the named-channel broadcast relay.
type BroadcastConfig struct {
	Enabled         bool  `json:"enabled"`
	MaxChannelConns int   `json:"max_channel_conns,omitempty"` // per channel, 0 = unlimited
	MaxMsgBytes     int64 `json:"max_msg_bytes,omitempty"`     // default 256KB
}

// StorageConfig selects the session/audit store backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`    // sqlite path or postgres DSN
}

// Duration wraps time.Duration for JSON config values like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts both duration strings and raw nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val)
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:              ":8422",
			MaxClientMsgBytes: 1024 * 1024,
			ShutdownTimeout:   Duration{10 * time.Second},
		},
		Backend: BackendConfig{
			ReleaseMethod: "release",
			MaxLineBytes:  4 * 1024 * 1024,
		},
		Broadcast: BroadcastConfig{
			MaxMsgBytes: 256 * 1024,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "muxtun.db",
		},
		LogLevel: "info",
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if c.Auth.Secret == "" && c.Auth.SecretHash == "" {
		return fmt.Errorf("auth.secret or auth.secret_hash is required")
	}
	if c.Backend.Command == "" {
		return fmt.Errorf("backend.command is required")
	}
	if c.Broadcast.Enabled && c.Auth.ChannelSecret == "" {
		return fmt.Errorf("auth.channel_secret is required when broadcast is enabled")
	}
	if c.Listen.MaxClientMsgBytes <= 0 {
		return fmt.Errorf("listen.max_client_msg_bytes must be positive")
	}
	return nil
}
