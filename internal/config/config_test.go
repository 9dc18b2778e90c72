package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "muxtun.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"secret": "s3cret"},
		"backend": {"command": "automationd"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Listen.Addr != ":8422" {
		t.Errorf("default addr = %q, want :8422", cfg.Listen.Addr)
	}
	if cfg.Backend.ReleaseMethod != "release" {
		t.Errorf("default release method = %q, want release", cfg.Backend.ReleaseMethod)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default storage driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Listen.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("default shutdown timeout = %v, want 10s", cfg.Listen.ShutdownTimeout.Duration)
	}
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `{
		"listen": {"addr": ":9000", "allowed_origins": ["https://app.example.com"], "shutdown_timeout": "5s"},
		"auth": {"secret": "s3cret", "channel_secret": "chan-key"},
		"backend": {
			"command": "automationd",
			"args": ["--headless"],
			"capability_token": "cap-123",
			"bind_addr": "127.0.0.1:0",
			"release_method": "disposeContext"
		},
		"broadcast": {"enabled": true},
		"log_level": "debug"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen.Addr != ":9000" {
		t.Errorf("addr = %q, want :9000", cfg.Listen.Addr)
	}
	if cfg.Listen.ShutdownTimeout.Duration != 5*time.Second {
		t.Errorf("shutdown timeout = %v, want 5s", cfg.Listen.ShutdownTimeout.Duration)
	}
	if cfg.Backend.ReleaseMethod != "disposeContext" {
		t.Errorf("release method = %q, want disposeContext", cfg.Backend.ReleaseMethod)
	}
	if !cfg.Broadcast.Enabled {
		t.Error("broadcast should be enabled")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.Auth.Secret = ""; c.Auth.SecretHash = "" }, true},
		{"hash only is fine", func(c *Config) { c.Auth.Secret = ""; c.Auth.SecretHash = "$2a$10$x" }, false},
		{"missing backend command", func(c *Config) { c.Backend.Command = "" }, true},
		{"missing addr", func(c *Config) { c.Listen.Addr = "" }, true},
		{"broadcast without channel secret", func(c *Config) { c.Broadcast.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Secret = "s3cret"
			cfg.Backend.Command = "automationd"
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("duration = %v, want 1m30s", d.Duration)
	}

	if err := json.Unmarshal([]byte(`"bogus"`), &d); err == nil {
		t.Error("expected error for invalid duration string")
	}
}
