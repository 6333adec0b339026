// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-devicevault.
//
// go-devicevault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/crypto/aead"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devicevault.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
security:
  require_biometrics: true
  encrypt_data: true
  minimum_password_length: 12
  password_complexity_required: false
  auto_lock_timeout: 30s
  max_failed_attempts: 3
  lockout_duration: 10m

storage:
  backend: sqlite
  path: /var/lib/devicevault/vault.db
  cipher: aes-256-gcm
  nonce_tracking: true

logging:
  level: debug
  format: json

escalation:
  threshold: 10
  window: 1m

metrics:
  enabled: true
  addr: ":9464"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Security.MinimumPasswordLength != 12 {
		t.Errorf("MinimumPasswordLength = %d, want 12", cfg.Security.MinimumPasswordLength)
	}
	if cfg.Security.PasswordComplexityRequired {
		t.Error("PasswordComplexityRequired = true, want false")
	}
	if cfg.Security.AutoLockTimeout != 30*time.Second {
		t.Errorf("AutoLockTimeout = %s, want 30s", cfg.Security.AutoLockTimeout)
	}
	if cfg.Security.MaxFailedAttempts != 3 {
		t.Errorf("MaxFailedAttempts = %d, want 3", cfg.Security.MaxFailedAttempts)
	}
	if cfg.Security.LockoutDuration != 10*time.Minute {
		t.Errorf("LockoutDuration = %s, want 10m", cfg.Security.LockoutDuration)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Path != "/var/lib/devicevault/vault.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Cipher != string(aead.AES256GCM) {
		t.Errorf("Cipher = %q", cfg.Storage.Cipher)
	}
	if !cfg.Storage.NonceTracking {
		t.Error("NonceTracking = false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9464" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}

	// Unset keys keep their defaults.
	if cfg.Auth.Backend != AuthPassphrase {
		t.Errorf("Auth.Backend = %q, want passphrase", cfg.Auth.Backend)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}

	cc := cfg.Classifier()
	if cc.Threshold != 10 || cc.Window != time.Minute {
		t.Errorf("Classifier escalation = %d/%s", cc.Threshold, cc.Window)
	}
	if cc.MaxFailedAttempts != 3 || cc.LockoutDuration != 10*time.Minute {
		t.Errorf("Classifier lockout = %d/%s", cc.MaxFailedAttempts, cc.LockoutDuration)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_SearchWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security != Default().Security {
		t.Errorf("Security = %+v, want defaults", cfg.Security)
	}
	if cfg.Integrity.Interval != Default().Integrity.Interval {
		t.Errorf("Integrity.Interval = %s", cfg.Integrity.Interval)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "security: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
security:
  max_failed_attempts: 3
storage:
  backend: memory
`)
	t.Setenv("DEVICEVAULT_SECURITY_MAX_FAILED_ATTEMPTS", "7")
	t.Setenv("DEVICEVAULT_SECURITY_LOCKOUT_DURATION", "90s")
	t.Setenv("DEVICEVAULT_LOGGING_LEVEL", "error")
	t.Setenv("DEVICEVAULT_INTEGRITY_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.MaxFailedAttempts != 7 {
		t.Errorf("MaxFailedAttempts = %d, want 7 from environment", cfg.Security.MaxFailedAttempts)
	}
	if cfg.Security.LockoutDuration != 90*time.Second {
		t.Errorf("LockoutDuration = %s, want 90s", cfg.Security.LockoutDuration)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error", cfg.Logging.Level)
	}
	if cfg.Integrity.Enabled {
		t.Error("Integrity.Enabled = true, want false from environment")
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: floppy
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory without path", func(c *Config) { c.Storage.Backend = BackendMemory; c.Storage.Path = "" }, ""},
		{"file without path", func(c *Config) { c.Storage.Path = "" }, "path is required"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "unknown backend"},
		{"unknown cipher", func(c *Config) { c.Storage.Cipher = "rot13" }, "unsupported algorithm"},
		{"auto cipher", func(c *Config) { c.Storage.Cipher = "auto" }, ""},
		{"negative attempts", func(c *Config) { c.Security.MaxFailedAttempts = -1 }, "max_failed_attempts"},
		{"lockout disabled", func(c *Config) { c.Security.MaxFailedAttempts = 0; c.Security.LockoutDuration = 0 }, ""},
		{"unknown auth", func(c *Config) { c.Auth.Backend = "retina" }, "unknown backend"},
		{"no auth but required", func(c *Config) { c.Auth.Backend = AuthNone }, "require_biometrics"},
		{"no auth not required", func(c *Config) {
			c.Auth.Backend = AuthNone
			c.Security.RequireBiometrics = false
		}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid format"},
		{"zero interval", func(c *Config) { c.Integrity.Interval = 0 }, "interval"},
		{"zero interval disabled", func(c *Config) { c.Integrity.Enabled = false; c.Integrity.Interval = 0 }, ""},
		{"zero threshold", func(c *Config) { c.Escalation.Threshold = 0 }, "threshold"},
		{"zero window", func(c *Config) { c.Escalation.Window = 0 }, "window"},
		{"negative audit", func(c *Config) { c.Audit.BufferSize = -1 }, "audit"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devicevault.yaml")

	cfg := Default()
	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.Path = "/tmp/vault.db"
	cfg.Security.AutoLockTimeout = 45 * time.Second
	if err := cfg.Write(path, false); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "auto_lock_timeout: 45s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Security != cfg.Security {
		t.Errorf("Security = %+v, want %+v", loaded.Security, cfg.Security)
	}
	if loaded.Storage != cfg.Storage {
		t.Errorf("Storage = %+v, want %+v", loaded.Storage, cfg.Storage)
	}
	if loaded.Auth != cfg.Auth {
		t.Errorf("Auth = %+v, want %+v", loaded.Auth, cfg.Auth)
	}

	if err := cfg.Write(path, false); err == nil {
		t.Error("Write() should refuse to replace an existing file")
	}
	if err := cfg.Write(path, true); err != nil {
		t.Errorf("Write(overwrite) error = %v", err)
	}
}
