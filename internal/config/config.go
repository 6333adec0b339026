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

// Package config loads the devicevault configuration file.
//
// Values come from, in increasing precedence: built-in defaults, the YAML
// file and DEVICEVAULT_* environment variables. Nested keys map to
// variables by upper-casing and replacing dots with underscores, so
// security.max_failed_attempts is DEVICEVAULT_SECURITY_MAX_FAILED_ATTEMPTS.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/classifier"
	"github.com/jeremyhahn/go-devicevault/pkg/crypto/aead"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVICEVAULT"

// ConfigName is the file name searched for when no path is given.
const ConfigName = "devicevault"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Authentication backends.
const (
	AuthPassphrase = "passphrase"
	AuthNone       = "none"
)

// Config is the complete devicevault configuration.
type Config struct {
	Security   types.SecurityConfiguration `mapstructure:"security"`
	Storage    StorageConfig               `mapstructure:"storage"`
	Auth       AuthConfig                  `mapstructure:"auth"`
	Logging    LoggingConfig               `mapstructure:"logging"`
	Integrity  IntegrityConfig             `mapstructure:"integrity"`
	Escalation EscalationConfig            `mapstructure:"escalation"`
	Audit      AuditConfig                 `mapstructure:"audit"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
}

// StorageConfig selects where records live and how they are sealed.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`        // memory, file, sqlite
	Path          string `mapstructure:"path"`           // directory (file) or database (sqlite)
	Cipher        string `mapstructure:"cipher"`         // chacha20-poly1305, aes-256-gcm, auto
	NonceTracking bool   `mapstructure:"nonce_tracking"` // reject repeated nonces per process
}

// AuthConfig selects the owner authentication backend.
type AuthConfig struct {
	Backend string `mapstructure:"backend"` // passphrase, none

	// Argon2 costs for newly enrolled passphrases.
	Argon2Time      uint32 `mapstructure:"argon2_time"`
	Argon2MemoryKiB uint32 `mapstructure:"argon2_memory_kib"`
	Argon2Threads   uint8  `mapstructure:"argon2_threads"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IntegrityConfig controls the integrity monitor.
type IntegrityConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// EscalationConfig controls warning escalation.
type EscalationConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	MaxEvents       int  `mapstructure:"max_events"`
	BufferSize      int  `mapstructure:"buffer_size"`
	EventsPerMinute int  `mapstructure:"events_per_minute"`
	LogEvents       bool `mapstructure:"log_events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Security: types.DefaultSecurityConfiguration(),
		Storage: StorageConfig{
			Backend: BackendFile,
			Path:    DefaultDataDir(),
			Cipher:  string(aead.ChaCha20Poly1305),
		},
		Auth: AuthConfig{
			Backend:         AuthPassphrase,
			Argon2Time:      1,
			Argon2MemoryKiB: 64 * 1024,
			Argon2Threads:   4,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
		Integrity: IntegrityConfig{
			Enabled:  true,
			Interval: integrity.DefaultInterval,
		},
		Escalation: EscalationConfig{
			Threshold: classifier.DefaultThreshold,
			Window:    classifier.DefaultWindow,
		},
		Audit: AuditConfig{
			MaxEvents:       10000,
			BufferSize:      classifier.DefaultSinkBufferSize,
			EventsPerMinute: classifier.DefaultSinkEventsPerMinute,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
	}
}

// DefaultDataDir is $HOME/.devicevault, or ./.devicevault when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devicevault"
	}
	return filepath.Join(home, ".devicevault")
}

// Load reads path, or searches the working directory, $HOME/.devicevault
// and /etc/devicevault for devicevault.yaml when path is empty. A missing
// file is not an error when searching.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath("/etc/devicevault")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newViper returns a viper instance holding every default, so each key
// is also bound to its environment variable.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for section, values := range Default().document() {
		for key, value := range values {
			v.SetDefault(section+"."+key, value)
		}
	}
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security: %w", err)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q (want memory, file or sqlite)", c.Storage.Backend)
	}
	if _, err := aead.ParseAlgorithm(c.Storage.Cipher); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	switch c.Auth.Backend {
	case AuthPassphrase, AuthNone:
	default:
		return fmt.Errorf("auth: unknown backend %q (want passphrase or none)", c.Auth.Backend)
	}
	if c.Auth.Backend == AuthNone && c.Security.RequireBiometrics {
		return errors.New("auth: backend none cannot satisfy security.require_biometrics")
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging: invalid format %q (want text or json)", c.Logging.Format)
	}

	if c.Integrity.Enabled && c.Integrity.Interval <= 0 {
		return fmt.Errorf("integrity: interval must be positive: %s", c.Integrity.Interval)
	}
	if c.Escalation.Threshold < 1 {
		return fmt.Errorf("escalation: threshold must be at least 1: %d", c.Escalation.Threshold)
	}
	if c.Escalation.Window <= 0 {
		return fmt.Errorf("escalation: window must be positive: %s", c.Escalation.Window)
	}
	if c.Audit.MaxEvents < 0 || c.Audit.BufferSize < 0 || c.Audit.EventsPerMinute < 0 {
		return errors.New("audit: limits must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics: addr is required when enabled")
	}
	return nil
}

// Classifier returns the escalation and sink settings. Lockout settings
// come from Security.
func (c *Config) Classifier() classifier.Config {
	cc := classifier.ConfigFromSecurity(c.Security)
	cc.Threshold = c.Escalation.Threshold
	cc.Window = c.Escalation.Window
	cc.SinkBufferSize = c.Audit.BufferSize
	cc.SinkEventsPerMinute = c.Audit.EventsPerMinute
	return cc
}

// Marshal renders c as YAML with human-readable durations.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c.document())
}

// Write saves c to path, creating parent directories. An existing file
// is only replaced when overwrite is set.
func (c *Config) Write(path string, overwrite bool) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// document lays c out as section -> key -> value, the shape of the file.
func (c *Config) document() map[string]map[string]any {
	s := c.Security
	return map[string]map[string]any{
		"security": {
			"require_biometrics":           s.RequireBiometrics,
			"encrypt_data":                 s.EncryptData,
			"minimum_password_length":      s.MinimumPasswordLength,
			"password_complexity_required": s.PasswordComplexityRequired,
			"auto_lock_timeout":            s.AutoLockTimeout.String(),
			"max_failed_attempts":          s.MaxFailedAttempts,
			"lockout_duration":             s.LockoutDuration.String(),
		},
		"storage": {
			"backend":        c.Storage.Backend,
			"path":           c.Storage.Path,
			"cipher":         c.Storage.Cipher,
			"nonce_tracking": c.Storage.NonceTracking,
		},
		"auth": {
			"backend":           c.Auth.Backend,
			"argon2_time":       c.Auth.Argon2Time,
			"argon2_memory_kib": c.Auth.Argon2MemoryKiB,
			"argon2_threads":    c.Auth.Argon2Threads,
		},
		"logging": {
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
		"integrity": {
			"enabled":  c.Integrity.Enabled,
			"interval": c.Integrity.Interval.String(),
		},
		"escalation": {
			"threshold": c.Escalation.Threshold,
			"window":    c.Escalation.Window.String(),
		},
		"audit": {
			"max_events":        c.Audit.MaxEvents,
			"buffer_size":       c.Audit.BufferSize,
			"events_per_minute": c.Audit.EventsPerMinute,
			"log_events":        c.Audit.LogEvents,
		},
		"metrics": {
			"enabled": c.Metrics.Enabled,
			"addr":    c.Metrics.Addr,
			"path":    c.Metrics.Path,
		},
	}
}
