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

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/go-devicevault/internal/config"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/auth"
	"github.com/jeremyhahn/go-devicevault/pkg/classifier"
	"github.com/jeremyhahn/go-devicevault/pkg/crypto/aead"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/keychain"
	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/storage/file"
	"github.com/jeremyhahn/go-devicevault/pkg/storage/memory"
	"github.com/jeremyhahn/go-devicevault/pkg/storage/sqlite"
	"github.com/spf13/cobra"
)

// PassphraseEnv supplies the passphrase non-interactively.
const PassphraseEnv = "DEVICEVAULT_PASSPHRASE"

// vault is an opened Service together with what the commands need
// besides it.
type vault struct {
	cfg        *config.Config
	svc        *keychain.Service
	passphrase *auth.PassphraseBackend
	prompter   auth.Prompter
	log        logger.Logger
}

func (v *vault) Close(ctx context.Context) error {
	return v.svc.Close(ctx)
}

// loadConfig reads the configuration file and applies the global flag
// overrides.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Backend != "" {
		cfg.Storage.Backend = opts.Backend
	}
	if opts.DataDir != "" {
		cfg.Storage.Path = opts.DataDir
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) logger.Logger {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		level = logger.LevelWarn
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: w,
	})
}

// openBackend creates the storage backend named by cfg.
func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendFile:
		fs, err := file.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage backend: %w", err)
		}
		return fs, nil
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage backend: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// newPrompter reads the passphrase from PassphraseEnv when set and from
// the terminal otherwise.
func newPrompter(cmd *cobra.Command) auth.Prompter {
	if pw, ok := os.LookupEnv(PassphraseEnv); ok {
		return auth.StaticPrompter{Passphrase: pw}
	}
	return &auth.TerminalPrompter{In: os.Stdin, Out: cmd.ErrOrStderr()}
}

// openVault builds the Service described by the configuration.
func openVault(cmd *cobra.Command, opts *Options) (*vault, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Logging, cmd.ErrOrStderr())

	alg, err := aead.ParseAlgorithm(cfg.Storage.Cipher)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	verbosef(cmd, opts, "Using %s backend at %s", cfg.Storage.Backend, cfg.Storage.Path)

	var sink audit.AuditAdapter = audit.NewMemoryAuditAdapter(cfg.Audit.MaxEvents)
	if cfg.Audit.LogEvents {
		sink = audit.NewLoggerAuditAdapter(log, sink)
	}

	v := &vault{cfg: cfg, log: log, prompter: newPrompter(cmd)}
	kcfg := &keychain.Config{
		Security:        cfg.Security,
		Backend:         backend,
		BackendName:     cfg.Storage.Backend,
		Algorithm:       alg,
		NonceTracking:   cfg.Storage.NonceTracking,
		Sink:            sink,
		Notifier:        escalationLogger(log),
		MonitorInterval: cfg.Integrity.Interval,
		Logger:          log,
	}
	cc := cfg.Classifier()
	kcfg.Classifier = &cc
	if !cfg.Integrity.Enabled {
		kcfg.Detectors = []integrity.Detector{}
	}

	if cfg.Auth.Backend == config.AuthPassphrase {
		kcfg.NewAuthBackend = func(store *storage.SecureStore) (auth.Backend, error) {
			v.passphrase = auth.NewPassphraseBackend(store, v.prompter,
				auth.WithArgon2Params(auth.Argon2Params{
					Time:      cfg.Auth.Argon2Time,
					Memory:    cfg.Auth.Argon2MemoryKiB,
					Threads:   cfg.Auth.Argon2Threads,
					KeyLength: auth.DefaultArgon2Params().KeyLength,
				}),
				auth.WithPasswordPolicy(password.FromConfiguration(cfg.Security)))
			return v.passphrase, nil
		}
	}

	v.svc, err = keychain.New(kcfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return v, nil
}

// withVault opens the vault, runs fn and closes the vault.
func withVault(cmd *cobra.Command, opts *Options, fn func(ctx context.Context, v *vault) error) (err error) {
	v, err := openVault(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() {
		if cerr := v.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, v)
}

func escalationLogger(log logger.Logger) classifier.Notifier {
	return classifier.NotifierFunc(func(ctx context.Context, e classifier.Escalation) {
		logger.FromContext(ctx, log).Warn("Repeated errors escalated",
			logger.String("code", e.Code),
			logger.Int("occurrences", e.Occurrences),
			logger.Duration("window", e.Window))
	})
}
