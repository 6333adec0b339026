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

package keychain

import "errors"

var (
	// ErrNilConfig is returned by New without a configuration.
	ErrNilConfig = errors.New("keychain: config cannot be nil")

	// ErrNoBackend is returned by New without a storage backend.
	ErrNoBackend = errors.New("keychain: storage backend is required")

	// ErrNoAuthBackend is wrapped in BiometricsUnavailable when the
	// service has no authentication backend.
	ErrNoAuthBackend = errors.New("keychain: no authentication backend configured")

	// ErrReservedNamespace is returned for namespaces owned by the vault.
	ErrReservedNamespace = errors.New("keychain: namespace is reserved")

	// ErrServiceClosed is returned by operations after Close.
	ErrServiceClosed = errors.New("keychain: service is closed")

	// ErrPlaintextRefused is wrapped in a tamper-flagged DecryptionFailed
	// when an unencrypted record is read while encryption is required.
	ErrPlaintextRefused = errors.New("keychain: plaintext record refused")

	// ErrMonitorRunning is returned by StartMonitor when already started.
	ErrMonitorRunning = errors.New("keychain: integrity monitor already running")
)
