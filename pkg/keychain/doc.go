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

// Package keychain wires the vault components into a single Service.
//
// A Service is built once at startup with New and passed explicitly to
// whatever needs it. It encrypts values with the installation key before
// they reach the secure store, gates access behind device-owner
// authentication when configured, and reports every failure to the error
// classifier before returning it to the caller.
//
// Basic usage:
//
//	svc, err := keychain.New(&keychain.Config{
//	    Security:    types.DefaultSecurityConfiguration(),
//	    Backend:     memory.New(),
//	    AuthBackend: passphraseBackend,
//	})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close(ctx)
//
//	if err := svc.SecureStore(ctx, "api-token", token); err != nil {
//	    return err
//	}
//	token, err := svc.SecureRetrieve(ctx, "api-token")
//
// Stored values are wrapped in a two-byte envelope naming the format
// version and the cipher, so a record written with AES-256-GCM on one
// host opens on a host that defaults to ChaCha20-Poly1305.
package keychain
