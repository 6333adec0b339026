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

package aead

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// NonceTracker records (key, nonce) pairs used for encryption and rejects
// any pair seen before. Keys are tracked by SHA-256 fingerprint so key
// material is never retained.
//
// Memory grows with the number of encryptions for the life of the tracker;
// hosts that encrypt unboundedly should leave tracking disabled.
type NonceTracker struct {
	enabled bool
	nonces  map[string]struct{} // fingerprint || nonce, hex encoded
	mu      sync.RWMutex
}

// NewNonceTracker creates a tracker. A disabled tracker accepts every nonce.
func NewNonceTracker(enabled bool) *NonceTracker {
	return &NonceTracker{
		enabled: enabled,
		nonces:  make(map[string]struct{}),
	}
}

// CheckAndRecordNonce records the pair and returns ErrNonceReuse if it was
// already recorded.
func (nt *NonceTracker) CheckAndRecordNonce(key, nonce []byte) error {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if !nt.enabled {
		return nil
	}

	id := pairID(key, nonce)
	if _, exists := nt.nonces[id]; exists {
		return ErrNonceReuse
	}
	nt.nonces[id] = struct{}{}
	return nil
}

// Count returns the number of recorded pairs.
func (nt *NonceTracker) Count() int {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return len(nt.nonces)
}

// IsEnabled reports whether tracking is enabled.
func (nt *NonceTracker) IsEnabled() bool {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return nt.enabled
}

func pairID(key, nonce []byte) string {
	fp := sha256.Sum256(key)
	return hex.EncodeToString(fp[:]) + hex.EncodeToString(nonce)
}
