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
	"crypto/rand"
	"sync"
	"testing"
)

// TestNewNonceTracker tests the creation of a new nonce tracker.
func TestNewNonceTracker(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		tracker := NewNonceTracker(enabled)
		if tracker.IsEnabled() != enabled {
			t.Errorf("IsEnabled() = %v, want %v", tracker.IsEnabled(), enabled)
		}
		if tracker.Count() != 0 {
			t.Errorf("Count() = %d, want 0", tracker.Count())
		}
	}
}

// TestCheckAndRecordNonce_Enabled tests reuse detection per key.
func TestCheckAndRecordNonce_Enabled(t *testing.T) {
	tracker := NewNonceTracker(true)
	key := []byte("k1")
	nonce := make([]byte, NonceSize)

	if err := tracker.CheckAndRecordNonce(key, nonce); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := tracker.CheckAndRecordNonce(key, nonce); err != ErrNonceReuse {
		t.Fatalf("second use: got %v, want ErrNonceReuse", err)
	}
	if err := tracker.CheckAndRecordNonce([]byte("k2"), nonce); err != nil {
		t.Fatalf("other key: %v", err)
	}
	if tracker.Count() != 2 {
		t.Errorf("Count() = %d, want 2", tracker.Count())
	}
}

// TestCheckAndRecordNonce_Disabled tests that a disabled tracker accepts
// everything and records nothing.
func TestCheckAndRecordNonce_Disabled(t *testing.T) {
	tracker := NewNonceTracker(false)
	nonce := make([]byte, NonceSize)
	for i := 0; i < 3; i++ {
		if err := tracker.CheckAndRecordNonce([]byte("k"), nonce); err != nil {
			t.Fatalf("disabled tracker returned %v", err)
		}
	}
	if tracker.Count() != 0 {
		t.Errorf("Count() = %d, want 0", tracker.Count())
	}
}

// TestNonceTracker_Concurrent exercises the tracker under -race.
func TestNonceTracker_Concurrent(t *testing.T) {
	tracker := NewNonceTracker(true)
	key := []byte("key")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce := make([]byte, NonceSize)
			_, _ = rand.Read(nonce)
			if err := tracker.CheckAndRecordNonce(key, nonce); err != nil {
				t.Errorf("unexpected reuse: %v", err)
			}
		}()
	}
	wg.Wait()

	if tracker.Count() != 64 {
		t.Errorf("Count() = %d, want 64", tracker.Count())
	}
}
