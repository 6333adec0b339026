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

package password

import (
	"crypto/subtle"
	"errors"
	"sync"
)

var (
	// ErrEmptySecret is returned when an empty secret is provided.
	ErrEmptySecret = errors.New("secret cannot be empty")

	// ErrSecretCleared is returned when the secret has been zeroed.
	ErrSecretCleared = errors.New("secret has been cleared")
)

// Secret holds a password in memory and zeroes it on Clear. Callers
// should defer Clear as soon as the secret is no longer needed.
type Secret struct {
	mu    sync.Mutex
	value []byte
}

// NewSecret copies b into a new Secret. The caller keeps ownership of b
// and should zero it.
func NewSecret(b []byte) (*Secret, error) {
	if len(b) == 0 {
		return nil, ErrEmptySecret
	}
	v := make([]byte, len(b))
	copy(v, b)
	return &Secret{value: v}, nil
}

// NewSecretFromString creates a Secret from s.
func NewSecretFromString(s string) (*Secret, error) {
	return NewSecret([]byte(s))
}

// Bytes returns a copy of the secret, or nil once cleared.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == nil {
		return nil
	}
	out := make([]byte, len(s.value))
	copy(out, s.value)
	return out
}

// String returns the secret as a string.
func (s *Secret) String() (string, error) {
	b := s.Bytes()
	if b == nil {
		return "", ErrSecretCleared
	}
	defer Zero(b)
	return string(b), nil
}

// Cleared reports whether Clear has been called.
func (s *Secret) Cleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value == nil
}

// Clear zeroes the secret. Safe to call more than once.
func (s *Secret) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != nil {
		Zero(s.value)
		s.value = nil
	}
}

// Equal compares two secrets in constant time.
func Equal(a, b *Secret) (bool, error) {
	ab := a.Bytes()
	if ab == nil {
		return false, ErrSecretCleared
	}
	defer Zero(ab)

	bb := b.Bytes()
	if bb == nil {
		return false, ErrSecretCleared
	}
	defer Zero(bb)

	return subtle.ConstantTimeCompare(ab, bb) == 1, nil
}

// Zero overwrites b with zeros using a constant-time copy the compiler
// will not optimize away.
func Zero(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
