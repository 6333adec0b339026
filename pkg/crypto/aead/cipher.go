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

// Package aead provides authenticated encryption of byte strings under a
// 256-bit key. Ciphertexts are laid out as
//
//	nonce (12 bytes) || tag (16 bytes) || body
//
// with a fresh random nonce per call. ChaCha20-Poly1305 is the default;
// AES-256-GCM is available and Auto picks between them on CPU features.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required key length in bytes.
	KeySize = 32

	// NonceSize is the nonce length in bytes.
	NonceSize = 12

	// TagSize is the authentication tag length in bytes.
	TagSize = 16

	// Overhead is the number of bytes Encrypt adds to the plaintext.
	Overhead = NonceSize + TagSize
)

// Cipher encrypts and decrypts with a fixed algorithm. It holds no key
// material and is safe for concurrent use.
type Cipher struct {
	alg     Algorithm
	tracker *NonceTracker
	rand    io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithAlgorithm selects the AEAD construction. Auto is resolved once, at
// construction.
func WithAlgorithm(alg Algorithm) Option {
	return func(c *Cipher) {
		if alg != "" {
			c.alg = alg
		}
	}
}

// WithNonceTracker rejects encryption with a repeated (key, nonce) pair.
func WithNonceTracker(t *NonceTracker) Option {
	return func(c *Cipher) {
		c.tracker = t
	}
}

// WithRandom sets the nonce source. Defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

// NewCipher creates a Cipher. The default algorithm is ChaCha20Poly1305.
func NewCipher(opts ...Option) *Cipher {
	c := &Cipher{
		alg:  ChaCha20Poly1305,
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.alg = c.alg.resolve()
	return c
}

// Algorithm returns the concrete algorithm in use.
func (c *Cipher) Algorithm() Algorithm {
	return c.alg
}

// WithAlgorithm returns a Cipher sharing c's nonce tracker and random
// source but using alg.
func (c *Cipher) WithAlgorithm(alg Algorithm) *Cipher {
	return &Cipher{alg: alg.resolve(), tracker: c.tracker, rand: c.rand}
}

// Encrypt seals plaintext under key. The returned slice is
// nonce || tag || body. Failures are EncryptionFailed.
func (c *Cipher) Encrypt(plaintext, key []byte) ([]byte, error) {
	a, err := c.newAEAD(key)
	if err != nil {
		return nil, types.NewError(types.KindEncryptionFailed, "encrypt", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, types.NewError(types.KindEncryptionFailed, "encrypt",
			fmt.Errorf("failed to generate nonce: %w", err))
	}
	if c.tracker != nil {
		if err := c.tracker.CheckAndRecordNonce(key, nonce); err != nil {
			return nil, types.NewError(types.KindEncryptionFailed, "encrypt", err)
		}
	}

	// Seal appends body || tag; move the tag in front of the body
	sealed := a.Seal(nil, nonce, plaintext, nil)
	bodyLen := len(sealed) - TagSize

	out := make([]byte, Overhead+bodyLen)
	copy(out, nonce)
	copy(out[NonceSize:], sealed[bodyLen:])
	copy(out[Overhead:], sealed[:bodyLen])
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A tag mismatch is
// DecryptionFailed with TamperDetected set; malformed input or a bad key
// is DecryptionFailed without it. No plaintext is returned on failure.
func (c *Cipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, types.NewDecryptionFailed(false,
			fmt.Errorf("%w: %d bytes (minimum %d)", ErrCiphertextTooShort, len(ciphertext), Overhead))
	}
	a, err := c.newAEAD(key)
	if err != nil {
		return nil, types.NewDecryptionFailed(false, err)
	}

	nonce := ciphertext[:NonceSize]
	tag := ciphertext[NonceSize:Overhead]
	body := ciphertext[Overhead:]

	sealed := make([]byte, 0, len(body)+TagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := a.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, types.NewDecryptionFailed(true, ErrAuthentication)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (c *Cipher) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes (must be %d bytes)", ErrInvalidKeySize, len(key), KeySize)
	}
	switch c.alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case ChaCha20Poly1305:
		a, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("aead: unsupported algorithm %q", c.alg)
	}
}
