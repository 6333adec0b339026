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
	"bytes"
	"crypto/rand"
	"errors"
	"runtime"
	"testing"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/cpu"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

var algorithms = []Algorithm{ChaCha20Poly1305, AES256GCM}

func TestRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":  {},
		"short":  []byte("hello"),
		"binary": {0x00, 0xFF, 0x10, 0x00},
		"large":  bytes.Repeat([]byte("x"), 64*1024),
	}
	for _, alg := range algorithms {
		c := NewCipher(WithAlgorithm(alg))
		key := newKey(t)
		for name, pt := range inputs {
			t.Run(string(alg)+"/"+name, func(t *testing.T) {
				ct, err := c.Encrypt(pt, key)
				require.NoError(t, err)
				assert.Len(t, ct, len(pt)+Overhead)

				got, err := c.Decrypt(ct, key)
				require.NoError(t, err)
				assert.Equal(t, pt, got)
			})
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	c := NewCipher()
	key := newKey(t)

	a, err := c.Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"), key)
	require.NoError(t, err)

	assert.NotEqual(t, a[:NonceSize], b[:NonceSize])
	assert.NotEqual(t, a, b)
}

// TestDecrypt_TamperEveryByte flips each byte of a ciphertext in turn and
// expects every mutation to be reported as tampering.
func TestDecrypt_TamperEveryByte(t *testing.T) {
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			c := NewCipher(WithAlgorithm(alg))
			key := newKey(t)
			ct, err := c.Encrypt([]byte("attack at dawn"), key)
			require.NoError(t, err)

			for i := range ct {
				mutated := bytes.Clone(ct)
				mutated[i] ^= 0x01
				pt, err := c.Decrypt(mutated, key)
				require.Error(t, err, "byte %d", i)
				assert.Nil(t, pt)
				assert.True(t, types.IsTamper(err), "byte %d: %v", i, err)
				assert.ErrorIs(t, err, types.ErrDecryptionFailed)
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	c := NewCipher()
	ct, err := c.Encrypt([]byte("secret"), newKey(t))
	require.NoError(t, err)

	_, err = c.Decrypt(ct, newKey(t))
	assert.True(t, types.IsTamper(err))
}

func TestDecrypt_Malformed(t *testing.T) {
	c := NewCipher()
	key := newKey(t)

	for _, n := range []int{0, 1, Overhead - 1} {
		_, err := c.Decrypt(make([]byte, n), key)
		var e *types.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, types.KindDecryptionFailed, e.Kind)
		assert.False(t, e.TamperDetected)
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	}

	ct, err := c.Encrypt([]byte("x"), key)
	require.NoError(t, err)
	_, err = c.Decrypt(ct, key[:16])
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
	assert.False(t, types.IsTamper(err))
}

func TestDecrypt_MinimumLength(t *testing.T) {
	c := NewCipher()
	key := newKey(t)
	ct, err := c.Encrypt(nil, key)
	require.NoError(t, err)
	assert.Len(t, ct, Overhead)

	pt, err := c.Decrypt(ct, key)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestEncrypt_InvalidKey(t *testing.T) {
	c := NewCipher()
	for _, n := range []int{0, 16, 31, 33} {
		_, err := c.Encrypt([]byte("x"), make([]byte, n))
		assert.ErrorIs(t, err, types.ErrEncryptionFailed)
		assert.ErrorIs(t, err, ErrInvalidKeySize)
	}
}

type fixedReader struct{ b byte }

func (r fixedReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestEncrypt_NonceReuseRejected(t *testing.T) {
	tracker := NewNonceTracker(true)
	c := NewCipher(WithNonceTracker(tracker), WithRandom(fixedReader{b: 7}))
	key := newKey(t)

	_, err := c.Encrypt([]byte("one"), key)
	require.NoError(t, err)

	_, err = c.Encrypt([]byte("two"), key)
	assert.ErrorIs(t, err, types.ErrEncryptionFailed)
	assert.ErrorIs(t, err, ErrNonceReuse)

	// Same nonce under a different key is a different pair
	_, err = c.Encrypt([]byte("three"), newKey(t))
	assert.NoError(t, err)
}

func TestEncrypt_RandomFailure(t *testing.T) {
	c := NewCipher(WithRandom(failingReader{}))
	_, err := c.Encrypt([]byte("x"), newKey(t))
	assert.ErrorIs(t, err, types.ErrEncryptionFailed)
}

func TestCipher_AlgorithmsAreDistinct(t *testing.T) {
	key := newKey(t)
	chacha := NewCipher()
	gcm := chacha.WithAlgorithm(AES256GCM)
	assert.Equal(t, AES256GCM, gcm.Algorithm())

	ct, err := chacha.Encrypt([]byte("x"), key)
	require.NoError(t, err)
	_, err = gcm.Decrypt(ct, key)
	assert.True(t, types.IsTamper(err))
}

func TestAutoSelection(t *testing.T) {
	hasAES := HasAESNI()
	switch runtime.GOARCH {
	case "amd64":
		assert.Equal(t, cpu.X86.HasAES, hasAES)
	case "arm64":
		assert.Equal(t, cpu.ARM64.HasAES, hasAES)
	default:
		assert.False(t, hasAES)
	}

	c := NewCipher(WithAlgorithm(Auto))
	if hasAES {
		assert.Equal(t, AES256GCM, c.Algorithm())
	} else {
		assert.Equal(t, ChaCha20Poly1305, c.Algorithm())
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", ChaCha20Poly1305, false},
		{"chacha20-poly1305", ChaCha20Poly1305, false},
		{"AES-256-GCM", AES256GCM, false},
		{"aes256-gcm", AES256GCM, false},
		{"auto", Auto, false},
		{"des", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
