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

import (
	"testing"

	"github.com/jeremyhahn/go-devicevault/pkg/crypto/aead"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_SealOpen(t *testing.T) {
	for _, mode := range []Mode{ModePlain, ModeChaCha20Poly1305, ModeAES256GCM} {
		t.Run(mode.String(), func(t *testing.T) {
			record := seal(mode, []byte("payload"))
			assert.Equal(t, []byte{envelopeVersion, byte(mode)}, record[:envelopeHeaderSize])

			got, payload, err := open(record)
			require.NoError(t, err)
			assert.Equal(t, mode, got)
			assert.Equal(t, []byte("payload"), payload)
		})
	}
}

func TestEnvelope_OpenRejects(t *testing.T) {
	tests := []struct {
		name   string
		record []byte
	}{
		{"empty", nil},
		{"header only byte", []byte{envelopeVersion}},
		{"future version", []byte{0x02, byte(ModePlain), 'x'}},
		{"unknown mode", []byte{envelopeVersion, 0x7f, 'x'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := open(tt.record)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidDataEncoding)
			assert.Equal(t, "store.invalid_data_encoding", types.CodeOf(err))
		})
	}
}

func TestEnvelope_EmptyPayload(t *testing.T) {
	mode, payload, err := open(seal(ModePlain, nil))
	require.NoError(t, err)
	assert.Equal(t, ModePlain, mode)
	assert.Empty(t, payload)
}

func TestModeFor(t *testing.T) {
	m, err := modeFor(aead.ChaCha20Poly1305)
	require.NoError(t, err)
	assert.Equal(t, ModeChaCha20Poly1305, m)

	m, err = modeFor(aead.AES256GCM)
	require.NoError(t, err)
	assert.Equal(t, ModeAES256GCM, m)

	_, err = modeFor(aead.Auto)
	assert.Error(t, err)

	alg, ok := ModeAES256GCM.algorithm()
	assert.True(t, ok)
	assert.Equal(t, aead.AES256GCM, alg)
	_, ok = ModePlain.algorithm()
	assert.False(t, ok)
	assert.Equal(t, "mode(0x09)", Mode(0x09).String())
}
