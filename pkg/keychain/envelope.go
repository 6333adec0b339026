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
	"fmt"

	"github.com/jeremyhahn/go-devicevault/pkg/crypto/aead"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// Record envelope layout:
//
//	version (1 byte) || mode (1 byte) || payload
const (
	envelopeVersion    byte = 0x01
	envelopeHeaderSize      = 2
)

// Mode identifies how an envelope payload was produced.
type Mode byte

const (
	ModePlain            Mode = 0x00
	ModeChaCha20Poly1305 Mode = 0x01
	ModeAES256GCM        Mode = 0x02
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeChaCha20Poly1305:
		return string(aead.ChaCha20Poly1305)
	case ModeAES256GCM:
		return string(aead.AES256GCM)
	default:
		return fmt.Sprintf("mode(0x%02x)", byte(m))
	}
}

func modeFor(alg aead.Algorithm) (Mode, error) {
	switch alg {
	case aead.ChaCha20Poly1305:
		return ModeChaCha20Poly1305, nil
	case aead.AES256GCM:
		return ModeAES256GCM, nil
	default:
		return 0, fmt.Errorf("no envelope mode for algorithm %q", alg)
	}
}

func (m Mode) algorithm() (aead.Algorithm, bool) {
	switch m {
	case ModeChaCha20Poly1305:
		return aead.ChaCha20Poly1305, true
	case ModeAES256GCM:
		return aead.AES256GCM, true
	default:
		return "", false
	}
}

func seal(mode Mode, payload []byte) []byte {
	out := make([]byte, envelopeHeaderSize+len(payload))
	out[0] = envelopeVersion
	out[1] = byte(mode)
	copy(out[envelopeHeaderSize:], payload)
	return out
}

// open splits a stored record. Unknown versions and modes are
// InvalidDataEncoding; decode escalates them when encryption is required.
func open(record []byte) (Mode, []byte, error) {
	if len(record) < envelopeHeaderSize {
		return 0, nil, types.NewError(types.KindInvalidDataEncoding, "open record",
			fmt.Errorf("record too short: %d bytes", len(record)))
	}
	if record[0] != envelopeVersion {
		return 0, nil, types.NewError(types.KindInvalidDataEncoding, "open record",
			fmt.Errorf("unsupported record version 0x%02x", record[0]))
	}
	mode := Mode(record[1])
	if _, ok := mode.algorithm(); !ok && mode != ModePlain {
		return 0, nil, types.NewError(types.KindInvalidDataEncoding, "open record",
			fmt.Errorf("unsupported record mode 0x%02x", record[1]))
	}
	return mode, record[envelopeHeaderSize:], nil
}
