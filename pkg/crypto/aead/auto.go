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
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Algorithm names an AEAD construction.
type Algorithm string

const (
	// ChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	// Best performance on CPUs without AES-NI.
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"

	// AES256GCM is AES-256 in Galois/Counter Mode.
	// Best performance on CPUs with AES-NI.
	AES256GCM Algorithm = "aes-256-gcm"

	// Auto selects AES256GCM or ChaCha20Poly1305 from the CPU features.
	Auto Algorithm = "auto"
)

// HasAESNI detects if the CPU supports AES-NI hardware acceleration.
// Returns true on x86/amd64 with AES-NI or ARM64 with the AES extension.
func HasAESNI() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	default:
		return false
	}
}

// SelectOptimal returns the fastest constant-time AEAD for this CPU.
func SelectOptimal() Algorithm {
	if HasAESNI() {
		return AES256GCM
	}
	// ChaCha20 performs better than table-based AES without hardware support
	return ChaCha20Poly1305
}

// ParseAlgorithm parses an algorithm name. The empty string selects the
// default, ChaCha20Poly1305.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChaCha20Poly1305:
		return ChaCha20Poly1305, nil
	case AES256GCM, "aes256-gcm":
		return AES256GCM, nil
	case Auto:
		return Auto, nil
	default:
		return "", fmt.Errorf("aead: unsupported algorithm %q", s)
	}
}

// resolve maps Auto to a concrete algorithm.
func (a Algorithm) resolve() Algorithm {
	if a == Auto {
		return SelectOptimal()
	}
	return a
}
