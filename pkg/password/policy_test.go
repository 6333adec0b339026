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
	"testing"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_Validate(t *testing.T) {
	policy := NewPolicy(8, true)

	tests := []struct {
		name string
		pw   string
		want bool
	}{
		{"all classes at minimum length", "Ab1!aaaa", true},
		{"too short", "abc", false},
		{"missing uppercase", "alllowercase1!", false},
		{"missing lowercase", "ALLUPPER1!", false},
		{"missing digit", "NoDigits!!", false},
		{"missing symbol", "NoSymbol11", false},
		{"one short", "Ab1!aaa", false},
		{"unicode letters counted as runes", "Éé1!éééé", true},
		{"space is not a symbol", "Ab1 aaaa", false},
		{"backtick symbol", "Ab1`aaaa", true},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Validate(tt.pw))
		})
	}
}

func TestPolicy_LengthOnly(t *testing.T) {
	policy := NewPolicy(4, false)
	assert.True(t, policy.Validate("aaaa"))
	assert.False(t, policy.Validate("aaa"))
	assert.True(t, NewPolicy(0, false).Validate(""))
}

func TestPolicy_CheckReportsEveryViolation(t *testing.T) {
	err := NewPolicy(8, true).Check("abc")
	assert.ErrorIs(t, err, ErrTooShort)
	assert.ErrorIs(t, err, ErrMissingUpper)
	assert.ErrorIs(t, err, ErrMissingDigit)
	assert.ErrorIs(t, err, ErrMissingSymbol)
	assert.NotErrorIs(t, err, ErrMissingLower)

	assert.NoError(t, NewPolicy(8, true).Check("Ab1!aaaa"))
}

func TestFromConfiguration(t *testing.T) {
	cfg := types.DefaultSecurityConfiguration()
	cfg.MinimumPasswordLength = 12
	p := FromConfiguration(cfg)
	assert.Equal(t, 12, p.MinLength)
	assert.True(t, p.ComplexityRequired)
}
