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

// Package password provides the password strength policy and a zeroable
// in-memory holder for secrets typed by the device owner.
package password

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// Symbols is the punctuation set that satisfies the symbol requirement.
const Symbols = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

var (
	// ErrTooShort is returned when the password has fewer runes than the minimum.
	ErrTooShort = errors.New("password is too short")

	// ErrMissingUpper is returned when no uppercase letter is present.
	ErrMissingUpper = errors.New("password must contain an uppercase letter")

	// ErrMissingLower is returned when no lowercase letter is present.
	ErrMissingLower = errors.New("password must contain a lowercase letter")

	// ErrMissingDigit is returned when no digit is present.
	ErrMissingDigit = errors.New("password must contain a digit")

	// ErrMissingSymbol is returned when no symbol from Symbols is present.
	ErrMissingSymbol = errors.New("password must contain a symbol")
)

// Policy validates password strength. It is a value type with no state.
type Policy struct {
	MinLength          int
	ComplexityRequired bool
}

// NewPolicy creates a Policy.
func NewPolicy(minLength int, complexityRequired bool) Policy {
	return Policy{MinLength: minLength, ComplexityRequired: complexityRequired}
}

// FromConfiguration creates the Policy described by cfg.
func FromConfiguration(cfg types.SecurityConfiguration) Policy {
	return NewPolicy(cfg.MinimumPasswordLength, cfg.PasswordComplexityRequired)
}

// Validate reports whether pw satisfies the policy.
func (p Policy) Validate(pw string) bool {
	return p.Check(pw) == nil
}

// Check returns nil if pw satisfies the policy, otherwise every violated
// rule joined with errors.Join so callers can test each with errors.Is.
func (p Policy) Check(pw string) error {
	var errs []error

	if n := utf8.RuneCountInString(pw); n < p.MinLength {
		errs = append(errs, fmt.Errorf("%w: %d characters, minimum %d", ErrTooShort, n, p.MinLength))
	}

	if p.ComplexityRequired {
		var upper, lower, digit, symbol bool
		for _, r := range pw {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			case strings.ContainsRune(Symbols, r):
				symbol = true
			}
		}
		if !upper {
			errs = append(errs, ErrMissingUpper)
		}
		if !lower {
			errs = append(errs, ErrMissingLower)
		}
		if !digit {
			errs = append(errs, ErrMissingDigit)
		}
		if !symbol {
			errs = append(errs, ErrMissingSymbol)
		}
	}

	return errors.Join(errs...)
}
