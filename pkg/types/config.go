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

package types

import (
	"fmt"
	"time"
)

// Defaults for SecurityConfiguration.
const (
	DefaultMinimumPasswordLength = 8
	DefaultAutoLockTimeout       = 5 * time.Minute
	DefaultMaxFailedAttempts     = 5
	DefaultLockoutDuration       = 5 * time.Minute
)

// SecurityConfiguration is supplied once at construction and treated as
// immutable thereafter. Components copy it by value.
type SecurityConfiguration struct {
	RequireBiometrics          bool          `yaml:"require_biometrics" mapstructure:"require_biometrics" json:"require_biometrics"`
	EncryptData                bool          `yaml:"encrypt_data" mapstructure:"encrypt_data" json:"encrypt_data"`
	MinimumPasswordLength      int           `yaml:"minimum_password_length" mapstructure:"minimum_password_length" json:"minimum_password_length"`
	PasswordComplexityRequired bool          `yaml:"password_complexity_required" mapstructure:"password_complexity_required" json:"password_complexity_required"`
	AutoLockTimeout            time.Duration `yaml:"auto_lock_timeout" mapstructure:"auto_lock_timeout" json:"auto_lock_timeout"`
	MaxFailedAttempts          int           `yaml:"max_failed_attempts" mapstructure:"max_failed_attempts" json:"max_failed_attempts"`
	LockoutDuration            time.Duration `yaml:"lockout_duration" mapstructure:"lockout_duration" json:"lockout_duration"`
}

// DefaultSecurityConfiguration returns the recommended production settings.
func DefaultSecurityConfiguration() SecurityConfiguration {
	return SecurityConfiguration{
		RequireBiometrics:          true,
		EncryptData:                true,
		MinimumPasswordLength:      DefaultMinimumPasswordLength,
		PasswordComplexityRequired: true,
		AutoLockTimeout:            DefaultAutoLockTimeout,
		MaxFailedAttempts:          DefaultMaxFailedAttempts,
		LockoutDuration:            DefaultLockoutDuration,
	}
}

// Validate checks the configuration for values no component can honor.
// A zero MaxFailedAttempts disables lockout and is allowed.
func (c SecurityConfiguration) Validate() error {
	if c.MinimumPasswordLength < 0 {
		return fmt.Errorf("minimum_password_length must not be negative: %d", c.MinimumPasswordLength)
	}
	if c.AutoLockTimeout < 0 {
		return fmt.Errorf("auto_lock_timeout must not be negative: %s", c.AutoLockTimeout)
	}
	if c.MaxFailedAttempts < 0 {
		return fmt.Errorf("max_failed_attempts must not be negative: %d", c.MaxFailedAttempts)
	}
	if c.MaxFailedAttempts > 0 && c.LockoutDuration <= 0 {
		return fmt.Errorf("lockout_duration must be positive when max_failed_attempts is set")
	}
	return nil
}
