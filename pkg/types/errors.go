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

// Package types contains the shared error taxonomy and configuration value
// used across the vault. It has no dependencies on other vault packages to
// prevent import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a class of security-relevant failure.
type Kind string

const (
	KindBiometricsUnavailable Kind = "biometrics_unavailable"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindLockedOut             Kind = "locked_out"
	KindCancelled             Kind = "cancelled"
	KindStoreWriteFailed      Kind = "write_failed"
	KindStoreReadFailed       Kind = "read_failed"
	KindNotFound              Kind = "not_found"
	KindStoreDeleteFailed     Kind = "delete_failed"
	KindStoreUpdateFailed     Kind = "update_failed"
	KindInvalidDataEncoding   Kind = "invalid_data_encoding"
	KindEncryptionFailed      Kind = "encryption_failed"
	KindDecryptionFailed      Kind = "decryption_failed"
)

// Domain groups kinds for severity classification. Error codes are
// formatted as "<domain>.<kind>".
type Domain string

const (
	DomainAuth      Domain = "auth"
	DomainStore     Domain = "store"
	DomainCrypto    Domain = "crypto"
	DomainIntegrity Domain = "integrity"
	DomainNetwork   Domain = "network"
	DomainDevice    Domain = "device"
	DomainUnknown   Domain = "unknown"
)

// Authentication failure causes reported by an authentication backend.
const (
	CauseUserCancel    = "user_cancel"
	CauseMismatch      = "mismatch"
	CauseSystemLockout = "system_lockout"
	CauseBackendError  = "backend_error"
)

// Store status values attached to store failures.
const (
	StatusDeviceLocked = "device_locked"
	StatusClosed       = "closed"
	StatusInvalidID    = "invalid_id"
	StatusCanceled     = "canceled"
	StatusIOError      = "io_error"
)

// Sentinel errors, one per kind. A *Error matches the sentinel of its kind
// with errors.Is.
var (
	ErrBiometricsUnavailable = errors.New("no enrolled authentication factor")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrLockedOut             = errors.New("authentication locked out")
	ErrCancelled             = errors.New("authentication cancelled")
	ErrStoreWriteFailed      = errors.New("secure store write failed")
	ErrStoreReadFailed       = errors.New("secure store read failed")
	ErrNotFound              = errors.New("secure record not found")
	ErrStoreDeleteFailed     = errors.New("secure store delete failed")
	ErrStoreUpdateFailed     = errors.New("secure store update failed")
	ErrInvalidDataEncoding   = errors.New("invalid data encoding")
	ErrEncryptionFailed      = errors.New("encryption failed")
	ErrDecryptionFailed      = errors.New("decryption failed")
)

var sentinels = map[Kind]error{
	KindBiometricsUnavailable: ErrBiometricsUnavailable,
	KindAuthenticationFailed:  ErrAuthenticationFailed,
	KindLockedOut:             ErrLockedOut,
	KindCancelled:             ErrCancelled,
	KindStoreWriteFailed:      ErrStoreWriteFailed,
	KindStoreReadFailed:       ErrStoreReadFailed,
	KindNotFound:              ErrNotFound,
	KindStoreDeleteFailed:     ErrStoreDeleteFailed,
	KindStoreUpdateFailed:     ErrStoreUpdateFailed,
	KindInvalidDataEncoding:   ErrInvalidDataEncoding,
	KindEncryptionFailed:      ErrEncryptionFailed,
	KindDecryptionFailed:      ErrDecryptionFailed,
}

var domains = map[Kind]Domain{
	KindBiometricsUnavailable: DomainAuth,
	KindAuthenticationFailed:  DomainAuth,
	KindLockedOut:             DomainAuth,
	KindCancelled:             DomainAuth,
	KindStoreWriteFailed:      DomainStore,
	KindStoreReadFailed:       DomainStore,
	KindNotFound:              DomainStore,
	KindStoreDeleteFailed:     DomainStore,
	KindStoreUpdateFailed:     DomainStore,
	KindInvalidDataEncoding:   DomainStore,
	KindEncryptionFailed:      DomainCrypto,
	KindDecryptionFailed:      DomainCrypto,
}

// Error is the typed failure surfaced to callers of the vault.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed (e.g. "put", "authenticate").
	Op string

	// Status is the store status for store failures.
	Status string

	// Cause is the authentication failure cause.
	Cause string

	// Remaining is the time left on a lockout.
	Remaining time.Duration

	// TamperDetected is set when an authentication tag did not verify.
	TamperDetected bool

	// Err is the underlying error, if any.
	Err error
}

// Error returns the error message.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if s, ok := sentinels[e.Kind]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	switch {
	case e.Kind == KindLockedOut:
		fmt.Fprintf(&b, " (retry in %ds)", e.RemainingSeconds())
	case e.Kind == KindDecryptionFailed:
		fmt.Fprintf(&b, " (tamper detected: %t)", e.TamperDetected)
	case e.Status != "":
		fmt.Fprintf(&b, " (status: %s)", e.Status)
	case e.Cause != "":
		fmt.Fprintf(&b, " (cause: %s)", e.Cause)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Code returns the classifier code "<domain>.<kind>".
func (e *Error) Code() string {
	d, ok := domains[e.Kind]
	if !ok {
		d = DomainUnknown
	}
	return string(d) + "." + string(e.Kind)
}

// RemainingSeconds returns the lockout remainder rounded up to whole seconds.
func (e *Error) RemainingSeconds() int {
	if e.Remaining <= 0 {
		return 0
	}
	secs := int(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewStoreError creates a store failure with a status.
func NewStoreError(kind Kind, op, status string, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// NewAuthenticationFailed creates an AuthenticationFailed error with a cause.
func NewAuthenticationFailed(cause string, err error) *Error {
	return &Error{Kind: KindAuthenticationFailed, Op: "authenticate", Cause: cause, Err: err}
}

// NewLockedOut creates a LockedOut error with the remaining lockout time.
func NewLockedOut(remaining time.Duration) *Error {
	return &Error{Kind: KindLockedOut, Op: "authenticate", Remaining: remaining}
}

// NewDecryptionFailed creates a DecryptionFailed error.
func NewDecryptionFailed(tamperDetected bool, err error) *Error {
	return &Error{Kind: KindDecryptionFailed, Op: "decrypt", TamperDetected: tamperDetected, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the classifier code for err. Errors outside the taxonomy
// map to "unknown.error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return string(DomainUnknown) + ".error"
}

// IsTamper reports whether err is a DecryptionFailed with tamper detected.
func IsTamper(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindDecryptionFailed && e.TamperDetected
}
