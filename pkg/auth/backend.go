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

// Package auth gates vault access behind device-owner authentication.
// A Gate serializes prompts per namespace, shares one prompt between
// concurrent callers, and fails fast while a namespace is locked out.
package auth

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/classifier"
)

// Status is the result of a single authentication prompt.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusUnavailable Status = "unavailable"
)

// Outcome is what a Backend reports for one prompt. Cause is set for
// StatusFailure and is one of the types.Cause* values.
type Outcome struct {
	Status Status
	Cause  string
}

// Success returns a successful outcome.
func Success() Outcome { return Outcome{Status: StatusSuccess} }

// Failure returns a failed outcome with cause.
func Failure(cause string) Outcome { return Outcome{Status: StatusFailure, Cause: cause} }

// Unavailable returns the outcome for a device with no enrolled factor.
func Unavailable() Outcome { return Outcome{Status: StatusUnavailable} }

// Backend performs the actual proof-of-presence check. Evaluate blocks
// until the owner answers, the backend times out, or ctx is cancelled.
// Prompt timeouts are the backend's responsibility.
type Backend interface {
	Evaluate(ctx context.Context, reason string) (Outcome, error)

	// Name returns the backend name for logging and metrics
	Name() string
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, reason string) (Outcome, error)

func (f BackendFunc) Evaluate(ctx context.Context, reason string) (Outcome, error) {
	return f(ctx, reason)
}

func (f BackendFunc) Name() string { return "func" }

// LockoutPolicy owns the failed-attempt counters consulted by the Gate.
// *classifier.Classifier implements it.
type LockoutPolicy interface {
	CheckLockout(ctx context.Context, namespace string) (remaining time.Duration, locked bool)
	RecordAuthFailure(ctx context.Context, namespace, cause string) classifier.AuthAttemptState
	RecordAuthSuccess(ctx context.Context, namespace string)
}

var _ LockoutPolicy = (*classifier.Classifier)(nil)
