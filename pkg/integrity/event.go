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

// Package integrity scans the execution environment for signs of
// tampering and reports findings to a Sink. It never halts the process
// or touches stored records; enforcement belongs to whoever consumes the
// events.
package integrity

import (
	"context"
	"time"
)

// Kind identifies what a detector found.
type Kind string

const (
	KindDebuggerAttached  Kind = "debugger_attached"
	KindTamperArtifact    Kind = "tamper_artifact"
	KindLibraryInjection  Kind = "library_injection"
	KindElevatedPrivilege Kind = "elevated_privilege"
)

// Error codes reported for integrity findings.
const (
	CodeCompromised = "integrity.compromised"
	CodeSuspicious  = "integrity.suspicious"
)

// SecurityEvent is a single integrity finding.
type SecurityEvent struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Detector    string    `json:"detector"`
	Detail      string    `json:"detail"`
	Compromised bool      `json:"compromised"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Code returns the classifier code for the event.
func (e SecurityEvent) Code() string {
	if e.Compromised {
		return CodeCompromised
	}
	return CodeSuspicious
}

// Sink receives integrity findings.
type Sink interface {
	HandleEvent(ctx context.Context, event SecurityEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event SecurityEvent)

// HandleEvent calls f.
func (f SinkFunc) HandleEvent(ctx context.Context, event SecurityEvent) {
	f(ctx, event)
}

// Detector checks for one class of tampering. Detect returns an empty
// slice when nothing is found; an error means the check could not run.
type Detector interface {
	Name() string
	Detect(ctx context.Context) ([]SecurityEvent, error)
}
