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

package classifier

import (
	"strings"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
)

// Severity ranks a handled error.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (info) to 3 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

func (s Severity) auditSeverity() audit.EventSeverity {
	return audit.EventSeverity(s)
}

var codeSeverity = map[string]Severity{
	"auth.unauthorized":           SeverityCritical,
	"crypto.encryption_failed":    SeverityCritical,
	"crypto.decryption_failed":    SeverityCritical,
	"integrity.compromised":       SeverityCritical,
	"auth.authentication_failed":  SeverityWarning,
	"auth.biometrics_unavailable": SeverityWarning,
	"store.write_failed":          SeverityWarning,
	"store.read_failed":           SeverityWarning,
	"store.delete_failed":         SeverityWarning,
	"store.update_failed":         SeverityWarning,
	"integrity.suspicious":        SeverityWarning,
	"network.timeout":             SeverityWarning,
	"network.unavailable":         SeverityWarning,
	"device.unavailable":          SeverityWarning,
	"auth.locked_out":             SeverityError,
	"store.invalid_data_encoding": SeverityError,
	"store.not_found":             SeverityInfo,
	"auth.cancelled":              SeverityInfo,
	"permission.not_determined":   SeverityInfo,
}

var domainSeverity = map[string]Severity{
	"network":    SeverityWarning,
	"device":     SeverityWarning,
	"store":      SeverityWarning,
	"auth":       SeverityWarning,
	"crypto":     SeverityCritical,
	"integrity":  SeverityCritical,
	"permission": SeverityInfo,
}

// Classify maps a "domain.kind" code to its severity. Codes missing from
// the table fall back to their domain, then to SeverityError.
func Classify(code string) Severity {
	if s, ok := codeSeverity[code]; ok {
		return s
	}
	domain, _, _ := strings.Cut(code, ".")
	if s, ok := domainSeverity[domain]; ok {
		return s
	}
	return SeverityError
}
