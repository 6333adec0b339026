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

/*
Package audit is the analytics sink for go-devicevault.

The error classifier forwards every handled error, escalation and
defensive action to an AuditAdapter. Authentication outcomes and
integrity findings flow through the same interface.

# Adapters

  - MemoryAuditAdapter keeps a bounded in-memory trail that can be
    queried and aggregated.
  - LoggerAuditAdapter writes each event to a structured logger and
    delegates queries to another adapter.

# Usage

	trail := audit.NewLoggerAuditAdapter(log, audit.NewMemoryAuditAdapter(0))
	_ = trail.LogEvent(ctx, &audit.AuditEvent{
		EventType: audit.EventErrorHandled,
		Severity:  audit.SeverityWarning,
		Code:      "store.write_failed",
	})

Events never carry record payloads, passphrases or key material.
*/
package audit
