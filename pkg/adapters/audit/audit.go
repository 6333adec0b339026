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

package audit

import (
	"context"
	"errors"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Error handling events
	EventErrorHandled    EventType = "error.handled"
	EventEscalation      EventType = "error.escalation"
	EventDefensiveAction EventType = "error.defensive_action"

	// Authentication events
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthLockout EventType = "auth.lockout"

	// Integrity events
	EventIntegrityFinding EventType = "integrity.finding"

	// Key and record events
	EventKeyCreate    EventType = "key.create"
	EventKeyPurge     EventType = "key.purge"
	EventRecordStore  EventType = "record.store"
	EventRecordDelete EventType = "record.delete"
)

// EventSeverity mirrors the classifier severities.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// EventOutcome indicates whether the audited operation succeeded.
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
	OutcomeDenied  EventOutcome = "denied"
)

var (
	// ErrNilEvent is returned when LogEvent receives a nil event.
	ErrNilEvent = errors.New("audit: event cannot be nil")

	// ErrEventNotFound is returned when no event has the requested ID.
	ErrEventNotFound = errors.New("audit: event not found")

	// ErrEmptyEventID is returned when an empty event ID is supplied.
	ErrEmptyEventID = errors.New("audit: event ID cannot be empty")
)

// AuditEvent is a single entry in the analytics trail. Record payloads
// and key material never appear in an event.
type AuditEvent struct {
	// ID is a unique identifier for this event
	ID string

	// Timestamp when the event occurred
	Timestamp time.Time

	EventType EventType
	Severity  EventSeverity
	Outcome   EventOutcome

	// Code is the "domain.kind" error code, empty for success events
	Code string

	// Namespace and RecordID identify the affected vault record, if any
	Namespace string
	RecordID  string

	// Action describes what was attempted
	Action string

	// Result contains the outcome or error message
	Result string

	// Metadata stores additional context
	Metadata map[string]string

	// CorrelationID ties the event to the originating call
	CorrelationID string
}

// AuditAdapter records and queries audit events.
type AuditAdapter interface {
	// LogEvent records an event, assigning ID and Timestamp when unset
	LogEvent(ctx context.Context, event *AuditEvent) error

	// GetEvents retrieves events matching query
	GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error)

	// GetEvent retrieves a specific event by ID
	GetEvent(ctx context.Context, eventID string) (*AuditEvent, error)

	// DeleteEvents removes every event matching query
	DeleteEvents(ctx context.Context, query *EventQuery) (int, error)

	// GetStatistics returns aggregate counts
	GetStatistics(ctx context.Context, query *StatisticsQuery) (*Statistics, error)
}

// EventQuery filters events. Zero-valued fields match everything.
type EventQuery struct {
	EventTypes    []EventType
	Severities    []EventSeverity
	Outcomes      []EventOutcome
	Codes         []string
	Namespace     string
	CorrelationID string

	// StartTime filters events at or after this time
	StartTime *time.Time

	// EndTime filters events at or before this time
	EndTime *time.Time

	// Limit limits the number of results
	Limit int

	// Offset skips the first N results
	Offset int

	// OrderBy is "timestamp_desc" (default) or "timestamp_asc"
	OrderBy string
}

// StatisticsQuery bounds the statistics window.
type StatisticsQuery struct {
	StartTime *time.Time
	EndTime   *time.Time

	// TopN limits TopCodes; zero means 10
	TopN int
}

// Statistics aggregates audit events.
type Statistics struct {
	TotalEvents      int64
	EventsByType     map[EventType]int64
	EventsBySeverity map[EventSeverity]int64
	EventsByOutcome  map[EventOutcome]int64

	// TopCodes lists the most frequent error codes, highest first
	TopCodes []CodeStats
}

// CodeStats counts events for a single error code.
type CodeStats struct {
	Code       string
	EventCount int64
}
