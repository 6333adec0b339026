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
	"sort"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
)

// LoggerAuditAdapter writes every event to a structured logger and
// delegates storage and queries to another adapter.
type LoggerAuditAdapter struct {
	log  logger.Logger
	next AuditAdapter
}

// NewLoggerAuditAdapter creates a logging adapter. When next is nil an
// in-memory adapter with the default capacity backs the queries.
func NewLoggerAuditAdapter(log logger.Logger, next AuditAdapter) *LoggerAuditAdapter {
	if log == nil {
		log = logger.Nop()
	}
	if next == nil {
		next = NewMemoryAuditAdapter(0)
	}
	return &LoggerAuditAdapter{log: log, next: next}
}

// LogEvent stores the event in the backing adapter, then logs it at a
// level matching its severity.
func (a *LoggerAuditAdapter) LogEvent(ctx context.Context, event *AuditEvent) error {
	if err := a.next.LogEvent(ctx, event); err != nil {
		return err
	}

	fields := []logger.Field{
		logger.String("audit_id", event.ID),
		logger.String("event_type", string(event.EventType)),
		logger.String("severity", string(event.Severity)),
		logger.String("outcome", string(event.Outcome)),
	}
	if event.Code != "" {
		fields = append(fields, logger.String("code", event.Code))
	}
	if event.Namespace != "" {
		fields = append(fields, logger.String("namespace", event.Namespace))
	}
	if event.RecordID != "" {
		fields = append(fields, logger.String("record_id", event.RecordID))
	}
	if event.CorrelationID != "" {
		fields = append(fields, logger.String("correlation_id", event.CorrelationID))
	}
	if event.Result != "" {
		fields = append(fields, logger.String("result", event.Result))
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logger.String("md."+k, event.Metadata[k]))
	}

	msg := "audit: " + event.Action
	if event.Action == "" {
		msg = "audit: " + string(event.EventType)
	}

	switch event.Severity {
	case SeverityCritical, SeverityError:
		a.log.Error(msg, fields...)
	case SeverityWarning:
		a.log.Warn(msg, fields...)
	default:
		a.log.Info(msg, fields...)
	}
	return nil
}

func (a *LoggerAuditAdapter) GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error) {
	return a.next.GetEvents(ctx, query)
}

func (a *LoggerAuditAdapter) GetEvent(ctx context.Context, eventID string) (*AuditEvent, error) {
	return a.next.GetEvent(ctx, eventID)
}

func (a *LoggerAuditAdapter) DeleteEvents(ctx context.Context, query *EventQuery) (int, error) {
	return a.next.DeleteEvents(ctx, query)
}

func (a *LoggerAuditAdapter) GetStatistics(ctx context.Context, query *StatisticsQuery) (*Statistics, error) {
	return a.next.GetStatistics(ctx, query)
}
