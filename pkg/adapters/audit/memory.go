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
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents bounds the in-memory trail when no capacity is given.
const DefaultMaxEvents = 10000

// MemoryAuditAdapter keeps events in memory. Once MaxEvents is reached the
// oldest events are evicted first.
type MemoryAuditAdapter struct {
	mu        sync.RWMutex
	events    map[string]*AuditEvent
	order     []string
	maxEvents int
}

// NewMemoryAuditAdapter creates an adapter holding at most maxEvents
// events. A non-positive value uses DefaultMaxEvents.
func NewMemoryAuditAdapter(maxEvents int) *MemoryAuditAdapter {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryAuditAdapter{
		events:    make(map[string]*AuditEvent),
		order:     make([]string, 0, min(maxEvents, 1024)),
		maxEvents: maxEvents,
	}
}

// LogEvent stores a copy of event.
func (m *MemoryAuditAdapter) LogEvent(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return ErrNilEvent
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	stored := copyEvent(event)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[stored.ID]; !exists {
		m.order = append(m.order, stored.ID)
	}
	m.events[stored.ID] = stored

	for len(m.order) > m.maxEvents {
		delete(m.events, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// GetEvents returns copies of the events matching query.
func (m *MemoryAuditAdapter) GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error) {
	if query == nil {
		query = &EventQuery{}
	}

	m.mu.RLock()
	results := make([]*AuditEvent, 0, len(m.order))
	for _, id := range m.order {
		event := m.events[id]
		if matchesQuery(event, query) {
			results = append(results, copyEvent(event))
		}
	}
	m.mu.RUnlock()

	switch query.OrderBy {
	case "", "timestamp_desc":
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Timestamp.After(results[j].Timestamp)
		})
	case "timestamp_asc":
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Timestamp.Before(results[j].Timestamp)
		})
	default:
		return nil, fmt.Errorf("audit: unsupported order %q", query.OrderBy)
	}

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return []*AuditEvent{}, nil
		}
		results = results[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(results) {
		results = results[:query.Limit]
	}
	return results, nil
}

// GetEvent returns a copy of the event with the given ID.
func (m *MemoryAuditAdapter) GetEvent(ctx context.Context, eventID string) (*AuditEvent, error) {
	if eventID == "" {
		return nil, ErrEmptyEventID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return copyEvent(event), nil
}

// DeleteEvents removes every event matching query and returns the count.
func (m *MemoryAuditAdapter) DeleteEvents(ctx context.Context, query *EventQuery) (int, error) {
	if query == nil {
		return 0, fmt.Errorf("audit: query cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	deleted := 0
	for _, id := range m.order {
		if matchesQuery(m.events[id], query) {
			delete(m.events, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return deleted, nil
}

// GetStatistics aggregates the events inside the query window.
func (m *MemoryAuditAdapter) GetStatistics(ctx context.Context, query *StatisticsQuery) (*Statistics, error) {
	if query == nil {
		query = &StatisticsQuery{}
	}
	topN := query.TopN
	if topN <= 0 {
		topN = 10
	}

	stats := &Statistics{
		EventsByType:     make(map[EventType]int64),
		EventsBySeverity: make(map[EventSeverity]int64),
		EventsByOutcome:  make(map[EventOutcome]int64),
	}
	codeCounts := make(map[string]int64)

	m.mu.RLock()
	for _, event := range m.events {
		if query.StartTime != nil && event.Timestamp.Before(*query.StartTime) {
			continue
		}
		if query.EndTime != nil && event.Timestamp.After(*query.EndTime) {
			continue
		}
		stats.TotalEvents++
		stats.EventsByType[event.EventType]++
		stats.EventsBySeverity[event.Severity]++
		stats.EventsByOutcome[event.Outcome]++
		if event.Code != "" {
			codeCounts[event.Code]++
		}
	}
	m.mu.RUnlock()

	stats.TopCodes = topCodes(codeCounts, topN)
	return stats, nil
}

// Len returns the number of retained events.
func (m *MemoryAuditAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

func matchesQuery(event *AuditEvent, query *EventQuery) bool {
	if len(query.EventTypes) > 0 && !slices.Contains(query.EventTypes, event.EventType) {
		return false
	}
	if len(query.Severities) > 0 && !slices.Contains(query.Severities, event.Severity) {
		return false
	}
	if len(query.Outcomes) > 0 && !slices.Contains(query.Outcomes, event.Outcome) {
		return false
	}
	if len(query.Codes) > 0 && !slices.Contains(query.Codes, event.Code) {
		return false
	}
	if query.Namespace != "" && event.Namespace != query.Namespace {
		return false
	}
	if query.CorrelationID != "" && event.CorrelationID != query.CorrelationID {
		return false
	}
	if query.StartTime != nil && event.Timestamp.Before(*query.StartTime) {
		return false
	}
	if query.EndTime != nil && event.Timestamp.After(*query.EndTime) {
		return false
	}
	return true
}

func topCodes(counts map[string]int64, n int) []CodeStats {
	out := make([]CodeStats, 0, len(counts))
	for code, count := range counts {
		out = append(out, CodeStats{Code: code, EventCount: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventCount != out[j].EventCount {
			return out[i].EventCount > out[j].EventCount
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func copyEvent(e *AuditEvent) *AuditEvent {
	c := *e
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}
