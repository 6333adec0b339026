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

// Package classifier assigns severities to vault errors, tracks how often
// each error code occurs, escalates codes that recur too often, and owns
// the failed-authentication lockout state. Frequency escalation and
// lockout are separate policies with separate counters.
package classifier

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/correlation"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/jeremyhahn/go-devicevault/pkg/ratelimit"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

const (
	DefaultThreshold           = 5
	DefaultWindow              = 5 * time.Minute
	DefaultSinkBufferSize      = 256
	DefaultSinkEventsPerMinute = 60
)

// Config holds the escalation, lockout and sink settings.
type Config struct {
	// Threshold is how many occurrences of a warning code a Window may
	// hold before the next one escalates.
	Threshold int
	Window    time.Duration

	// MaxFailedAttempts <= 0 disables lockout.
	MaxFailedAttempts int
	LockoutDuration   time.Duration

	SinkBufferSize      int
	SinkEventsPerMinute int
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	sc := types.DefaultSecurityConfiguration()
	return Config{
		Threshold:           DefaultThreshold,
		Window:              DefaultWindow,
		MaxFailedAttempts:   sc.MaxFailedAttempts,
		LockoutDuration:     sc.LockoutDuration,
		SinkBufferSize:      DefaultSinkBufferSize,
		SinkEventsPerMinute: DefaultSinkEventsPerMinute,
	}
}

// ConfigFromSecurity returns DefaultConfig with the lockout settings of sc.
func ConfigFromSecurity(sc types.SecurityConfiguration) Config {
	cfg := DefaultConfig()
	cfg.MaxFailedAttempts = sc.MaxFailedAttempts
	cfg.LockoutDuration = sc.LockoutDuration
	return cfg
}

// ErrorRecord tracks occurrences of one error code.
type ErrorRecord struct {
	Code        string    `json:"code"`
	Severity    Severity  `json:"severity"`
	Count       int       `json:"count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Escalation is emitted once when a warning code recurs more than
// Threshold times inside Window.
type Escalation struct {
	Code        string
	Occurrences int
	Window      time.Duration
	FirstAt     time.Time
	LastAt      time.Time
}

// Notifier receives escalations.
type Notifier interface {
	Notify(ctx context.Context, e Escalation)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Escalation)

func (f NotifierFunc) Notify(ctx context.Context, e Escalation) { f(ctx, e) }

// DefensiveAction is invoked for every critical error. The host decides
// what to do, for example purge cached keys or force re-authentication.
type DefensiveAction func(ctx context.Context, record ErrorRecord)

// Classifier is safe for concurrent use. Its lock is never held while
// calling the notifier, the defensive action, the sink or the attempt
// store.
type Classifier struct {
	cfg       Config
	notifier  Notifier
	defensive DefensiveAction
	attempts  AttemptStore
	log       logger.Logger
	now       func() time.Time
	sink      *dispatcher

	mu      sync.Mutex
	records map[string]*ErrorRecord
	windows map[string][]time.Time
	states  map[string]*AuthAttemptState
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithNotifier sets the escalation receiver.
func WithNotifier(n Notifier) Option {
	return func(c *Classifier) { c.notifier = n }
}

// WithDefensiveAction sets the critical-error hook.
func WithDefensiveAction(fn DefensiveAction) Option {
	return func(c *Classifier) { c.defensive = fn }
}

// WithAttemptStore persists lockout state.
func WithAttemptStore(s AttemptStore) Option {
	return func(c *Classifier) { c.attempts = s }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Classifier forwarding records to sink. A nil sink uses a
// bounded in-memory audit trail.
func New(cfg Config, sink audit.AuditAdapter, opts ...Option) *Classifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SinkBufferSize <= 0 {
		cfg.SinkBufferSize = DefaultSinkBufferSize
	}
	if cfg.SinkEventsPerMinute <= 0 {
		cfg.SinkEventsPerMinute = DefaultSinkEventsPerMinute
	}
	if sink == nil {
		sink = audit.NewMemoryAuditAdapter(0)
	}

	c := &Classifier{
		cfg:     cfg,
		log:     logger.Nop(),
		now:     time.Now,
		records: make(map[string]*ErrorRecord),
		windows: make(map[string][]time.Time),
		states:  make(map[string]*AuthAttemptState),
	}
	for _, opt := range opts {
		opt(c)
	}

	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:         true,
		EventsPerMinute: cfg.SinkEventsPerMinute,
		Clock:           c.now,
	})
	c.sink = newDispatcher(sink, limiter, cfg.SinkBufferSize, c.log)
	return c
}

// Config returns the effective configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Handle records err and returns its severity. A nil err is ignored.
func (c *Classifier) Handle(ctx context.Context, err error, metadata map[string]string) Severity {
	if err == nil {
		return SeverityInfo
	}
	md := maps.Clone(metadata)
	if md == nil {
		md = make(map[string]string)
	}
	var te *types.Error
	if errors.As(err, &te) {
		if te.Op != "" {
			md["op"] = te.Op
		}
		if te.Status != "" {
			md["status"] = te.Status
		}
		if te.Cause != "" {
			md["cause"] = te.Cause
		}
		if te.Kind == types.KindDecryptionFailed {
			md["tamper_detected"] = strconv.FormatBool(te.TamperDetected)
		}
		if te.Kind == types.KindLockedOut {
			md["remaining_seconds"] = strconv.Itoa(te.RemainingSeconds())
		}
	}
	md["error"] = err.Error()
	return c.handle(ctx, types.CodeOf(err), md, audit.EventErrorHandled)
}

// HandleCode records an occurrence of code and returns its severity.
func (c *Classifier) HandleCode(ctx context.Context, code string, metadata map[string]string) Severity {
	return c.handle(ctx, code, maps.Clone(metadata), audit.EventErrorHandled)
}

// HandleEvent records an integrity finding. It implements integrity.Sink.
func (c *Classifier) HandleEvent(ctx context.Context, event integrity.SecurityEvent) {
	md := map[string]string{
		"event_id": event.ID,
		"kind":     string(event.Kind),
		"detector": event.Detector,
		"detail":   event.Detail,
	}
	c.handle(ctx, event.Code(), md, audit.EventIntegrityFinding)
}

func (c *Classifier) handle(ctx context.Context, code string, md map[string]string, eventType audit.EventType) Severity {
	severity := Classify(code)
	now := c.now()

	c.mu.Lock()
	rec, ok := c.records[code]
	if !ok {
		rec = &ErrorRecord{Code: code, Severity: severity, FirstSeenAt: now}
		c.records[code] = rec
	}
	rec.Count++
	rec.LastSeenAt = now
	snapshot := *rec

	var escalation *Escalation
	if severity == SeverityWarning {
		escalation = c.trackFrequency(code, now)
	}
	c.mu.Unlock()

	metrics.RecordError(code, string(severity))
	c.logRecord(ctx, severity, code, md)
	c.sink.dispatch(&audit.AuditEvent{
		Timestamp:     now,
		EventType:     eventType,
		Severity:      severity.auditSeverity(),
		Outcome:       audit.OutcomeFailure,
		Code:          code,
		Namespace:     md["namespace"],
		RecordID:      md["id"],
		Action:        md["op"],
		Result:        md["error"],
		Metadata:      md,
		CorrelationID: correlation.GetCorrelationID(ctx),
	}, code)

	if escalation != nil {
		c.escalate(ctx, *escalation)
	}
	if severity == SeverityCritical {
		c.defend(ctx, snapshot)
	}
	return severity
}

// trackFrequency appends now to the code's window and returns an
// escalation once the window holds more than Threshold occurrences.
// The window restarts after firing. Callers hold c.mu.
func (c *Classifier) trackFrequency(code string, now time.Time) *Escalation {
	cutoff := now.Add(-c.cfg.Window)
	times := c.windows[code]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = append(times[i:], now)

	if len(times) <= c.cfg.Threshold {
		c.windows[code] = times
		return nil
	}
	delete(c.windows, code)
	return &Escalation{
		Code:        code,
		Occurrences: len(times),
		Window:      c.cfg.Window,
		FirstAt:     times[0],
		LastAt:      now,
	}
}

func (c *Classifier) escalate(ctx context.Context, e Escalation) {
	metrics.RecordEscalation(e.Code)
	logger.FromContext(ctx, c.log).Warn("frequent error escalated",
		logger.String("code", e.Code),
		logger.Int("occurrences", e.Occurrences),
		logger.Duration("window", e.Window))

	if c.notifier != nil {
		c.notifier.Notify(ctx, e)
	}
	c.sink.dispatch(&audit.AuditEvent{
		Timestamp: e.LastAt,
		EventType: audit.EventEscalation,
		Severity:  audit.SeverityCritical,
		Outcome:   audit.OutcomeFailure,
		Code:      e.Code,
		Action:    "frequent error",
		Metadata: map[string]string{
			"occurrences": strconv.Itoa(e.Occurrences),
			"window":      e.Window.String(),
		},
		CorrelationID: correlation.GetCorrelationID(ctx),
	}, "")
}

func (c *Classifier) defend(ctx context.Context, rec ErrorRecord) {
	metrics.RecordDefensiveAction(rec.Code)
	if c.defensive != nil {
		c.defensive(ctx, rec)
	}
	c.sink.dispatch(&audit.AuditEvent{
		Timestamp:     c.now(),
		EventType:     audit.EventDefensiveAction,
		Severity:      audit.SeverityCritical,
		Outcome:       audit.OutcomeSuccess,
		Code:          rec.Code,
		Action:        "defensive action",
		Metadata:      map[string]string{"count": strconv.Itoa(rec.Count)},
		CorrelationID: correlation.GetCorrelationID(ctx),
	}, "")
}

func (c *Classifier) logRecord(ctx context.Context, severity Severity, code string, md map[string]string) {
	log := logger.FromContext(ctx, c.log)
	fields := []logger.Field{
		logger.String("code", code),
		logger.String("severity", string(severity)),
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logger.String(k, md[k]))
	}

	switch severity {
	case SeverityCritical, SeverityError:
		log.Error("security error", fields...)
	case SeverityWarning:
		log.Warn("security error", fields...)
	default:
		log.Debug("security error", fields...)
	}
}

// Record returns the record for code.
func (c *Classifier) Record(code string) (ErrorRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[code]
	if !ok {
		return ErrorRecord{}, false
	}
	return *rec, true
}

// Records returns every record sorted by code.
func (c *Classifier) Records() []ErrorRecord {
	c.mu.Lock()
	out := make([]ErrorRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Audit queues event for the sink without charging the per-code rate. It
// never blocks and reports false when the event was dropped.
func (c *Classifier) Audit(event *audit.AuditEvent) bool {
	return c.sink.dispatch(event, "")
}

// Dropped returns how many sink records were dropped.
func (c *Classifier) Dropped() int64 {
	return c.sink.dropped.Load()
}

// Close flushes pending sink records, waiting at most until ctx is done.
func (c *Classifier) Close(ctx context.Context) error {
	return c.sink.close(ctx)
}
