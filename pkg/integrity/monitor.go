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

package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the scan period used by Run.
const DefaultInterval = time.Minute

// Report summarizes one scan.
type Report struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Events     []SecurityEvent   `json:"events"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Compromised reports whether any finding marks the device compromised.
func (r Report) Compromised() bool {
	for _, e := range r.Events {
		if e.Compromised {
			return true
		}
	}
	return false
}

// Clean reports whether the scan found nothing and every detector ran.
func (r Report) Clean() bool {
	return len(r.Events) == 0 && len(r.Errors) == 0
}

// Monitor runs detectors and forwards findings to a Sink.
type Monitor struct {
	detectors []Detector
	sink      Sink
	interval  time.Duration
	log       logger.Logger
	now       func() time.Time

	mu     sync.RWMutex
	last   Report
	hasRun bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDetectors replaces the built-in detectors.
func WithDetectors(detectors ...Detector) Option {
	return func(m *Monitor) {
		m.detectors = detectors
	}
}

// WithInterval sets the Run period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a Monitor reporting to sink. Without WithDetectors
// it runs DefaultDetectors over the OS filesystem.
func NewMonitor(sink Sink, opts ...Option) *Monitor {
	m := &Monitor{
		detectors: DefaultDetectors(afero.NewOsFs()),
		sink:      sink,
		interval:  DefaultInterval,
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scan runs every detector once, concurrently, and forwards findings to
// the sink in detector order. A failing detector is recorded in the
// report and does not stop the others.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	report := Report{StartedAt: m.now()}

	type result struct {
		events []SecurityEvent
		err    error
	}
	results := make([]result, len(m.detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range m.detectors {
		g.Go(func() error {
			events, err := d.Detect(gctx)
			results[i] = result{events: events, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	for i, d := range m.detectors {
		r := results[i]
		if r.err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[d.Name()] = r.err.Error()
			m.log.Warn("integrity detector failed",
				logger.String("detector", d.Name()),
				logger.Error(r.err))
		}
		for _, event := range r.events {
			if event.ID == "" {
				event.ID = uuid.New().String()
			}
			if event.DetectedAt.IsZero() {
				event.DetectedAt = m.now()
			}
			if event.Detector == "" {
				event.Detector = d.Name()
			}
			report.Events = append(report.Events, event)
		}
	}
	report.FinishedAt = m.now()

	m.mu.Lock()
	m.last = report
	m.hasRun = true
	m.mu.Unlock()

	for _, event := range report.Events {
		metrics.RecordIntegrityFinding(event.Detector, event.Compromised)
		m.log.Warn("integrity finding",
			logger.String("event_id", event.ID),
			logger.String("kind", string(event.Kind)),
			logger.String("detector", event.Detector),
			logger.String("detail", event.Detail),
			logger.Bool("compromised", event.Compromised))
		if m.sink != nil {
			m.sink.HandleEvent(ctx, event)
		}
	}

	return report, nil
}

// Run scans immediately and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if _, err := m.Scan(ctx); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				return
			}
		}
	}
}

// LastReport returns the most recent scan report and whether any scan
// has completed.
func (m *Monitor) LastReport() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasRun
}

// Interval returns the Run period.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}
