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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []Escalation
}

func (n *recordingNotifier) Notify(_ context.Context, e Escalation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, e)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.escalations)
}

func newTestClassifier(t *testing.T, cfg Config, sink audit.AuditAdapter, opts ...Option) *Classifier {
	t.Helper()
	c := New(cfg, sink, opts...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want Severity
	}{
		{"auth.unauthorized", SeverityCritical},
		{"integrity.compromised", SeverityCritical},
		{"crypto.encryption_failed", SeverityCritical},
		{"crypto.decryption_failed", SeverityCritical},
		{"network.timeout", SeverityWarning},
		{"device.unavailable", SeverityWarning},
		{"store.write_failed", SeverityWarning},
		{"auth.authentication_failed", SeverityWarning},
		{"integrity.suspicious", SeverityWarning},
		{"auth.locked_out", SeverityError},
		{"store.invalid_data_encoding", SeverityError},
		{"store.not_found", SeverityInfo},
		{"permission.not_determined", SeverityInfo},
		{"auth.cancelled", SeverityInfo},
		{"network.dns_failure", SeverityWarning},
		{"crypto.something_new", SeverityCritical},
		{"unknown.error", SeverityError},
		{"garbage", SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.code))
		})
	}
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityInfo.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityError.Rank())
	assert.Less(t, SeverityError.Rank(), SeverityCritical.Rank())
	assert.Equal(t, -1, Severity("bogus").Rank())
}

func TestHandle_TracksRecords(t *testing.T) {
	clock := newClock()
	c := newTestClassifier(t, DefaultConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()

	sev := c.Handle(ctx, types.NewError(types.KindNotFound, "get", nil), nil)
	assert.Equal(t, SeverityInfo, sev)

	clock.Advance(time.Second)
	c.Handle(ctx, types.NewError(types.KindNotFound, "get", nil), nil)

	rec, ok := c.Record("store.not_found")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Count)
	assert.Equal(t, SeverityInfo, rec.Severity)
	assert.Equal(t, clock.Now(), rec.LastSeenAt)
	assert.Equal(t, clock.Now().Add(-time.Second), rec.FirstSeenAt)

	assert.Equal(t, SeverityError, c.Handle(ctx, errors.New("plain"), nil))
	assert.Equal(t, SeverityInfo, c.Handle(ctx, nil, nil))

	records := c.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "store.not_found", records[0].Code)
	assert.Equal(t, "unknown.error", records[1].Code)
}

func TestEscalation_ExactlyOncePerWindow(t *testing.T) {
	clock := newClock()
	notifier := &recordingNotifier{}
	c := newTestClassifier(t, DefaultConfig(), nil, WithClock(clock.Now), WithNotifier(notifier))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.HandleCode(ctx, "network.timeout", nil)
		clock.Advance(10 * time.Second)
	}
	assert.Equal(t, 0, notifier.count(), "five occurrences stay below the threshold")

	c.HandleCode(ctx, "network.timeout", nil)
	require.Equal(t, 1, notifier.count())
	e := notifier.escalations[0]
	assert.Equal(t, "network.timeout", e.Code)
	assert.Equal(t, 6, e.Occurrences)
	assert.Equal(t, DefaultWindow, e.Window)

	for i := 0; i < 5; i++ {
		c.HandleCode(ctx, "network.timeout", nil)
	}
	assert.Equal(t, 1, notifier.count(), "window restarts after firing")

	c.HandleCode(ctx, "network.timeout", nil)
	assert.Equal(t, 2, notifier.count())

	rec, _ := c.Record("network.timeout")
	assert.Equal(t, 12, rec.Count)
}

func TestEscalation_TrailingWindow(t *testing.T) {
	clock := newClock()
	notifier := &recordingNotifier{}
	c := newTestClassifier(t, DefaultConfig(), nil, WithClock(clock.Now), WithNotifier(notifier))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		c.HandleCode(ctx, "device.unavailable", nil)
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 0, notifier.count(), "at most five occurrences ever share a five minute window")
}

func TestEscalation_OnlyWarnings(t *testing.T) {
	clock := newClock()
	notifier := &recordingNotifier{}
	c := newTestClassifier(t, DefaultConfig(), nil, WithClock(clock.Now), WithNotifier(notifier))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.HandleCode(ctx, "store.not_found", nil)
		c.HandleCode(ctx, "auth.locked_out", nil)
	}
	assert.Equal(t, 0, notifier.count())
}

func TestEscalation_CodesAreIndependent(t *testing.T) {
	clock := newClock()
	notifier := &recordingNotifier{}
	c := newTestClassifier(t, DefaultConfig(), nil, WithClock(clock.Now), WithNotifier(notifier))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.HandleCode(ctx, "network.timeout", nil)
		c.HandleCode(ctx, "store.read_failed", nil)
	}
	assert.Equal(t, 0, notifier.count())
}

func TestDefensiveAction_Critical(t *testing.T) {
	var mu sync.Mutex
	var got []ErrorRecord
	c := newTestClassifier(t, DefaultConfig(), nil, WithDefensiveAction(func(_ context.Context, r ErrorRecord) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}))
	ctx := context.Background()

	sev := c.Handle(ctx, types.NewDecryptionFailed(true, errors.New("tag mismatch")), nil)
	assert.Equal(t, SeverityCritical, sev)

	c.Handle(ctx, types.NewError(types.KindStoreWriteFailed, "put", nil), nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "crypto.decryption_failed", got[0].Code)
	assert.Equal(t, 1, got[0].Count)
}

func TestHandleEvent_Integrity(t *testing.T) {
	var fired int
	c := newTestClassifier(t, DefaultConfig(), nil, WithDefensiveAction(func(context.Context, ErrorRecord) { fired++ }))
	var sink integrity.Sink = c
	ctx := context.Background()

	sink.HandleEvent(ctx, integrity.SecurityEvent{ID: "e1", Kind: integrity.KindDebuggerAttached, Compromised: true})
	sink.HandleEvent(ctx, integrity.SecurityEvent{ID: "e2", Kind: integrity.KindElevatedPrivilege})

	assert.Equal(t, 1, fired)
	rec, ok := c.Record(integrity.CodeCompromised)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, rec.Severity)
	rec, ok = c.Record(integrity.CodeSuspicious)
	require.True(t, ok)
	assert.Equal(t, SeverityWarning, rec.Severity)
}

func TestSink_ReceivesRecords(t *testing.T) {
	trail := audit.NewMemoryAuditAdapter(0)
	c := New(DefaultConfig(), trail)
	ctx := context.Background()

	c.Handle(ctx, types.NewStoreError(types.KindStoreWriteFailed, "put", types.StatusIOError, nil),
		map[string]string{"namespace": "default", "id": "token"})
	c.HandleEvent(ctx, integrity.SecurityEvent{Kind: integrity.KindTamperArtifact, Compromised: true})
	require.NoError(t, c.Close(ctx))

	events, err := trail.GetEvents(ctx, &audit.EventQuery{EventTypes: []audit.EventType{audit.EventErrorHandled}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "store.write_failed", events[0].Code)
	assert.Equal(t, audit.SeverityWarning, events[0].Severity)
	assert.Equal(t, "token", events[0].RecordID)
	assert.Equal(t, "io_error", events[0].Metadata["status"])

	findings, _ := trail.GetEvents(ctx, &audit.EventQuery{EventTypes: []audit.EventType{audit.EventIntegrityFinding}})
	require.Len(t, findings, 1)
	defensive, _ := trail.GetEvents(ctx, &audit.EventQuery{EventTypes: []audit.EventType{audit.EventDefensiveAction}})
	require.Len(t, defensive, 1)
}

func TestSink_RateLimitedPerCode(t *testing.T) {
	clock := newClock()
	trail := audit.NewMemoryAuditAdapter(0)
	cfg := DefaultConfig()
	cfg.SinkEventsPerMinute = 2
	c := New(cfg, trail, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.HandleCode(ctx, "store.not_found", nil)
	}
	c.HandleCode(ctx, "store.read_failed", nil)
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, 3, trail.Len())
	assert.Equal(t, int64(3), c.Dropped())

	rec, _ := c.Record("store.not_found")
	assert.Equal(t, 5, rec.Count, "dropped sink records are still counted")
}

func TestSink_DropsAfterClose(t *testing.T) {
	trail := audit.NewMemoryAuditAdapter(0)
	c := New(DefaultConfig(), trail)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	c.HandleCode(context.Background(), "network.timeout", nil)
	assert.Equal(t, int64(1), c.Dropped())
	assert.Equal(t, 0, trail.Len())
}

type blockingSink struct {
	*audit.MemoryAuditAdapter
	release chan struct{}
}

func (b *blockingSink) LogEvent(ctx context.Context, e *audit.AuditEvent) error {
	<-b.release
	return b.MemoryAuditAdapter.LogEvent(ctx, e)
}

func TestSink_NeverBlocksCaller(t *testing.T) {
	sink := &blockingSink{MemoryAuditAdapter: audit.NewMemoryAuditAdapter(0), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.SinkBufferSize = 1
	cfg.SinkEventsPerMinute = 1000
	c := New(cfg, sink)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			c.HandleCode(ctx, "network.timeout", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleCode blocked on a stalled sink")
	}
	assert.Positive(t, c.Dropped())

	close(sink.release)
	require.NoError(t, c.Close(ctx))
}
