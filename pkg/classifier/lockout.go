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
	"strconv"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/correlation"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// CountsAsFailure reports whether an authentication failure cause counts
// toward lockout. User cancellation and backend errors do not.
func CountsAsFailure(cause string) bool {
	return cause == types.CauseMismatch || cause == types.CauseSystemLockout
}

// state returns the live state for namespace, creating it. Callers hold c.mu.
func (c *Classifier) state(namespace string) *AuthAttemptState {
	st, ok := c.states[namespace]
	if !ok {
		st = &AuthAttemptState{Namespace: namespace}
		c.states[namespace] = st
	}
	return st
}

// expire clears an elapsed lockout and restarts the count. Callers hold c.mu.
func expire(st *AuthAttemptState, now time.Time) bool {
	if st.LockedUntil.IsZero() || now.Before(st.LockedUntil) {
		return false
	}
	st.LockedUntil = time.Time{}
	st.FailureCount = 0
	return true
}

// CheckLockout reports whether namespace is locked out and for how long.
// An expired lockout observed here is cleared.
func (c *Classifier) CheckLockout(ctx context.Context, namespace string) (time.Duration, bool) {
	now := c.now()

	c.mu.Lock()
	st := c.state(namespace)
	expired := expire(st, now)
	locked := st.LockedAt(now)
	var remaining time.Duration
	if locked {
		remaining = st.LockedUntil.Sub(now)
	}
	snapshot := *st
	c.mu.Unlock()

	if expired {
		c.persist(ctx, snapshot)
	}
	return remaining, locked
}

// RecordAuthFailure counts a failed authentication for namespace when
// cause counts toward lockout, and starts a lockout once the count
// reaches MaxFailedAttempts. It returns the resulting state.
func (c *Classifier) RecordAuthFailure(ctx context.Context, namespace, cause string) AuthAttemptState {
	now := c.now()

	c.mu.Lock()
	st := c.state(namespace)
	expire(st, now)
	if !CountsAsFailure(cause) {
		snapshot := *st
		c.mu.Unlock()
		return snapshot
	}
	st.FailureCount++
	st.LastFailureAt = now
	lockedNow := false
	if c.cfg.MaxFailedAttempts > 0 && st.FailureCount >= c.cfg.MaxFailedAttempts {
		st.LockedUntil = now.Add(c.cfg.LockoutDuration)
		lockedNow = true
	}
	snapshot := *st
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.sink.dispatch(&audit.AuditEvent{
		Timestamp: now,
		EventType: audit.EventAuthFailure,
		Severity:  audit.SeverityWarning,
		Outcome:   audit.OutcomeFailure,
		Namespace: namespace,
		Action:    "authenticate",
		Metadata: map[string]string{
			"cause":         cause,
			"failure_count": strconv.Itoa(snapshot.FailureCount),
		},
		CorrelationID: correlation.GetCorrelationID(ctx),
	}, "")

	if lockedNow {
		metrics.RecordLockout(namespace)
		logger.FromContext(ctx, c.log).Warn("authentication locked out",
			logger.String("namespace", namespace),
			logger.Int("failure_count", snapshot.FailureCount),
			logger.Time("locked_until", snapshot.LockedUntil))
		c.sink.dispatch(&audit.AuditEvent{
			Timestamp: now,
			EventType: audit.EventAuthLockout,
			Severity:  audit.SeverityError,
			Outcome:   audit.OutcomeDenied,
			Code:      "auth.locked_out",
			Namespace: namespace,
			Action:    "lockout",
			Metadata: map[string]string{
				"locked_until": snapshot.LockedUntil.Format(time.RFC3339),
			},
			CorrelationID: correlation.GetCorrelationID(ctx),
		}, "")
	}
	return snapshot
}

// RecordAuthSuccess resets the failure count and clears any lockout.
func (c *Classifier) RecordAuthSuccess(ctx context.Context, namespace string) {
	now := c.now()

	c.mu.Lock()
	st := c.state(namespace)
	changed := st.FailureCount != 0 || !st.LockedUntil.IsZero()
	st.FailureCount = 0
	st.LockedUntil = time.Time{}
	snapshot := *st
	c.mu.Unlock()

	if changed {
		c.persist(ctx, snapshot)
	}
	c.sink.dispatch(&audit.AuditEvent{
		Timestamp:     now,
		EventType:     audit.EventAuthSuccess,
		Severity:      audit.SeverityInfo,
		Outcome:       audit.OutcomeSuccess,
		Namespace:     namespace,
		Action:        "authenticate",
		CorrelationID: correlation.GetCorrelationID(ctx),
	}, "")
}

// AttemptState returns a copy of the state for namespace.
func (c *Classifier) AttemptState(namespace string) AuthAttemptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[namespace]; ok {
		return *st
	}
	return AuthAttemptState{Namespace: namespace}
}

// Restore loads persisted states for namespaces from the attempt store.
// A loaded state replaces the live one only when it is newer. It is a
// no-op without an attempt store.
func (c *Classifier) Restore(ctx context.Context, namespaces ...string) error {
	if c.attempts == nil {
		return nil
	}
	for _, ns := range namespaces {
		st, ok, err := c.attempts.Load(ctx, ns)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		st.Namespace = ns
		c.mu.Lock()
		if cur, ok := c.states[ns]; !ok || newerState(st, *cur) {
			c.states[ns] = &st
		}
		c.mu.Unlock()
	}
	return nil
}

// newerState reports whether loaded carries activity the live state has
// not seen yet.
func newerState(loaded, live AuthAttemptState) bool {
	return loaded.LastFailureAt.After(live.LastFailureAt) || loaded.LockedUntil.After(live.LockedUntil)
}

func (c *Classifier) persist(ctx context.Context, st AuthAttemptState) {
	if c.attempts == nil {
		return
	}
	if err := c.attempts.Save(ctx, st); err != nil {
		logger.FromContext(ctx, c.log).Warn("failed to persist attempt state",
			logger.String("namespace", st.Namespace),
			logger.Error(err))
		c.Handle(ctx, err, map[string]string{"namespace": storage.NamespaceAuthState})
	}
}
