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

package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/auth"
	"github.com/jeremyhahn/go-devicevault/pkg/auth/mocks"
	"github.com/jeremyhahn/go-devicevault/pkg/classifier"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fixture struct {
	backend    *mocks.Backend
	classifier *classifier.Classifier
	gate       *auth.Gate
	clock      *fakeClock
}

func newFixture(t *testing.T, autoLock time.Duration) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	cfg := classifier.DefaultConfig()
	cfg.MaxFailedAttempts = 5
	cfg.LockoutDuration = 5 * time.Minute
	c := classifier.New(cfg, nil, classifier.WithClock(clock.Now))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	backend := mocks.NewBackend()
	gate, err := auth.NewGate(backend, c, auth.WithAutoLockTimeout(autoLock), auth.WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{backend: backend, classifier: c, gate: gate, clock: clock}
}

func waitEntered(t *testing.T, b *mocks.Backend) {
	t.Helper()
	select {
	case <-b.Entered():
	case <-time.After(2 * time.Second):
		t.Fatal("backend was never called")
	}
}

func TestNewGate_NilBackend(t *testing.T) {
	_, err := auth.NewGate(nil, nil)
	assert.ErrorIs(t, err, auth.ErrNilBackend)
}

func TestAuthenticate_Success(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.gate.Authenticate(context.Background(), "default", "unlock"))
	assert.Equal(t, 1, f.backend.Calls())
	assert.Equal(t, []string{"unlock"}, f.backend.EvaluateCalls)
}

func TestAuthenticate_AutoLockCadence(t *testing.T) {
	f := newFixture(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, f.gate.Authenticate(ctx, "default", "r"))
	f.clock.Advance(29 * time.Second)
	require.NoError(t, f.gate.Authenticate(ctx, "default", "r"))
	assert.Equal(t, 1, f.backend.Calls(), "recent success is honored")

	require.NoError(t, f.gate.Authenticate(ctx, "default", "r", auth.AlwaysReauth()))
	assert.Equal(t, 2, f.backend.Calls(), "AlwaysReauth prompts anyway")

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.gate.Authenticate(ctx, "default", "r"))
	assert.Equal(t, 3, f.backend.Calls(), "success expires after the timeout")

	require.NoError(t, f.gate.Authenticate(ctx, "other", "r"))
	assert.Equal(t, 4, f.backend.Calls(), "cadence is per namespace")

	f.gate.Invalidate("default")
	require.NoError(t, f.gate.Authenticate(ctx, "default", "r"))
	assert.Equal(t, 5, f.backend.Calls())

	f.gate.InvalidateAll()
	require.NoError(t, f.gate.Authenticate(ctx, "other", "r"))
	assert.Equal(t, 6, f.backend.Calls())
}

func TestAuthenticate_OutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		outcome auth.Outcome
		err     error
		want    error
		cause   string
	}{
		{"unavailable", auth.Unavailable(), nil, types.ErrBiometricsUnavailable, ""},
		{"mismatch", auth.Failure(types.CauseMismatch), nil, types.ErrAuthenticationFailed, types.CauseMismatch},
		{"user cancel", auth.Failure(types.CauseUserCancel), nil, types.ErrAuthenticationFailed, types.CauseUserCancel},
		{"system lockout", auth.Failure(types.CauseSystemLockout), nil, types.ErrAuthenticationFailed, types.CauseSystemLockout},
		{"backend error", auth.Outcome{}, errors.New("sensor fault"), types.ErrAuthenticationFailed, types.CauseBackendError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.backend.Push(tt.outcome, tt.err)

			err := f.gate.Authenticate(context.Background(), "default", "r")
			require.ErrorIs(t, err, tt.want)

			var te *types.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.cause, te.Cause)
		})
	}
}

func TestAuthenticate_OnlyMismatchCounts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.backend.Push(auth.Failure(types.CauseUserCancel), nil)
	f.backend.Push(auth.Outcome{}, errors.New("boom"))
	f.backend.Push(auth.Unavailable(), nil)
	f.backend.Push(auth.Failure(types.CauseMismatch), nil)
	for i := 0; i < 4; i++ {
		_ = f.gate.Authenticate(ctx, "default", "r")
	}
	assert.Equal(t, 1, f.classifier.AttemptState("default").FailureCount)
}

func TestAuthenticate_LockoutFailsFast(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.backend.Default = mocks.Result{Outcome: auth.Failure(types.CauseMismatch)}

	for i := 0; i < 5; i++ {
		err := f.gate.Authenticate(ctx, "default", "r")
		require.ErrorIs(t, err, types.ErrAuthenticationFailed)
	}

	err := f.gate.Authenticate(ctx, "default", "r")
	require.ErrorIs(t, err, types.ErrLockedOut)
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5*time.Minute, te.Remaining)
	assert.Equal(t, 5, f.backend.Calls(), "backend is not consulted while locked out")
	assert.Equal(t, 5, f.classifier.AttemptState("default").FailureCount, "lockout rejections are not counted")

	f.clock.Advance(5 * time.Minute)
	f.backend.Default = mocks.Result{Outcome: auth.Success()}
	require.NoError(t, f.gate.Authenticate(ctx, "default", "r"))
	assert.Equal(t, 0, f.classifier.AttemptState("default").FailureCount)
}

// holdingLockout delays the next recorded failure until release is closed.
type holdingLockout struct {
	*classifier.Classifier
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func (h *holdingLockout) RecordAuthFailure(ctx context.Context, namespace, cause string) classifier.AuthAttemptState {
	if h.armed.CompareAndSwap(true, false) {
		close(h.held)
		<-h.release
	}
	return h.Classifier.RecordAuthFailure(ctx, namespace, cause)
}

func TestAuthenticate_LateCallerJoinsResolvingPrompt(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	cfg := classifier.DefaultConfig()
	cfg.MaxFailedAttempts = 5
	cfg.LockoutDuration = 5 * time.Minute
	c := classifier.New(cfg, nil, classifier.WithClock(clock.Now))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	lockout := &holdingLockout{Classifier: c, held: make(chan struct{}), release: make(chan struct{})}
	backend := mocks.NewBackend()
	backend.Default = mocks.Result{Outcome: auth.Failure(types.CauseMismatch)}
	gate, err := auth.NewGate(backend, lockout, auth.WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, gate.Authenticate(ctx, "default", "r"), types.ErrAuthenticationFailed)
	}

	lockout.armed.Store(true)
	fifth := make(chan error, 1)
	go func() { fifth <- gate.Authenticate(ctx, "default", "r") }()
	select {
	case <-lockout.held:
	case <-time.After(2 * time.Second):
		t.Fatal("fifth failure was never recorded")
	}

	// The fifth prompt is answered but its failure is not recorded yet.
	sixth := make(chan error, 1)
	go func() { sixth <- gate.Authenticate(ctx, "default", "r") }()
	require.Eventually(t, func() bool { return gate.Waiters("default") == 2 },
		2*time.Second, time.Millisecond)

	close(lockout.release)
	assert.ErrorIs(t, <-fifth, types.ErrAuthenticationFailed)
	assert.ErrorIs(t, <-sixth, types.ErrAuthenticationFailed)
	assert.Equal(t, 5, backend.Calls(), "the sixth caller shares the fifth prompt")

	require.ErrorIs(t, gate.Authenticate(ctx, "default", "r"), types.ErrLockedOut)
	assert.Equal(t, 5, backend.Calls())
	assert.Equal(t, 5, c.AttemptState("default").FailureCount)
}

func TestAuthenticate_SharedPrompt(t *testing.T) {
	f := newFixture(t, 0)
	f.backend.Block()
	ctx := context.Background()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- f.gate.Authenticate(ctx, "default", "r") }()
	}

	waitEntered(t, f.backend)
	require.Eventually(t, func() bool { return f.gate.Waiters("default") == n },
		2*time.Second, time.Millisecond)
	assert.True(t, f.gate.InFlight("default"))

	f.backend.Release()
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 1, f.backend.Calls())
	assert.False(t, f.gate.InFlight("default"))
}

func TestAuthenticate_SharedFailureCountedOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.backend.Block()
	f.backend.Push(auth.Failure(types.CauseMismatch), nil)
	ctx := context.Background()

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- f.gate.Authenticate(ctx, "default", "r") }()
	}
	waitEntered(t, f.backend)
	require.Eventually(t, func() bool { return f.gate.Waiters("default") == n },
		2*time.Second, time.Millisecond)

	f.backend.Release()
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, types.ErrAuthenticationFailed)
	}
	assert.Equal(t, 1, f.classifier.AttemptState("default").FailureCount)
}

func TestCancel_ResolvesAllWaiters(t *testing.T) {
	f := newFixture(t, 0)
	f.backend.Block()
	ctx := context.Background()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- f.gate.Authenticate(ctx, "default", "r") }()
	}
	waitEntered(t, f.backend)
	require.Eventually(t, func() bool { return f.gate.Waiters("default") == n },
		2*time.Second, time.Millisecond)

	assert.True(t, f.gate.Cancel("default"))
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, types.ErrCancelled)
	}
	assert.Equal(t, 0, f.classifier.AttemptState("default").FailureCount)
	assert.False(t, f.gate.Cancel("default"), "nothing left in flight")

	f.backend.Release()
	require.NoError(t, f.gate.Authenticate(ctx, "default", "r"))
	assert.Equal(t, 2, f.backend.Calls())
}

func TestAuthenticate_ContextCancelled(t *testing.T) {
	f := newFixture(t, 0)
	f.backend.Block()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.gate.Authenticate(ctx, "default", "r") }()
	waitEntered(t, f.backend)

	cancel()
	err := <-errc
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, "auth.cancelled", types.CodeOf(err))

	require.Eventually(t, func() bool { return !f.gate.InFlight("default") },
		2*time.Second, time.Millisecond)
	assert.Equal(t, 0, f.classifier.AttemptState("default").FailureCount)
}

func TestAuthenticate_CancelledCallerNeverCounts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := classifier.New(classifier.DefaultConfig(), nil, classifier.WithClock(clock.Now))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	// The backend ignores its context and answers mismatch late.
	entered := make(chan struct{}, 1)
	answer := make(chan struct{})
	var returned atomic.Bool
	backend := auth.BackendFunc(func(context.Context, string) (auth.Outcome, error) {
		entered <- struct{}{}
		<-answer
		returned.Store(true)
		return auth.Failure(types.CauseMismatch), nil
	})
	gate, err := auth.NewGate(backend, c, auth.WithClock(clock.Now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- gate.Authenticate(ctx, "default", "r") }()
	<-entered

	cancel()
	require.ErrorIs(t, <-errc, types.ErrCancelled)

	close(answer)
	require.Eventually(t, returned.Load, 2*time.Second, time.Millisecond)
	assert.Never(t, func() bool { return c.AttemptState("default").FailureCount > 0 },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestAuthenticate_NamespacesPromptIndependently(t *testing.T) {
	f := newFixture(t, 0)
	f.backend.Block()
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- f.gate.Authenticate(ctx, "a", "r") }()
	go func() { errs <- f.gate.Authenticate(ctx, "b", "r") }()
	waitEntered(t, f.backend)
	waitEntered(t, f.backend)

	f.backend.Release()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 2, f.backend.Calls())
}

func TestAuthenticate_WithoutLockout(t *testing.T) {
	backend := mocks.NewBackend(auth.Failure(types.CauseMismatch))
	gate, err := auth.NewGate(backend, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, gate.Authenticate(context.Background(), "default", "r"), types.ErrAuthenticationFailed)
	assert.NoError(t, gate.Authenticate(context.Background(), "default", "r"))
}
