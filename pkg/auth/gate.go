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

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// ErrNilBackend is returned by NewGate without a backend.
var ErrNilBackend = errors.New("auth: backend is required")

// prompt is one in-flight backend evaluation shared by every waiter on
// its namespace.
type prompt struct {
	namespace string
	done      chan struct{}
	cancel    context.CancelFunc
	waiters   int

	// set before done is closed
	err error

	// guarded by Gate.mu
	cancelled bool
}

// Gate is safe for concurrent use.
type Gate struct {
	backend         Backend
	lockout         LockoutPolicy
	autoLockTimeout time.Duration
	log             logger.Logger
	now             func() time.Time

	mu          sync.Mutex
	inflight    map[string]*prompt
	lastSuccess map[string]time.Time
	resolved    map[string]uint64
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAutoLockTimeout sets how long a success is honored before the
// namespace must authenticate again. Zero prompts every time.
func WithAutoLockTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.autoLockTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a Gate over backend. A nil lockout disables lockout.
func NewGate(backend Backend, lockout LockoutPolicy, opts ...GateOption) (*Gate, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	g := &Gate{
		backend:     backend,
		lockout:     lockout,
		log:         logger.Nop(),
		now:         time.Now,
		inflight:    make(map[string]*prompt),
		lastSuccess: make(map[string]time.Time),
		resolved:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// AuthenticateOption adjusts a single Authenticate call.
type AuthenticateOption func(*authenticateOptions)

type authenticateOptions struct {
	alwaysReauth bool
}

// AlwaysReauth ignores a recent success and prompts anyway.
func AlwaysReauth() AuthenticateOption {
	return func(o *authenticateOptions) { o.alwaysReauth = true }
}

// Authenticate proves the device owner is present for namespace. It
// returns nil on success and a *types.Error otherwise:
// LockedOut while the namespace is locked out, BiometricsUnavailable when
// no factor is enrolled, AuthenticationFailed with a cause when the owner
// failed, and Cancelled when ctx is done or Cancel is called.
func (g *Gate) Authenticate(ctx context.Context, namespace, reason string, opts ...AuthenticateOption) error {
	var o authenticateOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.alwaysReauth && g.recentlyAuthenticated(namespace) {
		return nil
	}

	p, err := g.join(ctx, namespace, reason)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		g.leave(p)
		return p.err
	case <-ctx.Done():
		g.leave(p)
		return types.NewError(types.KindCancelled, "authenticate", ctx.Err())
	}
}

// join attaches the caller to the prompt in flight for namespace, or
// starts one when the namespace is not locked out. A prompt that resolved
// after the lockout check may have started a lockout, so the check is
// repeated before a new prompt reaches the backend.
func (g *Gate) join(ctx context.Context, namespace, reason string) (*prompt, error) {
	for {
		g.mu.Lock()
		gen := g.resolved[namespace]
		g.mu.Unlock()

		if g.lockout != nil {
			if remaining, locked := g.lockout.CheckLockout(ctx, namespace); locked {
				metrics.RecordPrompt(namespace, "locked_out")
				return nil, types.NewLockedOut(remaining)
			}
		}

		g.mu.Lock()
		p, ok := g.inflight[namespace]
		if !ok {
			if g.resolved[namespace] != gen {
				g.mu.Unlock()
				continue
			}
			pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			p = &prompt{namespace: namespace, done: make(chan struct{}), cancel: cancel}
			g.inflight[namespace] = p
			go g.run(pctx, p, namespace, reason)
		}
		p.waiters++
		g.mu.Unlock()
		return p, nil
	}
}

// leave drops a waiter. The prompt is cancelled and detached once nobody
// waits on it, so a later caller starts a fresh one.
func (g *Gate) leave(p *prompt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.waiters--
	if p.waiters == 0 {
		p.cancel()
		g.detach(p)
	}
}

// detach removes p from the in-flight table. Callers hold g.mu.
func (g *Gate) detach(p *prompt) {
	if g.inflight[p.namespace] == p {
		delete(g.inflight, p.namespace)
	}
}

func (g *Gate) run(ctx context.Context, p *prompt, namespace, reason string) {
	metrics.PromptStarted()
	defer metrics.PromptFinished()

	outcome, err := g.backend.Evaluate(ctx, reason)

	// ctx is only cancelled by Cancel or by the last waiter leaving, so
	// whatever the backend answered afterwards never counts.
	g.mu.Lock()
	cancelled := p.cancelled || ctx.Err() != nil
	g.mu.Unlock()

	// The prompt stays in flight until the outcome is recorded so callers
	// arriving meanwhile share it instead of reaching the backend.
	p.err = g.resolve(context.WithoutCancel(ctx), namespace, outcome, err, cancelled)

	g.mu.Lock()
	g.detach(p)
	g.resolved[namespace]++
	g.mu.Unlock()
	close(p.done)
}

// resolve maps a backend result to the caller error and updates the
// lockout counters exactly once per prompt.
func (g *Gate) resolve(ctx context.Context, namespace string, outcome Outcome, err error, cancelled bool) error {
	log := logger.FromContext(ctx, g.log).With(
		logger.String("namespace", namespace),
		logger.String("backend", g.backend.Name()))

	switch {
	case cancelled:
		metrics.RecordPrompt(namespace, "cancelled")
		log.Debug("authentication cancelled")
		return types.NewError(types.KindCancelled, "authenticate", context.Canceled)

	case err != nil:
		metrics.RecordPrompt(namespace, "error")
		log.Warn("authentication backend error", logger.Error(err))
		g.recordFailure(ctx, namespace, types.CauseBackendError)
		return types.NewAuthenticationFailed(types.CauseBackendError, err)

	case outcome.Status == StatusSuccess:
		metrics.RecordPrompt(namespace, "success")
		g.mu.Lock()
		g.lastSuccess[namespace] = g.now()
		g.mu.Unlock()
		if g.lockout != nil {
			g.lockout.RecordAuthSuccess(ctx, namespace)
		}
		log.Debug("authentication succeeded")
		return nil

	case outcome.Status == StatusUnavailable:
		metrics.RecordPrompt(namespace, "unavailable")
		log.Warn("no authentication factor enrolled")
		return types.NewError(types.KindBiometricsUnavailable, "authenticate", nil)

	default:
		cause := outcome.Cause
		if cause == "" {
			cause = types.CauseMismatch
		}
		metrics.RecordPrompt(namespace, "failure")
		log.Info("authentication failed", logger.String("cause", cause))
		g.recordFailure(ctx, namespace, cause)
		return types.NewAuthenticationFailed(cause, nil)
	}
}

func (g *Gate) recordFailure(ctx context.Context, namespace, cause string) {
	if g.lockout != nil {
		g.lockout.RecordAuthFailure(ctx, namespace, cause)
	}
}

func (g *Gate) recentlyAuthenticated(namespace string) bool {
	if g.autoLockTimeout <= 0 {
		return false
	}
	g.mu.Lock()
	at, ok := g.lastSuccess[namespace]
	g.mu.Unlock()
	return ok && g.now().Sub(at) < g.autoLockTimeout
}

// Cancel aborts the prompt in flight for namespace. Every waiter receives
// Cancelled and no failure is counted. It reports whether a prompt was
// in flight.
func (g *Gate) Cancel(namespace string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.inflight[namespace]
	if !ok {
		return false
	}
	p.cancelled = true
	p.cancel()
	g.detach(p)
	return true
}

// Invalidate forgets the last success for namespace so the next call
// prompts again.
func (g *Gate) Invalidate(namespace string) {
	g.mu.Lock()
	delete(g.lastSuccess, namespace)
	g.mu.Unlock()
}

// InvalidateAll forgets every recorded success.
func (g *Gate) InvalidateAll() {
	g.mu.Lock()
	clear(g.lastSuccess)
	g.mu.Unlock()
}

// InFlight reports whether a prompt is running for namespace.
func (g *Gate) InFlight(namespace string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[namespace]
	return ok
}
