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

package mocks

import (
	"context"
	"sync"

	"github.com/jeremyhahn/go-devicevault/pkg/auth"
)

// Result is one scripted answer of a Backend.
type Result struct {
	Outcome auth.Outcome
	Err     error
}

// Backend is a scripted auth.Backend for testing. Each Evaluate call
// consumes the next queued Result, falling back to Default once the queue
// is empty. While blocked, Evaluate waits for Release or for its context.
type Backend struct {
	mu sync.Mutex

	// Configurable behavior
	Default  Result
	queue    []Result
	release  chan struct{}
	entered  chan string
	blocking bool

	// Call tracking
	EvaluateCalls []string
}

// NewBackend creates a Backend answering success by default and then
// outcomes in order.
func NewBackend(outcomes ...auth.Outcome) *Backend {
	b := &Backend{
		Default: Result{Outcome: auth.Success()},
		entered: make(chan string, 64),
	}
	for _, o := range outcomes {
		b.queue = append(b.queue, Result{Outcome: o})
	}
	return b
}

// Push queues a scripted result.
func (b *Backend) Push(outcome auth.Outcome, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, Result{Outcome: outcome, Err: err})
}

// Block makes subsequent Evaluate calls wait until Release.
func (b *Backend) Block() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocking = true
	b.release = make(chan struct{})
}

// Release unblocks every waiting Evaluate call.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocking {
		close(b.release)
		b.blocking = false
	}
}

// Entered receives the reason of every Evaluate call as it starts.
func (b *Backend) Entered() <-chan string {
	return b.entered
}

// Calls returns how many times Evaluate ran.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.EvaluateCalls)
}

// Evaluate implements auth.Backend.
func (b *Backend) Evaluate(ctx context.Context, reason string) (auth.Outcome, error) {
	b.mu.Lock()
	b.EvaluateCalls = append(b.EvaluateCalls, reason)
	var release chan struct{}
	if b.blocking {
		release = b.release
	}
	b.mu.Unlock()

	select {
	case b.entered <- reason:
	default:
	}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return auth.Outcome{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return b.Default.Outcome, b.Default.Err
	}
	r := b.queue[0]
	b.queue = b.queue[1:]
	return r.Outcome, r.Err
}

// Name implements auth.Backend.
func (b *Backend) Name() string {
	return "mock"
}
