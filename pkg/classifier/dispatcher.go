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
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/jeremyhahn/go-devicevault/pkg/ratelimit"
)

// sinkTimeout bounds a single LogEvent call made by the dispatcher.
const sinkTimeout = 5 * time.Second

// dispatcher forwards audit events to the sink on its own goroutine.
// Callers never block: events over the per-code rate or beyond the
// buffer are dropped and counted.
type dispatcher struct {
	sink    audit.AuditAdapter
	limiter *ratelimit.Limiter
	log     logger.Logger

	mu     sync.RWMutex
	queue  chan *audit.AuditEvent
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

func newDispatcher(sink audit.AuditAdapter, limiter *ratelimit.Limiter, size int, log logger.Logger) *dispatcher {
	d := &dispatcher{
		sink:    sink,
		limiter: limiter,
		log:     log,
		queue:   make(chan *audit.AuditEvent, size),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// dispatch enqueues event. A non-empty limitKey is charged against the
// per-key rate limiter first.
func (d *dispatcher) dispatch(event *audit.AuditEvent, limitKey string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(metrics.DropReasonClosed)
		return false
	}
	if limitKey != "" && !d.limiter.Allow(limitKey) {
		d.drop(metrics.DropReasonRateLimited)
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		d.drop(metrics.DropReasonBufferFull)
		return false
	}
}

func (d *dispatcher) drop(reason string) {
	d.dropped.Add(1)
	metrics.RecordSinkDrop(reason)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := d.sink.LogEvent(ctx, event); err != nil {
			d.log.Warn("analytics sink rejected event",
				logger.String("event_type", string(event.EventType)),
				logger.String("code", event.Code),
				logger.Error(err))
		}
		cancel()
	}
}

// close stops accepting events and waits until the queue drains or ctx
// is done.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	d.limiter.Stop()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
