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

// Package health aggregates readiness checks for the vault's storage
// backend and integrity monitor.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/storage"
)

// Status is the health of a component.
type Status string

const (
	// StatusHealthy indicates the component is operating normally.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is not functioning.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component works with reduced guarantees.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds each check when the Checker has no timeout.
const DefaultCheckTimeout = 5 * time.Second

// checkKey is looked up by BackendCheck. It is never written.
const checkKey = "health/check"

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Report is the aggregate of every registered check.
type Report struct {
	Status  Status        `json:"status"`
	Uptime  time.Duration `json:"uptime"`
	Checks  []CheckResult `json:"checks"`
	Checked time.Time     `json:"checked"`
}

// CheckFunc performs a single check.
type CheckFunc func(ctx context.Context) CheckResult

// Checker runs registered checks.
type Checker struct {
	mu        sync.RWMutex
	startTime time.Time
	timeout   time.Duration
	checks    map[string]CheckFunc
}

// NewChecker creates a Checker. A non-positive timeout uses
// DefaultCheckTimeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// RegisterCheck adds or replaces a named check. Nil checks are ignored.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// UnregisterCheck removes a named check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check concurrently, each under the checker timeout,
// and returns the results sorted by name.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	results := make([]CheckResult, 0, len(checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			result := c.runOne(ctx, name, check)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return Report{
		Status:  AggregateStatus(results),
		Uptime:  c.Uptime(),
		Checks:  results,
		Checked: time.Now(),
	}
}

func (c *Checker) runOne(ctx context.Context, name string, check CheckFunc) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- check(checkCtx) }()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status: StatusUnhealthy,
			Error:  fmt.Sprintf("check timed out: %v", checkCtx.Err()),
		}
	}
	result.Latency = time.Since(start)
	if result.Name == "" {
		result.Name = name
	}
	return result
}

// IsHealthy reports whether every check is healthy.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return c.Run(ctx).Status == StatusHealthy
}

// Uptime returns the time since the checker was created.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// AggregateStatus returns unhealthy if any result is unhealthy, degraded
// if any is degraded, otherwise healthy. An empty set is healthy.
func AggregateStatus(results []CheckResult) Status {
	hasDegraded := false
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// BackendCheck checks a storage backend with a read of a key that is
// never written. ErrNotFound is the expected healthy answer.
func BackendCheck(name string, backend storage.Backend) CheckFunc {
	return func(ctx context.Context) CheckResult {
		_, err := backend.Get(ctx, checkKey)
		switch {
		case err == nil, errors.Is(err, storage.ErrNotFound):
			return CheckResult{Name: name, Status: StatusHealthy, Message: "backend reachable"}
		case errors.Is(err, storage.ErrClosed):
			return CheckResult{Name: name, Status: StatusUnhealthy, Message: "backend closed", Error: err.Error()}
		default:
			return CheckResult{Name: name, Status: StatusUnhealthy, Message: "backend read failed", Error: err.Error()}
		}
	}
}
