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

// Package keys manages the single symmetric data-encryption key. The key
// is generated at most once per installation, persisted in the secure
// store, and cached in memory after the first load.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"golang.org/x/sync/singleflight"
)

const (
	// KeyID is the reserved record id of the encryption key.
	KeyID = "encryption-key.v1"

	// KeySize is the key length in bytes.
	KeySize = 32
)

// Manager owns the encryption key. It is safe for concurrent use; callers
// racing on first use share one load-or-create.
type Manager struct {
	store  *storage.SecureStore
	rand   io.Reader
	logger logger.Logger
	group  singleflight.Group

	onCreate func(ctx context.Context)

	mu     sync.RWMutex
	cached []byte
}

// Option configures a Manager.
type Option func(*Manager)

// WithRandom sets the key material source. Defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCreateHook sets a function called after a new key is persisted.
func WithCreateHook(fn func(ctx context.Context)) Option {
	return func(m *Manager) { m.onCreate = fn }
}

// NewManager creates a Manager that persists the key in store. The store
// is normally scoped to storage.NamespaceKeys.
func NewManager(store *storage.SecureStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		rand:   rand.Reader,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateKey returns a copy of the encryption key, loading it from the
// store or generating and persisting it on first use.
func (m *Manager) GetOrCreateKey(ctx context.Context) ([]byte, error) {
	if key := m.cachedCopy(); key != nil {
		return key, nil
	}

	// The flight outlives any single caller; a caller that gives up returns
	// its own context error while the others still receive the key.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(KeyID, func() (any, error) {
		// A caller that lost the race to an earlier flight finds the cache set
		if key := m.cachedCopy(); key != nil {
			return key, nil
		}
		key, err := m.loadOrCreate(flightCtx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cached = key
		m.mu.Unlock()
		return clone(key), nil
	})
	select {
	case <-ctx.Done():
		return nil, types.NewStoreError(types.KindStoreReadFailed, "get key", types.StatusCanceled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]byte)), nil
	}
}

// Purge zeroes and drops the cached key. The next GetOrCreateKey reloads
// it from the store.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		zero(m.cached)
		m.cached = nil
		m.logger.Warn("Encryption key purged from memory")
	}
}

// Cached reports whether the key is currently held in memory.
func (m *Manager) Cached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached != nil
}

func (m *Manager) loadOrCreate(ctx context.Context) ([]byte, error) {
	key, err := m.load(ctx)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(m.rand, key); err != nil {
		return nil, types.NewError(types.KindStoreWriteFailed, "generate key",
			fmt.Errorf("failed to generate key material: %w", err))
	}

	if err := m.store.Create(ctx, KeyID, key); err != nil {
		zero(key)
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Another process persisted first; converge on its key
			m.logger.Debug("Encryption key created concurrently, reloading")
			return m.load(ctx)
		}
		return nil, err
	}

	m.logger.Info("Generated new encryption key", logger.String("key_id", KeyID))
	if m.onCreate != nil {
		m.onCreate(ctx)
	}
	return key, nil
}

func (m *Manager) load(ctx context.Context) ([]byte, error) {
	key, err := m.store.Get(ctx, KeyID)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		zero(key)
		return nil, types.NewError(types.KindInvalidDataEncoding, "load key",
			fmt.Errorf("stored key is %d bytes, want %d", len(key), KeySize))
	}
	return key, nil
}

func (m *Manager) cachedCopy() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cached == nil {
		return nil
	}
	return clone(m.cached)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// zero overwrites b in a way the compiler will not elide.
func zero(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
