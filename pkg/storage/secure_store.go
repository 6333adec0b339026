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

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/jeremyhahn/go-devicevault/pkg/validation"
)

// SecureStore is a namespaced, policy-enforcing view over a Backend.
// Every failure is returned as a *types.Error.
//
// Mutations on the same id are serialized; different ids proceed in
// parallel. SecureStore is safe for concurrent use.
type SecureStore struct {
	backend Backend
	policy  Policy
	lock    LockState
	locks   *keyedMutex
	opts    *Options
}

// SecureStoreOption configures a SecureStore.
type SecureStoreOption func(*SecureStore)

// WithLockState sets the device lock state consulted before every
// operation. Defaults to AlwaysUnlocked.
func WithLockState(ls LockState) SecureStoreOption {
	return func(s *SecureStore) {
		if ls != nil {
			s.lock = ls
		}
	}
}

// WithStorageOptions sets the Options passed to backend writes.
func WithStorageOptions(opts *Options) SecureStoreOption {
	return func(s *SecureStore) {
		if opts != nil {
			s.opts = opts
		}
	}
}

// NewSecureStore creates a SecureStore over backend. The policy must
// validate; synchronizable policies are rejected.
func NewSecureStore(backend Backend, policy Policy, opts ...SecureStoreOption) (*SecureStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("secure store: backend is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("secure store: %w", err)
	}
	s := &SecureStore{
		backend: backend,
		policy:  policy,
		lock:    AlwaysUnlocked,
		locks:   newKeyedMutex(),
		opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WithNamespace returns a view of the same backend scoped to namespace.
// The view shares the lock state and per-id serialization of s.
func (s *SecureStore) WithNamespace(namespace string) (*SecureStore, error) {
	policy := s.policy
	policy.Namespace = namespace
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("secure store: %w", err)
	}
	return &SecureStore{
		backend: s.backend,
		policy:  policy,
		lock:    s.lock,
		locks:   s.locks,
		opts:    s.opts,
	}, nil
}

// Namespace returns the namespace of this store.
func (s *SecureStore) Namespace() string {
	return s.policy.Namespace
}

// Policy returns the access policy of this store.
func (s *SecureStore) Policy() Policy {
	return s.policy
}

// Backend returns the underlying backend.
func (s *SecureStore) Backend() Backend {
	return s.backend
}

// Put creates or replaces the record for id. A failed write of a new
// record is StoreWriteFailed; a failed overwrite is StoreUpdateFailed.
func (s *SecureStore) Put(ctx context.Context, id string, value []byte) error {
	if err := s.precheck(ctx, types.KindStoreWriteFailed, "put", id); err != nil {
		return err
	}
	key := RecordKey(s.policy.Namespace, id)

	unlock := s.locks.Lock(key)
	defer unlock()

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return types.NewStoreError(types.KindStoreWriteFailed, "put", statusOf(err), err)
	}
	if err := s.backend.Put(ctx, key, value, s.opts); err != nil {
		kind := types.KindStoreWriteFailed
		if exists {
			kind = types.KindStoreUpdateFailed
		}
		return types.NewStoreError(kind, "put", statusOf(err), err)
	}
	return nil
}

// Create stores value only if id is absent. If the record already exists
// the returned error wraps ErrAlreadyExists.
func (s *SecureStore) Create(ctx context.Context, id string, value []byte) error {
	if err := s.precheck(ctx, types.KindStoreWriteFailed, "create", id); err != nil {
		return err
	}
	key := RecordKey(s.policy.Namespace, id)

	unlock := s.locks.Lock(key)
	defer unlock()

	var err error
	if c, ok := s.backend.(Creator); ok {
		err = c.Create(ctx, key, value, s.opts)
	} else {
		var exists bool
		exists, err = s.backend.Exists(ctx, key)
		if err == nil {
			if exists {
				err = ErrAlreadyExists
			} else {
				err = s.backend.Put(ctx, key, value, s.opts)
			}
		}
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return types.NewStoreError(types.KindStoreWriteFailed, "create", "already_exists", err)
		}
		return types.NewStoreError(types.KindStoreWriteFailed, "create", statusOf(err), err)
	}
	return nil
}

// Get returns the record for id, or a NotFound error if absent.
func (s *SecureStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := s.precheck(ctx, types.KindStoreReadFailed, "get", id); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, RecordKey(s.policy.Namespace, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.NewError(types.KindNotFound, "get", err)
		}
		return nil, types.NewStoreError(types.KindStoreReadFailed, "get", statusOf(err), err)
	}
	return data, nil
}

// Delete removes the record for id. Deleting an absent record succeeds.
func (s *SecureStore) Delete(ctx context.Context, id string) error {
	if err := s.precheck(ctx, types.KindStoreDeleteFailed, "delete", id); err != nil {
		return err
	}
	key := RecordKey(s.policy.Namespace, id)

	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return types.NewStoreError(types.KindStoreDeleteFailed, "delete", statusOf(err), err)
	}
	return nil
}

// Exists reports whether a record for id is present.
func (s *SecureStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.precheck(ctx, types.KindStoreReadFailed, "exists", id); err != nil {
		return false, err
	}
	ok, err := s.backend.Exists(ctx, RecordKey(s.policy.Namespace, id))
	if err != nil {
		return false, types.NewStoreError(types.KindStoreReadFailed, "exists", statusOf(err), err)
	}
	return ok, nil
}

// List returns the ids of every record in this store's namespace.
func (s *SecureStore) List(ctx context.Context) ([]string, error) {
	if err := s.checkAccess(ctx, types.KindStoreReadFailed, "list"); err != nil {
		return nil, err
	}
	ids, err := ListIDs(ctx, s.backend, s.policy.Namespace)
	if err != nil {
		return nil, types.NewStoreError(types.KindStoreReadFailed, "list", statusOf(err), err)
	}
	return ids, nil
}

// Close closes the underlying backend.
func (s *SecureStore) Close() error {
	return s.backend.Close()
}

func (s *SecureStore) precheck(ctx context.Context, kind types.Kind, op, id string) error {
	if err := validation.ValidateRecordID(id); err != nil {
		return types.NewStoreError(kind, op, types.StatusInvalidID, fmt.Errorf("%w: %v", ErrInvalidID, err))
	}
	return s.checkAccess(ctx, kind, op)
}

func (s *SecureStore) checkAccess(ctx context.Context, kind types.Kind, op string) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreError(kind, op, types.StatusCanceled, err)
	}
	if !s.lock.Unlocked(ctx) {
		return types.NewStoreError(kind, op, types.StatusDeviceLocked, nil)
	}
	return nil
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return types.StatusClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.StatusCanceled
	default:
		return types.StatusIOError
	}
}
