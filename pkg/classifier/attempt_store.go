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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// AuthAttemptState tracks failed authentication for one namespace. A
// zero LastFailureAt or LockedUntil means none.
type AuthAttemptState struct {
	Namespace     string    `json:"namespace"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	LockedUntil   time.Time `json:"locked_until,omitzero"`
}

// LockedAt reports whether the state is locked at now.
func (s AuthAttemptState) LockedAt(now time.Time) bool {
	return !s.LockedUntil.IsZero() && now.Before(s.LockedUntil)
}

// AttemptStore persists attempt states so a lockout survives restarts.
type AttemptStore interface {
	// Load returns the stored state and whether one existed.
	Load(ctx context.Context, namespace string) (AuthAttemptState, bool, error)
	Save(ctx context.Context, state AuthAttemptState) error
}

// SecureAttemptStore keeps attempt states as JSON records in a
// SecureStore, one record per namespace.
type SecureAttemptStore struct {
	store *storage.SecureStore
}

// NewSecureAttemptStore creates an AttemptStore over store. Callers
// normally pass a store scoped to storage.NamespaceAuthState.
func NewSecureAttemptStore(store *storage.SecureStore) *SecureAttemptStore {
	return &SecureAttemptStore{store: store}
}

func (s *SecureAttemptStore) Load(ctx context.Context, namespace string) (AuthAttemptState, bool, error) {
	data, err := s.store.Get(ctx, namespace)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return AuthAttemptState{Namespace: namespace}, false, nil
		}
		return AuthAttemptState{}, false, err
	}
	var state AuthAttemptState
	if err := json.Unmarshal(data, &state); err != nil {
		return AuthAttemptState{}, false, types.NewError(types.KindInvalidDataEncoding, "load attempt state", err)
	}
	state.Namespace = namespace
	return state, true, nil
}

func (s *SecureAttemptStore) Save(ctx context.Context, state AuthAttemptState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal attempt state: %w", err)
	}
	return s.store.Put(ctx, state.Namespace, data)
}
