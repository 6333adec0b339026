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

package keychain

import (
	"context"
	"errors"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/correlation"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// RecordOption adjusts a single record operation.
type RecordOption func(*recordOptions)

type recordOptions struct {
	namespace string
}

// InNamespace scopes the operation to namespace instead of "default".
// The vault's own namespaces are refused.
func InNamespace(namespace string) RecordOption {
	return func(o *recordOptions) { o.namespace = namespace }
}

func applyRecordOptions(opts []RecordOption) recordOptions {
	var o recordOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.namespace = namespaceOrDefault(o.namespace)
	return o
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return storage.NamespaceDefault
	}
	return ns
}

func reserved(ns string) bool {
	switch ns {
	case storage.NamespaceKeys, storage.NamespaceAuth, storage.NamespaceAuthState:
		return true
	}
	return false
}

// storeFor returns the SecureStore view for namespace.
func (s *Service) storeFor(namespace string, kind types.Kind, op string) (*storage.SecureStore, error) {
	if reserved(namespace) {
		return nil, types.NewStoreError(kind, op, types.StatusInvalidID, ErrReservedNamespace)
	}
	if namespace == s.store.Namespace() {
		return s.store, nil
	}
	st, err := s.store.WithNamespace(namespace)
	if err != nil {
		return nil, types.NewStoreError(kind, op, types.StatusInvalidID, err)
	}
	return st, nil
}

// SecureStore encrypts value when configured and upserts it under id,
// authenticating first when configured.
func (s *Service) SecureStore(ctx context.Context, id string, value []byte, opts ...RecordOption) (err error) {
	o := applyRecordOptions(opts)
	ctx, _ = correlation.Ensure(ctx)
	done := metrics.Track(metrics.OpStore, s.backendName)
	defer func() {
		done(err)
		s.report(ctx, err, o.namespace, id, "store")
	}()

	if err := s.checkOpen(types.KindStoreWriteFailed, "store"); err != nil {
		return err
	}
	store, err := s.storeFor(o.namespace, types.KindStoreWriteFailed, "store")
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, o.namespace, "Store "+id); err != nil {
		return err
	}

	record, err := s.encode(ctx, value)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, id, record); err != nil {
		return err
	}

	s.record(ctx, &audit.AuditEvent{
		EventType: audit.EventRecordStore,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Namespace: o.namespace,
		RecordID:  id,
		Action:    "store",
	})
	return nil
}

// SecureRetrieve returns the plaintext stored under id. An absent id is
// NotFound.
func (s *Service) SecureRetrieve(ctx context.Context, id string, opts ...RecordOption) (value []byte, err error) {
	o := applyRecordOptions(opts)
	ctx, _ = correlation.Ensure(ctx)
	done := metrics.Track(metrics.OpRetrieve, s.backendName)
	defer func() {
		done(err)
		s.report(ctx, err, o.namespace, id, "retrieve")
	}()

	if err := s.checkOpen(types.KindStoreReadFailed, "retrieve"); err != nil {
		return nil, err
	}
	store, err := s.storeFor(o.namespace, types.KindStoreReadFailed, "retrieve")
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, o.namespace, "Retrieve "+id); err != nil {
		return nil, err
	}

	record, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, record)
}

// SecureDelete removes id. Deleting an absent id succeeds.
func (s *Service) SecureDelete(ctx context.Context, id string, opts ...RecordOption) (err error) {
	o := applyRecordOptions(opts)
	ctx, _ = correlation.Ensure(ctx)
	done := metrics.Track(metrics.OpDelete, s.backendName)
	defer func() {
		done(err)
		s.report(ctx, err, o.namespace, id, "delete")
	}()

	if err := s.checkOpen(types.KindStoreDeleteFailed, "delete"); err != nil {
		return err
	}
	store, err := s.storeFor(o.namespace, types.KindStoreDeleteFailed, "delete")
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, o.namespace, "Delete "+id); err != nil {
		return err
	}
	if err := store.Delete(ctx, id); err != nil {
		return err
	}

	s.record(ctx, &audit.AuditEvent{
		EventType: audit.EventRecordDelete,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Namespace: o.namespace,
		RecordID:  id,
		Action:    "delete",
	})
	return nil
}

// List returns the record ids in the namespace. Listing reveals no
// values and is not gated.
func (s *Service) List(ctx context.Context, opts ...RecordOption) (ids []string, err error) {
	o := applyRecordOptions(opts)
	ctx, _ = correlation.Ensure(ctx)
	done := metrics.Track(metrics.OpList, s.backendName)
	defer func() {
		done(err)
		s.report(ctx, err, o.namespace, "", "list")
	}()

	if err := s.checkOpen(types.KindStoreReadFailed, "list"); err != nil {
		return nil, err
	}
	store, err := s.storeFor(o.namespace, types.KindStoreReadFailed, "list")
	if err != nil {
		return nil, err
	}
	ids, err = store.List(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetRecordsTotal(o.namespace, float64(len(ids)))
	return ids, nil
}

// encode wraps value in a record envelope, encrypting it when required.
func (s *Service) encode(ctx context.Context, value []byte) (_ []byte, err error) {
	if !s.security.EncryptData {
		return seal(ModePlain, value), nil
	}

	mode, err := modeFor(s.cipher.Algorithm())
	if err != nil {
		return nil, types.NewError(types.KindEncryptionFailed, "encrypt", err)
	}
	key, err := s.keys.GetOrCreateKey(ctx)
	if err != nil {
		return nil, err
	}
	defer password.Zero(key)

	done := metrics.Track(metrics.OpEncrypt, string(s.cipher.Algorithm()))
	ct, err := s.cipher.Encrypt(value, key)
	done(err)
	if err != nil {
		return nil, err
	}
	return seal(mode, ct), nil
}

// decode opens a record envelope. While encryption is required every
// record was written encrypted, so a header that does not name a cipher
// is tampering and is reported as DecryptionFailed with TamperDetected.
func (s *Service) decode(ctx context.Context, record []byte) ([]byte, error) {
	mode, payload, err := open(record)
	if err != nil {
		if s.security.EncryptData {
			return nil, types.NewDecryptionFailed(true, errors.Unwrap(err))
		}
		return nil, err
	}
	if mode == ModePlain {
		if s.security.EncryptData {
			return nil, types.NewDecryptionFailed(true, ErrPlaintextRefused)
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	alg, _ := mode.algorithm()
	c := s.cipher
	if alg != c.Algorithm() {
		c = c.WithAlgorithm(alg)
	}
	key, err := s.keys.GetOrCreateKey(ctx)
	if err != nil {
		return nil, err
	}
	defer password.Zero(key)

	done := metrics.Track(metrics.OpDecrypt, string(alg))
	plaintext, err := c.Decrypt(payload, key)
	done(err)
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) && te.Kind == types.KindDecryptionFailed {
			return nil, err
		}
		return nil, types.NewDecryptionFailed(false, err)
	}
	return plaintext, nil
}
