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
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"golang.org/x/crypto/argon2"
)

// VerifierID is the record id of the passphrase verifier in the auth
// namespace.
const VerifierID = "passphrase.v1"

const (
	// MinSaltLength is the verifier salt length in bytes
	MinSaltLength = 16

	// MinMemory is the minimum accepted argon2 memory cost in KiB
	MinMemory = 8 * 1024
)

var (
	ErrNotEnrolled     = errors.New("auth: no passphrase enrolled")
	ErrInvalidParams   = errors.New("auth: invalid argon2 parameters")
	ErrUnknownVerifier = errors.New("auth: unsupported verifier algorithm")
)

// Argon2Params are the argon2id cost parameters of a verifier.
type Argon2Params struct {
	Time      uint32 `json:"time"`
	Memory    uint32 `json:"memory"`
	Threads   uint8  `json:"threads"`
	KeyLength uint32 `json:"key_length"`
}

// DefaultArgon2Params returns the recommended interactive-login costs.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLength: 32}
}

func (p Argon2Params) validate() error {
	if p.Time < 1 || p.Memory < MinMemory || p.Threads < 1 || p.KeyLength < 16 {
		return fmt.Errorf("%w: %+v", ErrInvalidParams, p)
	}
	return nil
}

type verifier struct {
	Algorithm string       `json:"algorithm"`
	Params    Argon2Params `json:"params"`
	Salt      []byte       `json:"salt"`
	Hash      []byte       `json:"hash"`
}

func (v *verifier) derive(secret []byte) []byte {
	return argon2.IDKey(secret, v.Salt, v.Params.Time, v.Params.Memory, v.Params.Threads, v.Params.KeyLength)
}

// PassphraseBackend is a Backend that verifies a device-owner passphrase
// against an argon2id verifier kept in a SecureStore.
type PassphraseBackend struct {
	store    *storage.SecureStore
	prompter Prompter
	policy   password.Policy
	params   Argon2Params
	random   io.Reader
}

// PassphraseOption configures a PassphraseBackend.
type PassphraseOption func(*PassphraseBackend)

// WithArgon2Params sets the cost parameters used by Enroll.
func WithArgon2Params(p Argon2Params) PassphraseOption {
	return func(b *PassphraseBackend) { b.params = p }
}

// WithPasswordPolicy sets the policy Enroll enforces.
func WithPasswordPolicy(p password.Policy) PassphraseOption {
	return func(b *PassphraseBackend) { b.policy = p }
}

// WithRandom overrides the salt source.
func WithRandom(r io.Reader) PassphraseOption {
	return func(b *PassphraseBackend) {
		if r != nil {
			b.random = r
		}
	}
}

// NewPassphraseBackend creates a backend storing its verifier in store,
// which should be scoped to storage.NamespaceAuth.
func NewPassphraseBackend(store *storage.SecureStore, prompter Prompter, opts ...PassphraseOption) *PassphraseBackend {
	b := &PassphraseBackend{
		store:    store,
		prompter: prompter,
		policy:   password.FromConfiguration(types.DefaultSecurityConfiguration()),
		params:   DefaultArgon2Params(),
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *PassphraseBackend) Name() string { return "passphrase" }

// Enroll replaces the verifier with one for secret. The passphrase must
// satisfy the password policy.
func (b *PassphraseBackend) Enroll(ctx context.Context, secret *password.Secret) error {
	pw, err := secret.String()
	if err != nil {
		return err
	}
	if err := b.policy.Check(pw); err != nil {
		return fmt.Errorf("enroll passphrase: %w", err)
	}
	if err := b.params.validate(); err != nil {
		return err
	}

	v := verifier{
		Algorithm: "argon2id",
		Params:    b.params,
		Salt:      make([]byte, MinSaltLength),
	}
	if _, err := io.ReadFull(b.random, v.Salt); err != nil {
		return fmt.Errorf("enroll passphrase: generate salt: %w", err)
	}
	raw := secret.Bytes()
	v.Hash = v.derive(raw)
	password.Zero(raw)

	data, err := json.Marshal(&v)
	if err != nil {
		return fmt.Errorf("enroll passphrase: %w", err)
	}
	return b.store.Put(ctx, VerifierID, data)
}

// Enrolled reports whether a verifier exists.
func (b *PassphraseBackend) Enrolled(ctx context.Context) (bool, error) {
	return b.store.Exists(ctx, VerifierID)
}

// Verify checks secret against the stored verifier without prompting.
func (b *PassphraseBackend) Verify(ctx context.Context, secret *password.Secret) (bool, error) {
	v, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	raw := secret.Bytes()
	if raw == nil {
		return false, password.ErrSecretCleared
	}
	defer password.Zero(raw)

	sum := v.derive(raw)
	defer password.Zero(sum)
	return subtle.ConstantTimeCompare(sum, v.Hash) == 1, nil
}

// Evaluate prompts for the passphrase and verifies it.
func (b *PassphraseBackend) Evaluate(ctx context.Context, reason string) (Outcome, error) {
	if _, err := b.load(ctx); err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return Unavailable(), nil
		}
		return Outcome{}, err
	}

	secret, err := b.prompter.Prompt(ctx, reason)
	if err != nil {
		if errors.Is(err, ErrPromptCancelled) {
			return Failure(types.CauseUserCancel), nil
		}
		return Outcome{}, err
	}
	defer secret.Clear()

	ok, err := b.Verify(ctx, secret)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Failure(types.CauseMismatch), nil
	}
	return Success(), nil
}

func (b *PassphraseBackend) load(ctx context.Context) (*verifier, error) {
	data, err := b.store.Get(ctx, VerifierID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	var v verifier
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, types.NewError(types.KindInvalidDataEncoding, "load verifier", err)
	}
	if v.Algorithm != "argon2id" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerifier, v.Algorithm)
	}
	if err := v.Params.validate(); err != nil {
		return nil, err
	}
	return &v, nil
}
