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

// Package storage provides the protected keyed byte store. Backend is the
// raw persistence interface implemented by the memory, file, and sqlite
// subpackages; SecureStore layers access policy, id validation, per-id
// serialization, and the typed error taxonomy on top of a Backend.
package storage

import (
	"context"
	"io/fs"
)

// Backend provides raw key-value storage operations. Keys are
// slash-separated paths produced by RecordKey.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores the value for the given key with optional metadata.
	// If the key already exists, it will be overwritten.
	Put(ctx context.Context, key string, value []byte, opts *Options) error

	// Delete removes the key and its value from storage.
	// Deleting a key that does not exist is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	// If prefix is empty, all keys are returned.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Creator is implemented by backends that can atomically create a key
// only when it is absent. Create returns ErrAlreadyExists if the key is
// already present.
type Creator interface {
	Create(ctx context.Context, key string, value []byte, opts *Options) error
}

// Options provides optional parameters for storage operations.
type Options struct {
	// Permissions sets the file permissions for file-based storage
	Permissions fs.FileMode

	// Metadata contains additional key-value pairs for storage operations
	Metadata map[string]string
}

// DefaultOptions returns the default storage options.
func DefaultOptions() *Options {
	return &Options{
		Permissions: 0600, // Read/write for owner only
		Metadata:    make(map[string]string),
	}
}
