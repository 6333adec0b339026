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

// Package file provides a filesystem-backed storage.Backend. Each key is
// stored as one file beneath a root directory; all filesystem access goes
// through afero so the backend can run on an in-memory filesystem in tests.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/spf13/afero"
)

const (
	// Default directory permissions (owner rwx only)
	defaultDirPerms = 0700

	// Default file permissions (owner rw only)
	defaultFilePerms = 0600

	tempSuffix = ".tmp-"
)

// FileStorage implements storage.Backend and storage.Creator on an
// afero filesystem.
type FileStorage struct {
	mu      sync.RWMutex
	fs      afero.Fs
	rootDir string
	closed  bool
}

// New creates a file storage rooted at rootDir on the OS filesystem.
func New(rootDir string) (*FileStorage, error) {
	return NewWithFs(afero.NewOsFs(), rootDir)
}

// NewWithFs creates a file storage rooted at rootDir on fsys.
func NewWithFs(fsys afero.Fs, rootDir string) (*FileStorage, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("file storage: root directory cannot be empty")
	}
	if fsys == nil {
		return nil, fmt.Errorf("file storage: filesystem cannot be nil")
	}

	// Create root directory if it doesn't exist
	if err := fsys.MkdirAll(rootDir, defaultDirPerms); err != nil {
		return nil, fmt.Errorf("file storage: failed to create root directory: %w", err)
	}

	return &FileStorage{
		fs:      fsys,
		rootDir: filepath.Clean(rootDir),
	}, nil
}

// Get retrieves the value for the given key.
func (f *FileStorage) Get(ctx context.Context, key string) ([]byte, error) {
	filePath, err := f.open(ctx, key)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := afero.ReadFile(f.fs, filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}
	return data, nil
}

// Put atomically writes the value for the given key by writing a
// temporary file and renaming it into place.
func (f *FileStorage) Put(ctx context.Context, key string, value []byte, opts *storage.Options) error {
	filePath, err := f.open(ctx, key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fs.MkdirAll(filepath.Dir(filePath), defaultDirPerms); err != nil {
		return fmt.Errorf("file storage: failed to create directory for key %q: %w", key, err)
	}

	tmp := filePath + tempSuffix + uuid.NewString()
	if err := afero.WriteFile(f.fs, tmp, value, permissions(opts)); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	if err := f.fs.Rename(tmp, filePath); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("file storage: failed to commit key %q: %w", key, err)
	}
	return nil
}

// Create writes the value only if no file exists for key. The check and
// the create are a single O_EXCL open, so concurrent processes sharing the
// directory agree on one winner.
func (f *FileStorage) Create(ctx context.Context, key string, value []byte, opts *storage.Options) error {
	filePath, err := f.open(ctx, key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fs.MkdirAll(filepath.Dir(filePath), defaultDirPerms); err != nil {
		return fmt.Errorf("file storage: failed to create directory for key %q: %w", key, err)
	}

	fh, err := f.fs.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, permissions(opts))
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("file storage: failed to create key %q: %w", key, err)
	}
	if _, err := fh.Write(value); err != nil {
		_ = fh.Close()
		_ = f.fs.Remove(filePath)
		return fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	if err := fh.Close(); err != nil {
		_ = f.fs.Remove(filePath)
		return fmt.Errorf("file storage: failed to close key %q: %w", key, err)
	}
	return nil
}

// Delete removes the file for key. Missing files are ignored.
func (f *FileStorage) Delete(ctx context.Context, key string) error {
	filePath, err := f.open(ctx, key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fs.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file storage: failed to delete key %q: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix in sorted order.
func (f *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := f.checkOpen(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0)
	err := afero.Walk(f.fs, f.rootDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.Contains(filepath.Base(path), tempSuffix) {
			return nil
		}

		rel, err := filepath.Rel(f.rootDir, path)
		if err != nil {
			return fmt.Errorf("file storage: failed to convert path to key: %w", err)
		}
		key := filepath.ToSlash(rel)

		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to list keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a file exists for key.
func (f *FileStorage) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := f.open(ctx, key)
	if err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	ok, err := afero.Exists(f.fs, filePath)
	if err != nil {
		return false, fmt.Errorf("file storage: failed to check key %q: %w", key, err)
	}
	return ok, nil
}

// Close marks the storage closed. Files are left in place.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileStorage) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return storage.ErrClosed
	}
	return nil
}

// open validates the key and the backend state and returns the file path.
func (f *FileStorage) open(ctx context.Context, key string) (string, error) {
	if err := f.checkOpen(ctx); err != nil {
		return "", err
	}
	if err := validateStorageKey(key); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidID, err)
	}
	return filepath.Join(f.rootDir, filepath.FromSlash(key)), nil
}

// validateStorageKey allows internal paths like "keys/encryption-key.v1"
// but blocks traversal out of the root directory.
func validateStorageKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	// Check for null bytes
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("key contains null byte")
	}

	// Check for absolute paths
	if filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		return fmt.Errorf("key cannot be an absolute path")
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("key contains path traversal attempt")
		}
		if seg == "" || seg == "." {
			return fmt.Errorf("key contains empty path segment")
		}
		if strings.Contains(seg, tempSuffix) {
			return fmt.Errorf("key uses reserved suffix")
		}
	}
	return nil
}

func permissions(opts *storage.Options) fs.FileMode {
	if opts != nil && opts.Permissions != 0 {
		return opts.Permissions
	}
	return defaultFilePerms
}

var (
	_ storage.Backend = (*FileStorage)(nil)
	_ storage.Creator = (*FileStorage)(nil)
)
