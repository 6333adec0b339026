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

// Package validation provides input validation for identifiers that end up
// in storage paths, database keys, and log lines.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxIDLength is the longest record id accepted.
const MaxIDLength = 255

var (
	// recordIDPattern matches safe record identifiers
	recordIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

	// namespacePattern matches namespaces (lowercase alphanumeric + hyphens)
	namespacePattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
)

// ValidateRecordID validates a secure record identifier to prevent path
// traversal and injection into backend keys.
//
// Valid ids:
//   - Non-empty, at most 255 characters
//   - Only alphanumeric, hyphens, underscores, dots
//   - Not "." or ".." and no traversal sequences
//
// Returns an error if the id is invalid.
func ValidateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("record ID cannot be empty")
	}

	// Check for null bytes (can bypass some path checks)
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("record ID contains null byte")
	}

	// Check length before other validations (prevent ReDoS)
	if len(id) > MaxIDLength {
		return fmt.Errorf("record ID too long (max %d characters)", MaxIDLength)
	}

	if filepath.IsAbs(id) {
		return fmt.Errorf("record ID cannot be an absolute path")
	}

	if id == "." || id == ".." || strings.Contains(id, "..") {
		return fmt.Errorf("record ID contains path traversal attempt")
	}

	for _, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("record ID contains control characters")
		}
	}

	if !recordIDPattern.MatchString(id) {
		return fmt.Errorf("record ID contains invalid characters (allowed: a-z, A-Z, 0-9, -, _, .)")
	}

	return nil
}

// ValidateNamespace validates a store namespace. Namespaces become the
// first path segment of every backend key.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if len(ns) > 64 {
		return fmt.Errorf("namespace too long (max 64 characters)")
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("namespace contains invalid characters (allowed: a-z, 0-9, -)")
	}
	return nil
}

// SanitizeForLog sanitizes a string for safe logging.
// Removes control characters and limits length.
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	// Limit length to prevent log flooding
	if len(s) > 1000 {
		s = s[:1000] + "...[truncated]"
	}

	return s
}
