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
	"strings"
)

// Reserved namespaces.
const (
	NamespaceDefault   = "default"
	NamespaceKeys      = "keys"
	NamespaceAuth      = "auth"
	NamespaceAuthState = "auth-state"
)

// RecordKey returns the backend key for a record: "{namespace}/{id}".
func RecordKey(namespace, id string) string {
	return namespace + "/" + id
}

// NamespacePrefix returns the List prefix for every record in namespace.
func NamespacePrefix(namespace string) string {
	return namespace + "/"
}

// ListIDs returns the record ids stored under namespace.
func ListIDs(ctx context.Context, backend Backend, namespace string) ([]string, error) {
	prefix := NamespacePrefix(namespace)
	keys, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		// Skip nested paths; record ids never contain a separator
		if id != "" && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
