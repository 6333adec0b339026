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

// Waiters returns how many callers wait on the prompt for namespace.
func (g *Gate) Waiters(namespace string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.inflight[namespace]; ok {
		return p.waiters
	}
	return 0
}
