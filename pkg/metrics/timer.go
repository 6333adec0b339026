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

package metrics

import "time"

// Track starts timing an operation. Call the returned function with the
// operation's error to record its status and duration:
//
//	done := metrics.Track(metrics.OpStore, "sqlite")
//	err := store.Put(ctx, id, value)
//	done(err)
func Track(operation, backend string) func(err error) {
	if !IsEnabled() {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		status := StatusSuccess
		if err != nil {
			status = StatusError
		}
		RecordOperation(operation, backend, status, time.Since(start).Seconds())
	}
}
