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
	"fmt"
	"sync/atomic"

	"github.com/jeremyhahn/go-devicevault/pkg/validation"
)

// Accessibility controls when stored records may be read or written.
type Accessibility string

// AccessibleWhenUnlockedThisDeviceOnly allows access only while the device
// is unlocked and never migrates records to another device.
const AccessibleWhenUnlockedThisDeviceOnly Accessibility = "when_unlocked_this_device_only"

// Policy is the access policy applied to every record in a SecureStore.
type Policy struct {
	Namespace      string
	Accessibility  Accessibility
	Synchronizable bool
}

// DefaultPolicy returns the policy used for application records.
func DefaultPolicy() Policy {
	return Policy{
		Namespace:     NamespaceDefault,
		Accessibility: AccessibleWhenUnlockedThisDeviceOnly,
	}
}

// Validate rejects policies the store cannot honor.
func (p Policy) Validate() error {
	if err := validation.ValidateNamespace(p.Namespace); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.Accessibility != AccessibleWhenUnlockedThisDeviceOnly {
		return fmt.Errorf("%w: unsupported accessibility %q", ErrInvalidPolicy, p.Accessibility)
	}
	if p.Synchronizable {
		return fmt.Errorf("%w: records must not be synchronizable", ErrInvalidPolicy)
	}
	return nil
}

// LockState reports whether the device is currently unlocked.
type LockState interface {
	Unlocked(ctx context.Context) bool
}

// LockStateFunc adapts a function to LockState.
type LockStateFunc func(ctx context.Context) bool

// Unlocked calls f(ctx).
func (f LockStateFunc) Unlocked(ctx context.Context) bool {
	return f(ctx)
}

// AlwaysUnlocked is the LockState for hosts without a device lock.
var AlwaysUnlocked LockState = LockStateFunc(func(context.Context) bool { return true })

// DeviceLock is a LockState toggled by the host when the device locks or
// unlocks. The zero value is unlocked.
type DeviceLock struct {
	locked atomic.Bool
}

// Lock marks the device locked.
func (d *DeviceLock) Lock() { d.locked.Store(true) }

// Unlock marks the device unlocked.
func (d *DeviceLock) Unlock() { d.locked.Store(false) }

// Unlocked reports whether the device is unlocked.
func (d *DeviceLock) Unlocked(context.Context) bool { return !d.locked.Load() }
