// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package clonejob

import (
	"fmt"
	"path/filepath"

	"github.com/clearlinux/dim/dimerrors"
	"github.com/nightlyone/lockfile"
)

// AcquireDeviceLock takes an advisory lock keyed on the device's base name
// under the system lock directory, preventing two dim invocations from
// cloning or restoring the same device concurrently. The lock is released
// by calling Unlock on the returned handle once the job finishes.
func AcquireDeviceLock(devicePath string) (lockfile.Lockfile, error) {
	name := filepath.Base(devicePath)
	path := filepath.Join("/var/lock", fmt.Sprintf("dim-%s.lock", name))

	lock, err := lockfile.New(path)
	if err != nil {
		return lockfile.Lockfile(""), dimerrors.New(dimerrors.Invalid, "could not build lockfile for %s: %v", devicePath, err)
	}

	if err := lock.TryLock(); err != nil {
		return lockfile.Lockfile(""), dimerrors.New(dimerrors.DeviceBusy, "device %s already has an active dim job: %v", devicePath, err)
	}

	return lock, nil
}
