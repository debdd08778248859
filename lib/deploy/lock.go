// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// deploymentBusy probes the deployment's instance lock file: running
// sandboxes hold a shared flock on it, so failing to take an
// exclusive lock means the deployment is in use. A missing lock file
// (pre-upgrade deployments) counts as idle.
func deploymentBusy(lockPath string) (bool, error) {
	file, err := os.Open(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening instance lock: %w", err)
	}
	defer file.Close()

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing instance lock: %w", err)
	}
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false, nil
}

// AcquireInstanceLock takes a shared flock on a deployment's instance
// lock file, returning the held file. The launcher keeps it open for
// the lifetime of the sandbox; closing releases the lock.
func AcquireInstanceLock(lockPath string) (*os.File, error) {
	file, err := os.Open(lockPath)
	if err != nil {
		return nil, fmt.Errorf("opening instance lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking instance lock: %w", err)
	}
	return file, nil
}
