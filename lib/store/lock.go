// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// repoLock is an advisory flock on repo/.lock. Writers (transactions,
// prune) take it exclusive for their whole critical section; readers
// never take it — committed state is only ever replaced by atomic
// renames, so a reader always sees either the old or the new object.
type repoLock struct {
	file *os.File
}

// lockExclusive opens (creating if needed) and exclusively flocks the
// lock file at path. Blocks until the lock is available.
func lockExclusive(path string) (*repoLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &repoLock{file: file}, nil
}

// tryLockExclusive is the non-blocking variant. Returns (nil, nil)
// when another process holds the lock.
func tryLockExclusive(path string) (*repoLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &repoLock{file: file}, nil
}

// unlock releases and closes the lock. Safe to call once.
func (l *repoLock) unlock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking: %w", err)
	}
	return l.file.Close()
}

// fsyncDir opens a directory and fsyncs it so that renames into it
// are durable before the caller reports success.
func fsyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening directory for fsync: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}
