// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lock provides an advisory single-instance file lock, guarding
// against two cachemover processes running against the same configuration
// concurrently.
package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by Acquire when another process already holds the lock.
var ErrHeld = errors.New("lock: already held by another process")

// Lock is an exclusive advisory flock(2) on a pidfile. The zero value is not
// usable; construct one with Acquire.
type Lock struct {
	file *os.File
	path string
}

// Acquire opens (creating if necessary) the file at path and takes a
// non-blocking exclusive flock on it. If another process holds the lock,
// ErrHeld is returned and no file descriptor is leaked.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("truncate lock file %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write pid to lock file %s: %w", path, err)
	}

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the underlying file. It does not remove the
// pidfile: a subsequent Acquire reuses it.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}
