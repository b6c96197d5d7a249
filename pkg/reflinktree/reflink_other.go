// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package reflinktree

import "errors"

// ErrUnsupported is returned by Clone on platforms with no reflink syscall
// wired up. Callers fall back to a regular byte copy.
var ErrUnsupported = errors.New("reflink: not supported on this platform")

// SupportsReflink always reports false outside Linux.
func SupportsReflink(dir string) (supported bool, reason string) {
	return false, "reflink probing is only implemented on linux"
}

// Clone always fails outside Linux; callers fall back to a regular copy.
func Clone(src, dst string) error {
	return ErrUnsupported
}
