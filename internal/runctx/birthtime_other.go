// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package runctx

import (
	"os"
	"time"
)

// birthTime falls back to mtime on platforms without a cheap birth-time
// syscall wired up here.
func birthTime(path string) (time.Time, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
