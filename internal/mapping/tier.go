// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mapping implements the source/destination pairing that combines
// thresholds, attached seeding clients, and media players into a single
// per-path sort key.
package mapping

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Tier is a rooted directory on a POSIX filesystem.
type Tier struct {
	Root string
}

// Usage reports the tier's total, used, and free bytes via statfs(2),
// mirroring the teacher's reach for golang.org/x/sys/unix for platform-level
// filesystem facts (see pkg/reflinktree's Statfs use for filesystem type
// detection).
func (t Tier) Usage() (total, used, free int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(t.Root, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", t.Root, err)
	}

	blockSize := int64(stat.Bsize) //nolint:gosec // always positive in practice
	total = blockSize * int64(stat.Blocks)
	free = blockSize * int64(stat.Bavail)
	used = total - blockSize*int64(stat.Bfree)
	return total, used, free, nil
}
