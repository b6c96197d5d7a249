// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package runctx carries the explicit, per-run state the original
// implementation kept as process-wide mutable flags (`_dry_run`, `_now`) and
// module-level stat/birth-time caches. main constructs one RunContext per
// mapping and threads it down explicitly; nothing here is package-level
// mutable state.
package runctx

import (
	"os"
	"sync"
	"time"

	"github.com/autobrr/cachemover/pkg/pathcmp"
)

// RunContext holds state scoped to one mapping's run within a process
// invocation.
type RunContext struct {
	now    time.Time
	DryRun bool

	mu         sync.Mutex
	statCache  map[string]os.FileInfo
	birthCache map[string]time.Time
}

// New constructs a RunContext pinned to now. A run's "now" is fixed at
// startup so every age comparison during the run is consistent.
func New(now time.Time, dryRun bool) *RunContext {
	return &RunContext{
		now:        now,
		DryRun:     dryRun,
		statCache:  make(map[string]os.FileInfo),
		birthCache: make(map[string]time.Time),
	}
}

// Now returns the run's fixed timestamp.
func (r *RunContext) Now() time.Time {
	return r.now
}

// Stat returns a cached os.Lstat result for path, populating the cache on
// first access. The cache lives only as long as the RunContext, which main
// builds afresh for each mapping, so it is not shared across mappings.
func (r *RunContext) Stat(path string) (os.FileInfo, error) {
	key := pathcmp.NormalizePath(path)

	r.mu.Lock()
	if info, ok := r.statCache[key]; ok {
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()

	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.statCache[key] = info
	r.mu.Unlock()
	return info, nil
}

// BirthTime returns the cached filesystem birth time for path. On Linux it
// falls back to change time when the filesystem doesn't expose one (e.g. ext4
// without statx support); on other platforms it uses modification time.
func (r *RunContext) BirthTime(path string) (time.Time, error) {
	key := pathcmp.NormalizePath(path)

	r.mu.Lock()
	if t, ok := r.birthCache[key]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	t, err := birthTime(path)
	if err != nil {
		return time.Time{}, err
	}

	r.mu.Lock()
	r.birthCache[key] = t
	r.mu.Unlock()
	return t, nil
}
