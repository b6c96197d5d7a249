// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package seeding defines the SeedingClient contract and its qBittorrent
// implementation: knowing which on-disk files are covered by an active seed
// session, and pausing/resuming sessions around a move.
package seeding

import (
	"context"
	"time"

	"github.com/autobrr/cachemover/pkg/hardlink"
)

// Signal carries the seeding facts the mapping's sort key needs for one
// torrent covering a given inode.
type Signal struct {
	ETA           time.Duration
	CompletionAge time.Duration
	SeedCount     int64
}

// Client scans a tier for torrents covering files on disk, exposes
// per-inode seeding signals, and pauses/resumes sessions around a move.
//
// Scan must be idempotent per root: repeated calls after the first are cheap
// no-ops until the client's cache is invalidated by a new run. Concurrent
// Scan calls for the same root must coalesce to at most one in flight.
type Client interface {
	// Scan enumerates completed torrents on root, translates content paths
	// through the client's configured rewriter, expands directory content
	// paths to leaf files, and indexes everything by inode. Connection
	// failures are logged internally and treated as "no torrents" rather
	// than returned.
	Scan(ctx context.Context, root string) error

	// Signals returns the seeding signals of every torrent covering the
	// file identified by id. An empty slice means no torrent covers it.
	Signals(id hardlink.FileID) []Signal

	// Pause pauses every torrent covering path that is not already paused
	// and records it for later Resume. Safe to call repeatedly on the same
	// path.
	Pause(ctx context.Context, path string) error

	// ResumeAll resumes every torrent this client paused, in LIFO order,
	// then clears the record. Must be called on every exit path of a run.
	ResumeAll(ctx context.Context) error
}
