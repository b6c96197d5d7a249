// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mapping

import "time"

// SortKey is the lexicographic tuple that orders candidate demotions;
// smaller sorts sooner. Dimensions and their sign conventions are fixed by
// the original system and must not be "cleaned up": several are
// intentionally inverted (see the Less comments below).
type SortKey struct {
	// InContinueWatching is 0 if the path is NOT a continue-watching
	// candidate, 1 if it is. Never demote an imminent watch ahead of
	// everything else.
	InContinueWatching int
	// UnwatchedUsersLeft favors files nobody still needs to watch.
	UnwatchedUsersLeft int
	// HasTorrent is 0 if any seeder covers the file, 1 otherwise. This
	// dimension is intentionally inverted: actively seeded data sorts
	// earlier, preserving the original system's behavior.
	HasTorrent int
	// TorrentETAMax postpones files with a pending download ETA.
	TorrentETAMax time.Duration
	// NegCompletionAgeMin is the negated minimum completion age across
	// covering torrents; older completions sort earlier.
	NegCompletionAgeMin time.Duration
	// NegSeedCountMin is the negated minimum seed count across covering
	// torrents; better-seeded torrents sort earlier.
	NegSeedCountMin int64
	// NumTorrentsCoveringFile is the count of torrents covering the file.
	NumTorrentsCoveringFile int
	// NegSize is the negated file size; larger files sort earlier (freeing
	// more per operation).
	NegSize int64
	// BirthTime is the final, stable tiebreak.
	BirthTime time.Time
}

// Less reports whether k sorts strictly before other.
func (k SortKey) Less(other SortKey) bool {
	if k.InContinueWatching != other.InContinueWatching {
		return k.InContinueWatching < other.InContinueWatching
	}
	if k.UnwatchedUsersLeft != other.UnwatchedUsersLeft {
		return k.UnwatchedUsersLeft < other.UnwatchedUsersLeft
	}
	if k.HasTorrent != other.HasTorrent {
		return k.HasTorrent < other.HasTorrent
	}
	if k.TorrentETAMax != other.TorrentETAMax {
		return k.TorrentETAMax < other.TorrentETAMax
	}
	if k.NegCompletionAgeMin != other.NegCompletionAgeMin {
		return k.NegCompletionAgeMin < other.NegCompletionAgeMin
	}
	if k.NegSeedCountMin != other.NegSeedCountMin {
		return k.NegSeedCountMin < other.NegSeedCountMin
	}
	if k.NumTorrentsCoveringFile != other.NumTorrentsCoveringFile {
		return k.NumTorrentsCoveringFile < other.NumTorrentsCoveringFile
	}
	if k.NegSize != other.NegSize {
		return k.NegSize < other.NegSize
	}
	return k.BirthTime.Before(other.BirthTime)
}

// IgnoredSortKey is the fixed tuple ignored paths collapse to: it sorts after
// every key that is not in a continue-watching list, but before
// continue-watching keys with unwatched users left. Ignored paths are never
// actually selected, since the executor re-checks IsIgnored before acting on
// a group.
func IgnoredSortKey() SortKey {
	return SortKey{
		InContinueWatching: 1,
		HasTorrent:         1,
	}
}
