// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package media defines the MediaPlayer contract and its Plex/Jellyfin
// implementations: watchedness and playback signals used both to order
// demotions (prefer moving what no one will watch) and to select promotions
// (bring back what's about to be watched).
package media

import (
	"container/heap"
	"context"
	"time"
)

// ContinueWatchingCutoff bounds how recently an item must have been played to
// be eligible for promotion.
const ContinueWatchingCutoff = 7 * 24 * time.Hour

// Item is one candidate promotion path discovered by a player's
// continue-watching walk.
type Item struct {
	// LastPlayedEpoch is the Unix timestamp the covering series (or movie)
	// was last watched at; larger is more recent.
	LastPlayedEpoch int64
	// BucketIndex orders items within one series walk (episode position).
	BucketIndex int
	// DestinationPath is the path on the destination tier.
	DestinationPath string
}

// PriorityQueue collects continue-watching candidates from every attached
// player, in priority order (−last_played_epoch, bucket_index,
// destination_path), deduped by destination path across players.
type PriorityQueue struct {
	items []Item
	seen  map[string]bool
}

// NewPriorityQueue returns an empty, ready-to-use priority queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{seen: make(map[string]bool)}
}

// Add enqueues an item. A destination path already seen from an earlier
// player or an earlier Add call is silently dropped.
func (pq *PriorityQueue) Add(item Item) {
	if pq.seen[item.DestinationPath] {
		return
	}
	pq.seen[item.DestinationPath] = true
	heap.Push((*heapAdapter)(pq), item)
}

// Len reports the number of queued items.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Drain removes and returns every queued item in priority order.
func (pq *PriorityQueue) Drain() []Item {
	out := make([]Item, 0, pq.Len())
	adapter := (*heapAdapter)(pq)
	for pq.Len() > 0 {
		out = append(out, heap.Pop(adapter).(Item))
	}
	return out
}

// heapAdapter implements container/heap.Interface over PriorityQueue's items
// without polluting PriorityQueue's own exported API (Add/Drain) with the
// heap package's untyped Push/Pop signatures.
type heapAdapter PriorityQueue

func (h *heapAdapter) Len() int { return len(h.items) }

func (h *heapAdapter) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.LastPlayedEpoch != b.LastPlayedEpoch {
		return a.LastPlayedEpoch > b.LastPlayedEpoch // larger epoch (more recent) sorts first
	}
	if a.BucketIndex != b.BucketIndex {
		return a.BucketIndex < b.BucketIndex
	}
	return a.DestinationPath < b.DestinationPath
}

func (h *heapAdapter) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *heapAdapter) Push(x interface{}) { h.items = append(h.items, x.(Item)) }

func (h *heapAdapter) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// Player exposes watchedness and playback signals for one media server
// instance (one Plex or Jellyfin connection).
type Player interface {
	// IsPlaying reports whether any active playback session's media file is
	// the same on-disk file as path (compared by inode, not by string).
	IsPlaying(ctx context.Context, path string) (bool, error)

	// SortSignals returns whether path is a continue-watching candidate and
	// how many users have not yet watched it.
	SortSignals(ctx context.Context, path string) (inContinueWatching bool, unwatchedUsers int, err error)

	// ContinueWatching enqueues this player's candidate promotion paths onto
	// pq. Only items played within ContinueWatchingCutoff are eligible.
	ContinueWatching(ctx context.Context, pq *PriorityQueue) error

	// Close releases any underlying network resources.
	Close() error
}
