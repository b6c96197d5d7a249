// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()

	pq := NewPriorityQueue()
	pq.Add(Item{LastPlayedEpoch: 100, BucketIndex: 0, DestinationPath: "/dest/older"})
	pq.Add(Item{LastPlayedEpoch: 300, BucketIndex: 1, DestinationPath: "/dest/newest-ep2"})
	pq.Add(Item{LastPlayedEpoch: 300, BucketIndex: 0, DestinationPath: "/dest/newest-ep1"})
	pq.Add(Item{LastPlayedEpoch: 200, BucketIndex: 0, DestinationPath: "/dest/middle"})

	drained := pq.Drain()
	assert.Equal(t, []string{
		"/dest/newest-ep1",
		"/dest/newest-ep2",
		"/dest/middle",
		"/dest/older",
	}, pathsOf(drained))
}

func TestPriorityQueueDedupesByDestinationPath(t *testing.T) {
	t.Parallel()

	pq := NewPriorityQueue()
	pq.Add(Item{LastPlayedEpoch: 100, DestinationPath: "/dest/a"})
	pq.Add(Item{LastPlayedEpoch: 200, DestinationPath: "/dest/a"})

	drained := pq.Drain()
	assert.Len(t, drained, 1)
	assert.Equal(t, int64(100), drained[0].LastPlayedEpoch)
}

func pathsOf(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.DestinationPath
	}
	return out
}
