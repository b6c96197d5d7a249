// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/autobrr/cachemover/internal/pathrewriter"
	"github.com/autobrr/cachemover/pkg/hardlink"
)

func TestJellyfinGetUsersFiltersByAllowlist(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]jellyfinUser{
			{ID: "1", Name: "alice"},
			{ID: "2", Name: "bob"},
		})
	}))
	defer srv.Close()

	j := NewJellyfinPlayer(srv.URL, "token", nil, []string{"alice"}, pathrewriter.NoopRewriter{Source: "/mnt/fast", Destination: "/mnt/slow"}, time.Now())

	users, err := j.getUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)
}

func TestJellyfinIsPlayingReturnsFalseWhenNoSessions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	j := NewJellyfinPlayer(srv.URL, "token", nil, nil, pathrewriter.NoopRewriter{Source: "/mnt/fast", Destination: "/mnt/slow"}, time.Now())

	playing, err := j.IsPlaying(context.Background(), "/mnt/fast/movie.mkv")
	require.NoError(t, err)
	assert.False(t, playing)
}

func TestJellyfinSortSignalsMatchesContinueWatchingByInode(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	path := filepath.Join(source, "episode.mkv")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	info, err := os.Stat(path)
	require.NoError(t, err)
	id, _, err := hardlink.GetFileID(info, path)
	require.NoError(t, err)

	j := NewJellyfinPlayer("http://unused", "token", nil, nil, pathrewriter.NoopRewriter{Source: source, Destination: t.TempDir()}, time.Now())
	// Short-circuit warm() so SortSignals uses our seeded state instead of
	// making a real network call.
	j.warmCache.Set("warmed", true, ttlcache.DefaultTTL)
	j.cwSource = map[hardlink.FileID]bool{id: true}

	inCW, _, err := j.SortSignals(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, inCW, "a source path sharing an inode with a continue-watching item must be flagged")
}
