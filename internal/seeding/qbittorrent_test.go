// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package seeding

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandToLeavesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(f, []byte("data"), 0o644))

	leaves, err := expandToLeaves(f)
	require.NoError(t, err)
	assert.Equal(t, []string{f}, leaves)
}

func TestExpandToLeavesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "Season 01")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	ep1 := filepath.Join(sub, "ep1.mkv")
	ep2 := filepath.Join(sub, "ep2.mkv")
	require.NoError(t, os.WriteFile(ep1, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(ep2, []byte("b"), 0o644))

	leaves, err := expandToLeaves(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ep1, ep2}, leaves)
}

func TestContainsString(t *testing.T) {
	t.Parallel()

	assert.True(t, containsString([]string{"a", "b"}, "b"))
	assert.False(t, containsString([]string{"a", "b"}, "c"))
}
