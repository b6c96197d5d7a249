// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mapping

import (
	"time"

	"github.com/autobrr/cachemover/pkg/hardlink"
)

// FileEntry is one path discovered during a tier walk.
type FileEntry struct {
	Path      string
	ID        hardlink.FileID
	Size      int64
	BirthTime time.Time
}

// InodeGroup is the non-empty set of paths sharing one inode on one tier.
// Every member has identical size; deleting all members frees Size bytes
// exactly once.
type InodeGroup struct {
	ID      hardlink.FileID
	Leader  string
	Paths   []string // siblings, Leader excluded
	Size    int64
	Key     SortKey
}

// AllPaths returns Leader followed by every sibling.
func (g InodeGroup) AllPaths() []string {
	paths := make([]string, 0, len(g.Paths)+1)
	paths = append(paths, g.Leader)
	paths = append(paths, g.Paths...)
	return paths
}
