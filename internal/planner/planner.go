// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package planner walks a tier, builds its inode-to-paths map, filters out
// ignored and active paths, and orders the eligible leaders by sort key into
// a move plan.
package planner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/cachemover/internal/mapping"
	"github.com/autobrr/cachemover/internal/media"
	"github.com/autobrr/cachemover/internal/runctx"
	"github.com/autobrr/cachemover/pkg/hardlink"
	"github.com/autobrr/cachemover/pkg/stringutils"
)

// internPath interns path's directory component so the many files that
// share one directory in a large tree reuse the same backing string.
func internPath(path string) string {
	return filepath.Join(stringutils.Intern(filepath.Dir(path)), filepath.Base(path))
}

// walkerLimit bounds concurrent sort-key computation.
func walkerLimit() int {
	return min(runtime.NumCPU(), 4)
}

// PlanDemotion walks the mapping's source tier depth-first with deterministic
// sibling ordering, groups paths by inode (first path seen per inode becomes
// the leader), filters leaders to those within the configured age range and
// not active/ignored, computes each leader's sort key concurrently, and
// returns the groups ordered smallest-key-first. The plan is not limited by
// any byte budget; the executor stops consuming it once its budget is used
// up.
func PlanDemotion(ctx context.Context, m *mapping.Mapping, rc *runctx.RunContext) ([]mapping.InodeGroup, error) {
	groups, order, err := walkAndGroup(ctx, m, m.Source.Root)
	if err != nil {
		return nil, err
	}

	eligible := make([]*mapping.InodeGroup, 0, len(order))
	for _, id := range order {
		g := groups[id]
		if m.IsIgnored(g.Leader) {
			continue
		}

		info, err := rc.Stat(g.Leader)
		if err != nil {
			continue
		}
		birth, err := rc.BirthTime(g.Leader)
		if err != nil {
			continue
		}
		if !m.WithinAgeRange(rc.Now(), birth) {
			continue
		}
		if m.IsActive(ctx, g.Leader) {
			continue
		}

		g.Size = info.Size()
		eligible = append(eligible, g)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkerLimit())
	keys := make([]mapping.SortKey, len(eligible))
	for i, group := range eligible {
		i, group := i, group
		g.Go(func() error {
			birth, err := rc.BirthTime(group.Leader)
			if err != nil {
				return errors.Wrapf(err, "birth time for %s", group.Leader)
			}
			keys[i] = m.SortKey(gctx, group.Leader, group.ID, group.Size, birth)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "computing sort keys")
	}

	for i, group := range eligible {
		group.Key = keys[i]
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Key.Less(eligible[j].Key)
	})

	result := make([]mapping.InodeGroup, len(eligible))
	for i, group := range eligible {
		result[i] = *group
	}
	return result, nil
}

// PlanPromotion takes the drained continue-watching priority queue
// (destination-rooted paths, already in priority order) and, for each item,
// discovers every sibling path sharing its inode on the destination tier. No
// re-sorting is performed: the queue's order is preserved.
func PlanPromotion(ctx context.Context, m *mapping.Mapping, pq *media.PriorityQueue) ([]mapping.InodeGroup, error) {
	items := pq.Drain()
	if len(items) == 0 {
		return nil, nil
	}

	wanted := make(map[hardlink.FileID]*mapping.InodeGroup)
	order := make([]hardlink.FileID, 0, len(items))

	for _, item := range items {
		info, err := os.Lstat(item.DestinationPath)
		if err != nil || info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			continue
		}
		id, _, err := hardlink.GetFileID(info, item.DestinationPath)
		if err != nil {
			continue
		}
		if _, ok := wanted[id]; ok {
			continue
		}
		wanted[id] = &mapping.InodeGroup{ID: id, Leader: item.DestinationPath, Size: info.Size()}
		order = append(order, id)
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	err := filepath.WalkDir(m.Destination.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if m.IsIgnored(path) {
				return fs.SkipDir
			}
			return nil
		}
		if m.IsIgnored(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		id, _, err := hardlink.GetFileID(info, path)
		if err != nil {
			return nil
		}
		group, ok := wanted[id]
		if !ok {
			return nil
		}
		if path == group.Leader {
			return nil
		}
		group.Paths = append(group.Paths, internPath(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking destination for promotion siblings: %w", err)
	}

	result := make([]mapping.InodeGroup, 0, len(order))
	for _, id := range order {
		result = append(result, *wanted[id])
	}
	return result, nil
}

// walkAndGroup depth-first walks root with deterministic sibling ordering
// (filepath.WalkDir already visits directory entries in lexicographic
// order), pruning ignored directories and skipping symlinks, and groups
// regular files by inode. The first path seen per inode becomes the group
// leader; order records the sequence inodes were first encountered in, so
// callers can iterate deterministically before sorting.
func walkAndGroup(ctx context.Context, m *mapping.Mapping, root string) (map[hardlink.FileID]*mapping.InodeGroup, []hardlink.FileID, error) {
	groups := make(map[hardlink.FileID]*mapping.InodeGroup)
	order := make([]hardlink.FileID, 0)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if m.IsIgnored(path) {
				return fs.SkipDir
			}
			return nil
		}

		if m.IsIgnored(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}

		id, _, err := hardlink.GetFileID(info, path)
		if err != nil {
			return nil
		}

		path = internPath(path)

		g, ok := groups[id]
		if !ok {
			g = &mapping.InodeGroup{ID: id, Leader: path, Size: info.Size()}
			groups[id] = g
			order = append(order, id)
			return nil
		}
		g.Paths = append(g.Paths, path)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return groups, order, nil
}
