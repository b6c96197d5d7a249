// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package executor drives the hardlink-preserving move protocol: for each
// inode group it pauses seeders, copies the leader to the other tier,
// relinks every sibling to the new copy, and accounts bytes moved. On
// demotion the source originals are deleted once relinked; on promotion the
// destination originals are left in place, since cold storage is never
// purged by a promote. Filesystem mutations within one mapping run strictly
// sequentially; the protocol's correctness depends on that ordering.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/cachemover/internal/mapping"
	"github.com/autobrr/cachemover/internal/runctx"
	"github.com/autobrr/cachemover/pkg/fsutil"
	"github.com/autobrr/cachemover/pkg/reflinktree"
)

// Executor runs a single mapping's move plan against one direction
// (demotion or promotion). A fresh Executor (or a fresh call to one of the
// Run methods) is used per phase; processed is reset each run.
type Executor struct {
	Mapping *mapping.Mapping
	RunCtx  *runctx.RunContext

	processed map[string]bool
}

// New returns an Executor bound to m, using rc for the dry-run gate and
// cached stats.
func New(m *mapping.Mapping, rc *runctx.RunContext) *Executor {
	return &Executor{Mapping: m, RunCtx: rc}
}

// RunDemotion executes plan with paths translated from the source tier to
// the destination tier, stopping once budget bytes have been freed or the
// plan is exhausted. It returns the number of bytes actually freed and
// sweeps empty, non-ignored directories from the source tree afterward.
func (e *Executor) RunDemotion(ctx context.Context, plan []mapping.InodeGroup, budget int64) (int64, error) {
	freed, err := e.run(ctx, plan, budget, true, func(path string) string {
		return rerootPath(path, e.Mapping.Source.Root, e.Mapping.Destination.Root)
	})
	if !e.RunCtx.DryRun {
		e.pruneEmptyDirs(e.Mapping.Source.Root)
	}
	return freed, err
}

// RunPromotion executes plan with paths translated from the destination
// tier back to the source tier (roles reversed relative to RunDemotion).
// Destination-side originals are never deleted: promotion only ever adds a
// hardlink on source, leaving the cold copy intact.
func (e *Executor) RunPromotion(ctx context.Context, plan []mapping.InodeGroup, budget int64) (int64, error) {
	freed, err := e.run(ctx, plan, budget, false, func(path string) string {
		return rerootPath(path, e.Mapping.Destination.Root, e.Mapping.Source.Root)
	})
	if !e.RunCtx.DryRun {
		e.pruneEmptyDirs(e.Mapping.Destination.Root)
	}
	return freed, err
}

// run implements the per-group hardlink-preserving move protocol, stepping
// through plan in order until budget is exhausted. deleteOriginals controls
// whether the group's original paths are removed once relinked: true for
// demotion (source originals are freed), false for promotion (destination
// originals are retained).
func (e *Executor) run(ctx context.Context, plan []mapping.InodeGroup, budget int64, deleteOriginals bool, destFunc func(string) string) (int64, error) {
	e.processed = make(map[string]bool)
	var moved int64

	for _, group := range plan {
		if budget <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return moved, ctx.Err()
		default:
		}

		leader := group.Leader
		if e.Mapping.IsIgnored(leader) || e.processed[leader] {
			continue
		}
		if e.Mapping.IsActive(ctx, leader) {
			log.Info().Str("path", leader).Msg("[EXECUTOR] skipping group, file is active")
			continue
		}

		for _, client := range e.Mapping.Seeders {
			if err := client.Pause(ctx, leader); err != nil {
				log.Error().Err(err).Str("path", leader).Msg("[EXECUTOR] failed to pause seeder")
			}
		}

		leaderDest := destFunc(leader)
		if !sameSize(leader, leaderDest) {
			if err := e.copyWithMetadata(leader, leaderDest); err != nil {
				log.Error().Err(err).Str("path", leader).Msg("[EXECUTOR] leader copy failed, abandoning group")
				continue
			}
		}
		e.processed[leader] = true

		groupFailed := false
		for _, sibling := range group.Paths {
			if e.processed[sibling] {
				continue
			}
			siblingDest := destFunc(sibling)
			if !sameSize(sibling, siblingDest) {
				if exists(siblingDest) {
					if !deleteOriginals {
						log.Warn().Str("path", siblingDest).Msg("[EXECUTOR] destination sibling size mismatch, skipping rather than deleting")
						continue
					}
					freedOrphan, err := e.deleteFile(siblingDest)
					if err != nil {
						log.Error().Err(err).Str("path", siblingDest).Msg("[EXECUTOR] failed to delete stale destination copy")
					}
					moved += freedOrphan
				}
				if err := e.ensureDestDir(sibling, siblingDest); err != nil {
					log.Error().Err(err).Str("path", siblingDest).Msg("[EXECUTOR] sibling relink failed, leader retained on both tiers")
					groupFailed = true
					break
				}
				if err := e.linkFile(leaderDest, siblingDest); err != nil {
					log.Error().Err(err).Str("path", siblingDest).Msg("[EXECUTOR] sibling relink failed, leader retained on both tiers")
					groupFailed = true
					break
				}
			}

			for _, client := range e.Mapping.Seeders {
				if err := client.Pause(ctx, sibling); err != nil {
					log.Error().Err(err).Str("path", sibling).Msg("[EXECUTOR] failed to pause seeder")
				}
			}

			if deleteOriginals {
				if _, err := e.deleteFile(sibling); err != nil {
					log.Error().Err(err).Str("path", sibling).Msg("[EXECUTOR] failed to delete relinked sibling")
				}
			}
			e.processed[sibling] = true
		}
		if groupFailed {
			// The leader copy and any already-relinked siblings stand; the
			// group's inode keeps a live path on source via the failed
			// sibling, so no bytes are actually freed yet. Leave the leader
			// in place rather than delete it out from under that sibling.
			continue
		}

		if deleteOriginals {
			if _, err := e.deleteFile(leader); err != nil {
				log.Error().Err(err).Str("path", leader).Msg("[EXECUTOR] failed to delete leader after copy")
				continue
			}
		}
		moved += group.Size
		budget -= group.Size
	}

	return moved, nil
}

func sameSize(a, b string) bool {
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	return ai.Size() == bi.Size()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// deleteFile removes path and returns its size, gated by the dry-run flag.
// Size accounting happens regardless of dry-run so reported totals reflect
// what the run would have freed.
func (e *Executor) deleteFile(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, nil
	}
	size := info.Size()
	if e.RunCtx.DryRun {
		return size, nil
	}
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("removing %s: %w", path, err)
	}
	return size, nil
}

func (e *Executor) linkFile(oldname, newname string) error {
	if e.RunCtx.DryRun {
		return nil
	}
	return os.Link(oldname, newname)
}

// ensureDestDir creates destFile's parent directory tree if missing,
// copying owner/group from srcFile's parent directory. A chown failure is
// logged, not fatal: the run continues with default ownership.
func (e *Executor) ensureDestDir(srcFile, destFile string) error {
	destDir := filepath.Dir(destFile)
	if exists(destDir) {
		return nil
	}
	if e.RunCtx.DryRun {
		return nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}

	srcInfo, err := os.Stat(filepath.Dir(srcFile))
	if err != nil {
		return nil
	}
	if stat, ok := srcInfo.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(destDir, int(stat.Uid), int(stat.Gid)); err != nil {
			log.Error().Err(err).Str("path", destDir).Msg("[EXECUTOR] unable to set directory ownership")
		}
	}
	return nil
}

// copyWithMetadata creates destFile's parent directory, copies srcFile to
// destFile (via a reflink when both tiers share a filesystem, falling back
// to a byte-for-byte copy), and preserves mtime, permissions, and
// owner/group.
func (e *Executor) copyWithMetadata(srcFile, destFile string) error {
	if err := e.ensureDestDir(srcFile, destFile); err != nil {
		return err
	}
	if e.RunCtx.DryRun {
		return nil
	}

	srcInfo, err := os.Stat(srcFile)
	if err != nil {
		return fmt.Errorf("stat %s: %w", srcFile, err)
	}

	if err := e.copyBytes(srcFile, destFile, srcInfo); err != nil {
		return err
	}

	if err := os.Chtimes(destFile, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		log.Error().Err(err).Str("path", destFile).Msg("[EXECUTOR] unable to preserve mtime")
	}
	if err := os.Chmod(destFile, srcInfo.Mode()); err != nil {
		log.Error().Err(err).Str("path", destFile).Msg("[EXECUTOR] unable to preserve permissions")
	}
	if stat, ok := srcInfo.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(destFile, int(stat.Uid), int(stat.Gid)); err != nil {
			log.Error().Err(err).Str("path", destFile).Msg("[EXECUTOR] unable to preserve ownership, requires elevated privileges")
		}
	}
	return nil
}

func (e *Executor) copyBytes(srcFile, destFile string, srcInfo os.FileInfo) error {
	if same, err := fsutil.SameFilesystem(filepath.Dir(srcFile), filepath.Dir(destFile)); err == nil && same {
		if err := reflinktree.Clone(srcFile, destFile); err == nil {
			return nil
		}
		// Not all same-filesystem pairs support reflinks (e.g. ext4); fall through to a plain copy.
	}

	src, err := os.Open(srcFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcFile, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", destFile, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copying %s to %s: %w", srcFile, destFile, err)
	}
	return nil
}

// rerootPath translates path from fromRoot to toRoot, returning path
// unchanged if it isn't under fromRoot.
func rerootPath(path, fromRoot, toRoot string) string {
	rel, err := filepath.Rel(fromRoot, path)
	if err != nil || (len(rel) >= 2 && rel[:2] == "..") {
		return path
	}
	return filepath.Join(toRoot, rel)
}

// pruneEmptyDirs walks root bottom-up and removes empty, non-ignored
// directories left behind once their last file has moved.
func (e *Executor) pruneEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})

	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		if e.Mapping.IsIgnored(dir) {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			log.Debug().Err(err).Str("path", dir).Msg("[EXECUTOR] unable to remove empty directory")
			continue
		}
		log.Info().Str("path", dir).Msg("[EXECUTOR] removed empty directory")
	}
}
