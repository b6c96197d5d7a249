// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mapping

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autobrr/cachemover/internal/media"
	"github.com/autobrr/cachemover/internal/seeding"
	"github.com/autobrr/cachemover/pkg/hardlink"
)

// Mapping combines one source/destination tier pair with its thresholds, age
// window, ignore patterns, and attached collaborators, and aggregates their
// signals into a single sort key per path.
type Mapping struct {
	Source      Tier
	Destination Tier

	DemoteThresholdPct  float64
	PromoteThresholdPct float64
	MinAge              time.Duration
	MaxAge              time.Duration // zero means unbounded

	Ignores []string

	Seeders []seeding.Client
	Players []media.Player
}

// String renders a multi-line summary for the startup config dump,
// mirroring original_source/mover/modules/config.py's MovingMapping.__str__.
func (m *Mapping) String() string {
	maxAge := "..."
	if m.MaxAge > 0 {
		maxAge = m.MaxAge.String()
	}

	clients := make([]string, 0, len(m.Seeders))
	for _, c := range m.Seeders {
		if s, ok := c.(fmt.Stringer); ok {
			clients = append(clients, s.String())
		} else {
			clients = append(clients, "seeding client")
		}
	}

	players := make([]string, 0, len(m.Players))
	for _, p := range m.Players {
		if s, ok := p.(fmt.Stringer); ok {
			players = append(players, s.String())
		} else {
			players = append(players, "media player")
		}
	}

	return fmt.Sprintf(
		"Mapping:\n"+
			"       Source: %s\n"+
			"       Destination: %s\n"+
			"       Threshold: %.4g%%\n"+
			"       Cache Threshold: %.4g%%\n"+
			"       Age range: %s - %s\n"+
			"       Clients: [%s]\n"+
			"       Players: [%s]\n"+
			"       Ignore patterns: [%s]",
		m.Source.Root, m.Destination.Root,
		m.DemoteThresholdPct, m.PromoteThresholdPct,
		m.MinAge, maxAge,
		strings.Join(clients, ", "),
		strings.Join(players, ", "),
		strings.Join(m.Ignores, ", "),
	)
}

// DemoteBudget returns the number of bytes the source tier is over its
// demote threshold by. If positive, it triggers a Scan(source) on every
// seeder before returning.
func (m *Mapping) DemoteBudget(ctx context.Context) (int64, error) {
	total, used, _, err := m.Source.Usage()
	if err != nil {
		return 0, err
	}

	budget := used - total*int64(m.DemoteThresholdPct)/100
	if budget <= 0 {
		return 0, nil
	}

	m.scanSeeders(ctx, m.Source.Root)
	return budget, nil
}

// PromoteBudget returns the number of bytes the source tier has spare
// relative to its promote threshold, or 0 if promotion is disabled
// (threshold 0) or no media player has any continue-watching candidates in
// pq. It triggers a Scan(destination) on every seeder when the budget is
// positive.
func (m *Mapping) PromoteBudget(ctx context.Context, pq *media.PriorityQueue) (int64, error) {
	if m.PromoteThresholdPct == 0 {
		return 0, nil
	}

	total, used, _, err := m.Source.Usage()
	if err != nil {
		return 0, err
	}

	budget := total*int64(m.PromoteThresholdPct)/100 - used
	if budget <= 0 {
		return 0, nil
	}
	if pq == nil || pq.Len() == 0 {
		return 0, nil
	}

	m.scanSeeders(ctx, m.Destination.Root)
	return budget, nil
}

func (m *Mapping) scanSeeders(ctx context.Context, root string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(runtime.NumCPU(), 4))
	for _, client := range m.Seeders {
		client := client
		g.Go(func() error {
			return client.Scan(gctx, root)
		})
	}
	_ = g.Wait() // scan errors are logged by the client itself, never fatal to the run
}

// ContinueWatchingQueue builds the aggregate continue-watching priority
// queue across every attached media player, deduped by destination path.
func (m *Mapping) ContinueWatchingQueue(ctx context.Context) *media.PriorityQueue {
	pq := media.NewPriorityQueue()
	for _, player := range m.Players {
		_ = player.ContinueWatching(ctx, pq) // a player failure contributes no candidates
	}
	return pq
}

// IsActive reports whether any media player considers path currently
// playing. The first true result cancels the remaining probes; every probe
// is guaranteed to have observed cancellation before IsActive returns.
func (m *Mapping) IsActive(ctx context.Context, path string) bool {
	if len(m.Players) == 0 {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	active := false

	for _, player := range m.Players {
		player := player
		wg.Add(1)
		go func() {
			defer wg.Done()
			playing, err := player.IsPlaying(ctx, path)
			if err != nil || !playing {
				return
			}
			mu.Lock()
			active = true
			mu.Unlock()
			cancel()
		}()
	}

	wg.Wait()
	return active
}

// IsIgnored reports whether path matches any configured ignore glob.
func (m *Mapping) IsIgnored(path string) bool {
	for _, pattern := range m.Ignores {
		if isIgnoredPath(pattern, path) {
			return true
		}
	}
	return false
}

// isIgnoredPath matches pattern against path both as a glob over the full
// path and, for directory-style patterns, as a component-boundary-safe
// prefix so "*/orphans/*" prunes the orphans directory itself and everything
// under it without also matching "orphans-backup".
func isIgnoredPath(pattern, path string) bool {
	if matched, err := filepath.Match(pattern, path); err == nil && matched {
		return true
	}

	prefix := strings.TrimSuffix(pattern, "/*")
	if prefix == pattern {
		return false
	}
	if matched, err := filepath.Match(prefix, path); err == nil && matched {
		return true
	}

	base := filepath.Base(prefix)
	return pathHasComponent(path, base)
}

func pathHasComponent(path, component string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == component {
			return true
		}
	}
	return false
}

// WithinAgeRange reports whether birthTime falls within [MinAge, MaxAge] ago
// relative to now. MaxAge zero means unbounded.
func (m *Mapping) WithinAgeRange(now, birthTime time.Time) bool {
	age := now.Sub(birthTime)
	if age < m.MinAge {
		return false
	}
	if m.MaxAge > 0 && age > m.MaxAge {
		return false
	}
	return true
}

// SortKey computes the demotion ordering key for one inode group's leader
// path. ctx is used for the collaborator signal calls, which are read-only
// and side-effect-free (Scan must already have populated the caches).
func (m *Mapping) SortKey(ctx context.Context, path string, id hardlink.FileID, size int64, birthTime time.Time) SortKey {
	var inContinueWatching bool
	var unwatchedUsers int
	for _, player := range m.Players {
		cw, unwatched, err := player.SortSignals(ctx, path)
		if err != nil {
			continue
		}
		if cw {
			inContinueWatching = true
		}
		unwatchedUsers += unwatched
	}

	var signals []seeding.Signal
	for _, client := range m.Seeders {
		signals = append(signals, client.Signals(id)...)
	}

	key := SortKey{
		UnwatchedUsersLeft: unwatchedUsers,
		HasTorrent:         1,
		NegSize:            -size,
		BirthTime:          birthTime,
	}
	if inContinueWatching {
		key.InContinueWatching = 1
	}
	if len(signals) > 0 {
		key.HasTorrent = 0
		key.NumTorrentsCoveringFile = len(signals)

		maxETA := signals[0].ETA
		minCompletionAge := signals[0].CompletionAge
		minSeedCount := signals[0].SeedCount
		for _, s := range signals[1:] {
			if s.ETA > maxETA {
				maxETA = s.ETA
			}
			if s.CompletionAge < minCompletionAge {
				minCompletionAge = s.CompletionAge
			}
			if s.SeedCount < minSeedCount {
				minSeedCount = s.SeedCount
			}
		}
		key.TorrentETAMax = maxETA
		key.NegCompletionAgeMin = -minCompletionAge
		key.NegSeedCountMin = -minSeedCount
	}

	return key
}
