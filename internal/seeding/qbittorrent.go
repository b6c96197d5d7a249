// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package seeding

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/cachemover/internal/pathrewriter"
	"github.com/autobrr/cachemover/pkg/hardlink"
	"github.com/autobrr/cachemover/pkg/redact"
)

// stopStartMinVersion is the qBittorrent Web API version (2.11.0, shipped with
// qBittorrent 5.0) at which pause/resume was renamed to stop/start.
var stopStartMinVersion = semver.MustParse("2.11.0")

type trackedTorrent struct {
	hash          string
	eta           time.Duration
	completionOn  time.Time
	seedCount     int64
	contentPaths  []string
}

// QBittorrent is a SeedingClient backed by a qBittorrent instance, grounded on
// the teacher's internal/qbittorrent.Client wrapper: a wrapped client plus
// semver-gated feature detection.
type QBittorrent struct {
	client        *qbt.Client
	host          string
	rewriter      pathrewriter.Rewriter
	usesStopStart bool

	scanGroup singleflight.Group
	scannedAt map[string]time.Time

	mu      sync.Mutex
	byInode map[hardlink.FileID][]*trackedTorrent
	paused  []string // hashes paused by this instance, in order
}

// NewQBittorrent logs into host and returns a ready client. rewriter, if nil,
// defaults to a no-op identity translation.
func NewQBittorrent(ctx context.Context, host, username, password string, rewriter pathrewriter.Rewriter) (*QBittorrent, error) {
	c := qbt.NewClient(qbt.Config{Host: host, Username: username, Password: password, Timeout: 30})

	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.LoginCtx(loginCtx); err != nil {
		return nil, fmt.Errorf("qbittorrent login to %s: %w", host, redact.URLError(err))
	}

	usesStopStart := false
	if v, err := c.GetWebAPIVersionCtx(loginCtx); err == nil {
		if parsed, err := semver.NewVersion(v); err == nil {
			usesStopStart = !parsed.LessThan(stopStartMinVersion)
		}
	}

	return &QBittorrent{
		client:        c,
		host:          host,
		rewriter:      rewriter,
		usesStopStart: usesStopStart,
		scannedAt:     make(map[string]time.Time),
		byInode:       make(map[hardlink.FileID][]*trackedTorrent),
	}, nil
}

// String renders a one-line summary for the startup config dump. The host
// itself carries no credentials (those are sent as separate login fields),
// so nothing here needs redaction.
func (q *QBittorrent) String() string {
	return fmt.Sprintf("qbittorrent(%s)", q.host)
}

func (q *QBittorrent) Scan(ctx context.Context, root string) error {
	_, err, _ := q.scanGroup.Do(root, func() (interface{}, error) {
		q.mu.Lock()
		if _, done := q.scannedAt[root]; done {
			q.mu.Unlock()
			return nil, nil
		}
		q.mu.Unlock()

		torrents, err := q.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
			Filter: qbt.TorrentFilterCompleted,
			Sort:   "completion_on",
			Reverse: true,
		})
		if err != nil {
			log.Warn().Err(err).Str("root", root).Msg("qbittorrent scan failed, treating as no torrents")
			q.mu.Lock()
			q.scannedAt[root] = time.Now()
			q.mu.Unlock()
			return nil, nil
		}

		q.mu.Lock()
		defer q.mu.Unlock()
		for i := range torrents {
			t := &torrents[i]
			contentPath := q.onSourceOrRoot(t.ContentPath, root)
			leafPaths, err := expandToLeaves(contentPath)
			if err != nil {
				log.Debug().Err(err).Str("content_path", contentPath).Msg("skipping torrent content path")
				continue
			}
			tracked := &trackedTorrent{
				hash:         t.Hash,
				eta:          time.Duration(t.ETA) * time.Second,
				completionOn: time.Unix(t.CompletionOn, 0),
				seedCount:    t.NumSeeds,
				contentPaths: leafPaths,
			}
			for _, p := range leafPaths {
				info, err := os.Stat(p)
				if err != nil {
					continue
				}
				id, _, err := hardlink.GetFileID(info, p)
				if err != nil {
					continue
				}
				q.byInode[id] = append(q.byInode[id], tracked)
			}
		}
		q.scannedAt[root] = time.Now()
		return nil, nil
	})
	return err
}

// onSourceOrRoot translates a client-reported path onto the tier being
// scanned: the source-tier translation when it lies under root, the
// destination-tier translation otherwise.
func (q *QBittorrent) onSourceOrRoot(p, root string) string {
	if q.rewriter == nil {
		return p
	}
	src := q.rewriter.OnSource(p)
	if rel, err := filepath.Rel(root, src); err == nil && filepath.IsLocal(rel) {
		return src
	}
	return q.rewriter.OnDestination(p)
}

func expandToLeaves(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{p}, nil
	}
	var leaves []string
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			leaves = append(leaves, path)
		}
		return nil
	})
	return leaves, err
}

func (q *QBittorrent) Signals(id hardlink.FileID) []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	tracked := q.byInode[id]
	if len(tracked) == 0 {
		return nil
	}
	signals := make([]Signal, 0, len(tracked))
	now := time.Now()
	for _, t := range tracked {
		signals = append(signals, Signal{
			ETA:           t.eta,
			CompletionAge: now.Sub(t.completionOn),
			SeedCount:     t.seedCount,
		})
	}
	return signals
}

func (q *QBittorrent) Pause(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	id, _, err := hardlink.GetFileID(info, path)
	if err != nil {
		return nil
	}

	q.mu.Lock()
	tracked := q.byInode[id]
	var toPause []string
	for _, t := range tracked {
		if !containsString(q.paused, t.hash) {
			toPause = append(toPause, t.hash)
		}
	}
	q.mu.Unlock()

	if len(toPause) == 0 {
		return nil
	}

	var callErr error
	if q.usesStopStart {
		callErr = q.client.StopCtx(ctx, toPause)
	} else {
		callErr = q.client.PauseCtx(ctx, toPause)
	}
	if callErr != nil {
		log.Warn().Err(callErr).Strs("hashes", toPause).Msg("failed to pause torrent")
		return nil
	}

	q.mu.Lock()
	q.paused = append(q.paused, toPause...)
	q.mu.Unlock()
	return nil
}

func (q *QBittorrent) ResumeAll(ctx context.Context) error {
	q.mu.Lock()
	hashes := q.paused
	q.paused = nil
	q.mu.Unlock()

	for i := len(hashes) - 1; i >= 0; i-- {
		hash := hashes[i]
		var err error
		if q.usesStopStart {
			err = q.client.StartCtx(ctx, []string{hash})
		} else {
			err = q.client.ResumeCtx(ctx, []string{hash})
		}
		if err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("failed to resume torrent")
		}
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
