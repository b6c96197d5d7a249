// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/cachemover/internal/buildinfo"
	"github.com/autobrr/cachemover/internal/pathrewriter"
	"github.com/autobrr/cachemover/pkg/hardlink"
	"github.com/autobrr/cachemover/pkg/httphelpers"
	"github.com/autobrr/cachemover/pkg/redact"
)

// warmTTL bounds how long one warm() sweep is trusted before the next
// SortSignals/ContinueWatching call triggers a fresh scan. Mirrors the
// teacher's 2-minute hardlink-index TTL in internal/services/automations.
const warmTTL = 2 * time.Minute

// PlexPlayer talks to a single Plex Media Server over its REST API,
// grounded on original_source/mover/modules/media/plex.py's PlexServer-based
// implementation: one sweep per library section for the unwatched count, one
// probe per active session for IsPlaying, and a continue-watching walk that
// expands each "on deck" series forward from its next-up episode.
type PlexPlayer struct {
	httpClient *http.Client
	baseURL    string
	token      string
	libraries  map[string]bool // empty means "all libraries"
	users      map[string]bool // shown by String() only; no request is filtered by user
	rewriter   pathrewriter.Rewriter
	now        time.Time

	warmGroup singleflight.Group
	warmCache *ttlcache.Cache[string, bool]
	unwatched *ttlcache.Cache[string, int] // source path -> number of library sections listing it unwatched for the token's account

	mu       sync.RWMutex
	cwSource map[hardlink.FileID]bool // continue-watching inodes already present on source
	cwItems  []Item
}

// NewPlexPlayer returns a client for the Plex server at baseURL.
func NewPlexPlayer(baseURL, token string, libraries, users []string, rewriter pathrewriter.Rewriter, now time.Time) *PlexPlayer {
	return &PlexPlayer{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		token:      token,
		libraries:  toSet(libraries),
		users:      toSet(users),
		rewriter:   rewriter,
		now:        now,
		warmCache:  ttlcache.New(ttlcache.Options[string, bool]{}.SetDefaultTTL(warmTTL)),
		unwatched:  ttlcache.New(ttlcache.Options[string, int]{}.SetDefaultTTL(warmTTL)),
	}
}

// String renders a one-line summary for the startup config dump. The token
// is sent as a header, never embedded in baseURL, so nothing here needs
// redaction.
func (p *PlexPlayer) String() string {
	return fmt.Sprintf("plex(%s, libraries=%d, users=%d)", p.baseURL, len(p.libraries), len(p.users))
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func (p *PlexPlayer) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

type plexSection struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type plexMediaPart struct {
	File string `json:"file"`
}

type plexMedia struct {
	Part []plexMediaPart `json:"Part"`
}

type plexMetadata struct {
	RatingKey          string      `json:"ratingKey"`
	Title              string      `json:"title"`
	Type               string      `json:"type"`
	LibrarySectionID   string      `json:"librarySectionID"`
	LibrarySectionTitle string     `json:"librarySectionTitle"`
	LastViewedAt       int64       `json:"lastViewedAt"`
	ViewCount          int         `json:"viewCount"`
	ParentIndex        int         `json:"parentIndex"` // season number
	Index              int         `json:"index"`       // episode number
	GrandparentKey     string      `json:"grandparentKey"`
	Media              []plexMedia `json:"Media"`
}

type plexContainer[T any] struct {
	MediaContainer struct {
		Metadata []T `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (p *PlexPlayer) doGet(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Token", p.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("plex request %s: %w", path, redact.URLError(err))
	}
	defer httphelpers.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex request %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *PlexPlayer) warm(ctx context.Context) {
	if _, found := p.warmCache.Get("warmed"); found {
		return
	}

	_, _, _ = p.warmGroup.Do("warm", func() (interface{}, error) {
		if _, found := p.warmCache.Get("warmed"); found {
			return nil, nil
		}

		unwatched, err := p.scanUnwatched(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", p.baseURL).Msg("plex unwatched scan failed")
			unwatched = map[string]int{}
		}

		cwSource, cwItems, err := p.scanContinueWatching(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", p.baseURL).Msg("plex continue-watching scan failed")
		}

		for path, count := range unwatched {
			p.unwatched.Set(path, count, ttlcache.DefaultTTL)
		}

		p.mu.Lock()
		p.cwSource = cwSource
		p.cwItems = cwItems
		p.mu.Unlock()

		p.warmCache.Set("warmed", true, ttlcache.DefaultTTL)
		return nil, nil
	})
}

func (p *PlexPlayer) scanUnwatched(ctx context.Context) (map[string]int, error) {
	var sections []plexSection
	var container struct {
		MediaContainer struct {
			Directory []plexSection `json:"Directory"`
		} `json:"MediaContainer"`
	}
	if err := p.doGet(ctx, "/library/sections", &container); err != nil {
		return nil, err
	}
	sections = container.MediaContainer.Directory

	counts := make(map[string]int)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(runtime.NumCPU(), 4))

	for _, section := range sections {
		if section.Type != "movie" && section.Type != "show" {
			continue
		}
		if p.libraries != nil && !p.libraries[section.Title] {
			continue
		}
		section := section
		g.Go(func() error {
			var items plexContainer[plexMetadata]
			path := fmt.Sprintf("/library/sections/%s/all?unwatched=1", section.Key)
			if err := p.doGet(gctx, path, &items); err != nil {
				return nil // a section failure does not fail the whole sweep
			}
			local := map[string]bool{}
			for _, item := range items.MediaContainer.Metadata {
				for _, media := range item.Media {
					for _, part := range media.Part {
						source := p.rewriter.OnSource(part.File)
						if _, err := os.Stat(source); err == nil {
							local[source] = true
						}
					}
				}
			}
			mu.Lock()
			for path := range local {
				counts[path]++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return counts, nil
}

// scanContinueWatching reads the continue-watching hub of the token's own
// account (other users' lists are not read), builds the
// priority-ordered item set, and returns the set of inodes already resident
// on source so the planner can skip them.
func (p *PlexPlayer) scanContinueWatching(ctx context.Context) (map[hardlink.FileID]bool, []Item, error) {
	var container struct {
		MediaContainer struct {
			Metadata []plexMetadata `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if err := p.doGet(ctx, "/hubs/continueWatching/items", &container); err != nil {
		return nil, nil, err
	}

	cutoff := p.now.Add(-ContinueWatchingCutoff)
	type bucket struct {
		key   int64
		paths [][]string // each entry is one episode's set of part files
	}
	var buckets []bucket

	for _, item := range container.MediaContainer.Metadata {
		if p.libraries != nil && !p.libraries[item.LibrarySectionTitle] {
			continue
		}
		if item.LastViewedAt == 0 || time.Unix(item.LastViewedAt, 0).Before(cutoff) {
			continue
		}

		switch item.Type {
		case "movie":
			if item.ViewCount > 0 {
				continue
			}
			buckets = append(buckets, bucket{key: item.LastViewedAt, paths: [][]string{partFiles(item)}})
		case "episode":
			episodes, err := p.forwardEpisodes(ctx, item)
			if err != nil {
				log.Warn().Err(err).Str("title", item.Title).Msg("plex forward episode walk failed")
				episodes = [][]string{partFiles(item)}
			}
			buckets = append(buckets, bucket{key: item.LastViewedAt, paths: episodes})
		}
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].key > buckets[j].key })

	cwSource := make(map[hardlink.FileID]bool)
	var items []Item
	for _, b := range buckets {
		for idx, files := range b.paths {
			for _, f := range files {
				source := p.rewriter.OnSource(f)
				if info, err := os.Stat(source); err == nil {
					if id, _, err := hardlink.GetFileID(info, source); err == nil {
						cwSource[id] = true
					}
					continue
				}

				dest := p.rewriter.OnDestination(f)
				if _, err := os.Stat(dest); err != nil {
					continue
				}
				items = append(items, Item{
					LastPlayedEpoch: b.key,
					BucketIndex:     idx,
					DestinationPath: dest,
				})
			}
		}
	}

	return cwSource, items, nil
}

// forwardEpisodes walks a show forward from the given next-up episode,
// grounded on original_source/mover/modules/media/plex.py's
// __continue_watching (show.episodes(), keyed by (seasonNumber, index), the
// key advanced by one when the next-up episode is already watched). A watched
// episode met further on discards what was collected so far, so the walk
// restarts after it. Capped at 25 episodes per series.
func (p *PlexPlayer) forwardEpisodes(ctx context.Context, item plexMetadata) ([][]string, error) {
	const maxPerSeries = 25

	if item.GrandparentKey == "" {
		return [][]string{partFiles(item)}, nil
	}

	var container plexContainer[plexMetadata]
	if err := p.doGet(ctx, item.GrandparentKey+"/allLeaves", &container); err != nil {
		return nil, err
	}

	season, index := item.ParentIndex, item.Index
	if item.ViewCount > 0 {
		index++
	}

	episodes := container.MediaContainer.Metadata
	sort.Slice(episodes, func(i, j int) bool {
		if episodes[i].ParentIndex != episodes[j].ParentIndex {
			return episodes[i].ParentIndex < episodes[j].ParentIndex
		}
		return episodes[i].Index < episodes[j].Index
	})

	var out [][]string
	for _, ep := range episodes {
		if ep.ParentIndex < season || (ep.ParentIndex == season && ep.Index < index) {
			continue
		}
		if ep.ViewCount > 0 {
			out = nil
			continue
		}
		out = append(out, partFiles(ep))
		if len(out) >= maxPerSeries {
			break
		}
	}
	if len(out) == 0 {
		out = [][]string{partFiles(item)}
	}
	return out, nil
}

func partFiles(item plexMetadata) []string {
	var files []string
	for _, media := range item.Media {
		for _, part := range media.Part {
			files = append(files, part.File)
		}
	}
	return files
}

func (p *PlexPlayer) IsPlaying(ctx context.Context, path string) (bool, error) {
	targetInfo, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	targetID, _, err := hardlink.GetFileID(targetInfo, path)
	if err != nil {
		return false, nil
	}

	var sessions plexContainer[plexMetadata]
	if err := p.doGet(ctx, "/status/sessions", &sessions); err != nil {
		return false, fmt.Errorf("plex sessions: %w", err)
	}

	for _, item := range sessions.MediaContainer.Metadata {
		for _, f := range partFiles(item) {
			source := p.rewriter.OnSource(f)
			info, err := os.Stat(source)
			if err != nil {
				continue
			}
			id, _, err := hardlink.GetFileID(info, source)
			if err != nil {
				continue
			}
			if id == targetID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (p *PlexPlayer) SortSignals(ctx context.Context, path string) (bool, int, error) {
	p.warm(ctx)

	p.mu.RLock()
	inCW := false
	info, err := os.Stat(path)
	if err == nil {
		if id, _, err := hardlink.GetFileID(info, path); err == nil {
			inCW = p.cwSource[id]
		}
	}
	p.mu.RUnlock()

	unwatchedCount, _ := p.unwatched.Get(path)
	return inCW, unwatchedCount, nil
}

func (p *PlexPlayer) ContinueWatching(ctx context.Context, pq *PriorityQueue) error {
	p.warm(ctx)

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, item := range p.cwItems {
		pq.Add(item)
	}
	return nil
}
