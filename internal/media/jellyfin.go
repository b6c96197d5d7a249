// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/cachemover/internal/buildinfo"
	"github.com/autobrr/cachemover/internal/pathrewriter"
	"github.com/autobrr/cachemover/pkg/hardlink"
	"github.com/autobrr/cachemover/pkg/httphelpers"
	"github.com/autobrr/cachemover/pkg/redact"
)

// JellyfinPlayer talks to a single Jellyfin (or Emby-compatible) server over
// its REST API, grounded on
// original_source/mover/modules/media/jellyfin.py: per-user library
// enumeration, an IsUnplayed sweep for the unwatched set, and a per-user
// "next up" walk for continue-watching.
type JellyfinPlayer struct {
	httpClient *http.Client
	baseURL    string
	token      string
	libraries  map[string]bool
	users      map[string]bool
	rewriter   pathrewriter.Rewriter
	now        time.Time

	warmGroup singleflight.Group
	warmCache *ttlcache.Cache[string, bool]
	unwatched *ttlcache.Cache[string, bool] // source path -> unplayed for at least one user

	mu       sync.RWMutex
	cwSource map[hardlink.FileID]bool // continue-watching inodes already present on source
	cwItems  []Item
}

func NewJellyfinPlayer(baseURL, token string, libraries, users []string, rewriter pathrewriter.Rewriter, now time.Time) *JellyfinPlayer {
	return &JellyfinPlayer{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		token:      token,
		libraries:  toSet(libraries),
		users:      toSet(users),
		rewriter:   rewriter,
		now:        now,
		warmCache:  ttlcache.New(ttlcache.Options[string, bool]{}.SetDefaultTTL(warmTTL)),
		unwatched:  ttlcache.New(ttlcache.Options[string, bool]{}.SetDefaultTTL(warmTTL)),
	}
}

// String renders a one-line summary for the startup config dump. The API
// key is sent as a header, never embedded in baseURL, so nothing here needs
// redaction.
func (j *JellyfinPlayer) String() string {
	return fmt.Sprintf("jellyfin(%s, libraries=%d, users=%d)", j.baseURL, len(j.libraries), len(j.users))
}

func (j *JellyfinPlayer) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

type jellyfinUser struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type jellyfinLibrary struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type jellyfinMediaSource struct {
	Path string `json:"Path"`
}

type jellyfinUserData struct {
	Played bool `json:"Played"`
}

type jellyfinItem struct {
	ID            string                `json:"Id"`
	Name          string                `json:"Name"`
	Type          string                `json:"Type"`
	SeriesID      string                `json:"SeriesId"`
	ParentID      string                `json:"ParentId"`
	SeasonNumber  int                   `json:"SeasonNumber"`
	IndexNumber   int                   `json:"IndexNumber"`
	MediaSources  []jellyfinMediaSource `json:"MediaSources"`
	UserData      jellyfinUserData      `json:"UserData"`
}

type jellyfinItemsResponse struct {
	Items []jellyfinItem `json:"Items"`
}

type jellyfinSession struct {
	NowPlayingItem *jellyfinItem `json:"NowPlayingItem"`
	NowViewingItem *jellyfinItem `json:"NowViewingItem"`
}

func (j *JellyfinPlayer) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	u := j.baseURL + "/emby" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Emby-Token", j.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jellyfin request %s: %w", endpoint, redact.URLError(err))
	}
	defer httphelpers.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jellyfin request %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (j *JellyfinPlayer) getUsers(ctx context.Context) ([]jellyfinUser, error) {
	var all []jellyfinUser
	if err := j.get(ctx, "/Users", nil, &all); err != nil {
		return nil, err
	}
	if j.users == nil {
		return all, nil
	}
	var filtered []jellyfinUser
	for _, u := range all {
		if j.users[u.Name] {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

func (j *JellyfinPlayer) getLibraryIDs(ctx context.Context, userID string) (map[string]bool, error) {
	var resp jellyfinItemsResponseLibraries
	if err := j.get(ctx, fmt.Sprintf("/Users/%s/Views", userID), nil, &resp); err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, lib := range resp.Items {
		if j.libraries == nil || j.libraries[lib.Name] {
			ids[lib.ID] = true
		}
	}
	return ids, nil
}

type jellyfinItemsResponseLibraries struct {
	Items []jellyfinLibrary `json:"Items"`
}

func (j *JellyfinPlayer) warm(ctx context.Context) {
	if _, found := j.warmCache.Get("warmed"); found {
		return
	}

	_, _, _ = j.warmGroup.Do("warm", func() (interface{}, error) {
		if _, found := j.warmCache.Get("warmed"); found {
			return nil, nil
		}

		unwatched, err := j.scanUnwatched(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", j.baseURL).Msg("jellyfin unwatched scan failed")
			unwatched = map[string]bool{}
		}

		cwSource, cwItems, err := j.scanContinueWatching(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", j.baseURL).Msg("jellyfin continue-watching scan failed")
		}

		for path, isUnwatched := range unwatched {
			j.unwatched.Set(path, isUnwatched, ttlcache.DefaultTTL)
		}

		j.mu.Lock()
		j.cwSource = cwSource
		j.cwItems = cwItems
		j.mu.Unlock()

		j.warmCache.Set("warmed", true, ttlcache.DefaultTTL)
		return nil, nil
	})
}

func (j *JellyfinPlayer) scanUnwatched(ctx context.Context) (map[string]bool, error) {
	users, err := j.getUsers(ctx)
	if err != nil {
		return nil, err
	}

	unwatched := make(map[string]bool)
	for _, user := range users {
		libraryIDs, err := j.getLibraryIDs(ctx, user.ID)
		if err != nil {
			continue
		}
		for libraryID := range libraryIDs {
			params := url.Values{}
			params.Set("Filters", "IsUnplayed")
			params.Set("ParentId", libraryID)
			params.Set("UserId", user.ID)
			params.Set("IsMissing", "false")

			var resp jellyfinItemsResponse
			if err := j.get(ctx, "/Items", params, &resp); err != nil {
				continue
			}
			for _, item := range resp.Items {
				for _, src := range item.MediaSources {
					if src.Path == "" {
						continue
					}
					path := j.rewriter.OnSource(src.Path)
					if _, err := os.Stat(path); err == nil {
						unwatched[path] = true
					}
				}
			}
		}
	}
	return unwatched, nil
}

func (j *JellyfinPlayer) scanContinueWatching(ctx context.Context) (map[hardlink.FileID]bool, []Item, error) {
	users, err := j.getUsers(ctx)
	if err != nil {
		return nil, nil, err
	}

	cutoff := j.now.Add(-ContinueWatchingCutoff)
	cwSource := make(map[hardlink.FileID]bool)
	var items []Item

	for _, user := range users {
		allowedLibraries, err := j.getLibraryIDs(ctx, user.ID)
		if err != nil {
			continue
		}

		params := url.Values{}
		params.Set("userId", user.ID)
		params.Set("limit", "20")
		params.Set("nextUpDateCutoff", cutoff.Format(time.RFC3339))
		params.Set("enableUserData", "true")
		params.Set("enableResumable", "true")
		params.Set("disableFirstEpisode", "false")
		params.Set("fields", "MediaSources")

		var nextUp jellyfinItemsResponse
		if err := j.get(ctx, "/Shows/NextUp", params, &nextUp); err != nil {
			continue
		}

		for _, nextItem := range nextUp.Items {
			if nextItem.SeriesID == "" || !allowedLibraries[nextItem.ParentID] {
				continue
			}

			season := nextItem.SeasonNumber
			if season == 0 {
				season = 1
			}
			startIndex := nextItem.IndexNumber - 1

			remaining := 25
			bucketIndex := 0
			lastPlayed := cutoff.Unix() // epoch used only for ordering within this walk; NextUp has no timestamp
			if !nextItem.UserData.Played {
				lastPlayed = j.now.Unix()
			}

			for remaining > 0 {
				episodes, err := j.getEpisodes(ctx, nextItem.SeriesID, user.ID, season, startIndex)
				if err != nil || len(episodes) == 0 {
					break
				}

				for _, ep := range episodes {
					if remaining <= 0 {
						break
					}
					if ep.UserData.Played {
						continue
					}
					for _, src := range ep.MediaSources {
						if src.Path == "" {
							continue
						}
						sourcePath := j.rewriter.OnSource(src.Path)
						if info, err := os.Stat(sourcePath); err == nil {
							if id, _, err := hardlink.GetFileID(info, sourcePath); err == nil {
								cwSource[id] = true
							}
							continue // already on source
						}
						destPath := j.rewriter.OnDestination(src.Path)
						if _, err := os.Stat(destPath); err != nil {
							continue
						}
						items = append(items, Item{
							LastPlayedEpoch: lastPlayed,
							BucketIndex:     bucketIndex,
							DestinationPath: destPath,
						})
						bucketIndex++
					}
					remaining--
				}

				season++
				startIndex = 0
			}
		}
	}

	return cwSource, items, nil
}

func (j *JellyfinPlayer) getEpisodes(ctx context.Context, seriesID, userID string, season, startIndex int) ([]jellyfinItem, error) {
	params := url.Values{}
	params.Set("userId", userID)
	params.Set("enableUserData", "true")
	params.Set("startIndex", fmt.Sprintf("%d", startIndex))
	params.Set("season", fmt.Sprintf("%d", season))
	params.Set("fields", "MediaSources")
	params.Set("sortBy", "IndexNumber")
	params.Set("sortOrder", "Ascending")

	var resp jellyfinItemsResponse
	if err := j.get(ctx, fmt.Sprintf("/Shows/%s/Episodes", seriesID), params, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (j *JellyfinPlayer) IsPlaying(ctx context.Context, path string) (bool, error) {
	targetInfo, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	targetID, _, err := hardlink.GetFileID(targetInfo, path)
	if err != nil {
		return false, nil
	}

	var sessions []jellyfinSession
	if err := j.get(ctx, "/Sessions", nil, &sessions); err != nil {
		return false, fmt.Errorf("jellyfin sessions: %w", err)
	}

	for _, session := range sessions {
		for _, item := range []*jellyfinItem{session.NowPlayingItem, session.NowViewingItem} {
			if item == nil {
				continue
			}
			for _, src := range item.MediaSources {
				if src.Path == "" {
					continue
				}
				source := j.rewriter.OnSource(src.Path)
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
	}
	return false, nil
}

func (j *JellyfinPlayer) SortSignals(ctx context.Context, path string) (bool, int, error) {
	j.warm(ctx)

	j.mu.RLock()
	defer j.mu.RUnlock()

	inCW := false
	if info, err := os.Stat(path); err == nil {
		if id, _, err := hardlink.GetFileID(info, path); err == nil {
			inCW = j.cwSource[id]
		}
	}

	unwatchedUsers := 0
	if isUnwatched, _ := j.unwatched.Get(path); isUnwatched {
		unwatchedUsers = 1
	}
	return inCW, unwatchedUsers, nil
}

func (j *JellyfinPlayer) ContinueWatching(ctx context.Context, pq *PriorityQueue) error {
	j.warm(ctx)

	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, item := range j.cwItems {
		pq.Add(item)
	}
	return nil
}
