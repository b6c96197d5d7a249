// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/cachemover/internal/mapping"
	"github.com/autobrr/cachemover/internal/media"
	"github.com/autobrr/cachemover/internal/runctx"
	"github.com/autobrr/cachemover/internal/seeding"
	"github.com/autobrr/cachemover/pkg/hardlink"
)

// scenarioSeeder records pause/resume calls without covering any file, so it
// never blocks a move but still exercises the pause/resume_all contract.
type scenarioSeeder struct {
	paused  []string
	resumed bool
}

func (s *scenarioSeeder) Scan(ctx context.Context, root string) error { return nil }
func (s *scenarioSeeder) Signals(id hardlink.FileID) []seeding.Signal { return nil }
func (s *scenarioSeeder) Pause(ctx context.Context, path string) error {
	s.paused = append(s.paused, path)
	return nil
}
func (s *scenarioSeeder) ResumeAll(ctx context.Context) error {
	s.resumed = true
	return nil
}

// scenarioPlayer reports a fixed playing path and, optionally, one
// continue-watching candidate.
type scenarioPlayer struct {
	playingPath string
	cwCandidate *media.Item
}

func (p *scenarioPlayer) IsPlaying(ctx context.Context, path string) (bool, error) {
	return p.playingPath != "" && path == p.playingPath, nil
}
func (p *scenarioPlayer) SortSignals(ctx context.Context, path string) (bool, int, error) {
	return false, 0, nil
}
func (p *scenarioPlayer) ContinueWatching(ctx context.Context, pq *media.PriorityQueue) error {
	if p.cwCandidate != nil {
		pq.Add(*p.cwCandidate)
	}
	return nil
}
func (p *scenarioPlayer) Close() error { return nil }

func writeScenarioFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestSimpleDemotionMovesAndDeletes covers scenario 1: one plain file, over
// threshold, no hardlinks, no external signals.
func TestSimpleDemotionMovesAndDeletes(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()
	f := filepath.Join(source, "movie.mkv")
	writeScenarioFile(t, f, "payload-bytes")

	m := &mapping.Mapping{
		Source:             mapping.Tier{Root: source},
		Destination:        mapping.Tier{Root: dest},
		DemoteThresholdPct: 0, // guarantees budget > 0 regardless of host disk usage
	}
	rc := runctx.New(time.Now(), false)

	summary, err := Run(context.Background(), m, rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len("payload-bytes")), summary.BytesDemoted)

	_, err = os.Stat(f)
	assert.True(t, os.IsNotExist(err), "source copy must be deleted")
	_, err = os.Stat(filepath.Join(dest, "movie.mkv"))
	assert.NoError(t, err, "destination copy must exist")
}

// TestHardlinkGroupFreesSizeOnce covers scenario 2: three paths sharing one
// inode; bytes_freed must equal the shared size, not 3x.
func TestHardlinkGroupFreesSizeOnce(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()

	leader := filepath.Join(source, "season", "ep1.mkv")
	writeScenarioFile(t, leader, "shared-inode-data")
	for _, name := range []string{"backup1.mkv", "backup2.mkv"} {
		require.NoError(t, os.Link(leader, filepath.Join(source, "season", name)))
	}

	m := &mapping.Mapping{
		Source:             mapping.Tier{Root: source},
		Destination:        mapping.Tier{Root: dest},
		DemoteThresholdPct: 0,
	}
	rc := runctx.New(time.Now(), false)

	summary, err := Run(context.Background(), m, rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len("shared-inode-data")), summary.BytesDemoted, "freed once, not per sibling")

	var destInfos []os.FileInfo
	for _, name := range []string{"ep1.mkv", "backup1.mkv", "backup2.mkv"} {
		info, err := os.Stat(filepath.Join(dest, "season", name))
		require.NoError(t, err)
		destInfos = append(destInfos, info)
	}
	firstID, _, err := hardlink.GetFileID(destInfos[0], filepath.Join(dest, "season", "ep1.mkv"))
	require.NoError(t, err)
	for i := 1; i < len(destInfos); i++ {
		id, _, err := hardlink.GetFileID(destInfos[i], filepath.Join(dest, "season"))
		require.NoError(t, err)
		assert.Equal(t, firstID, id, "all siblings must share the leader's new inode")
	}
}

// TestActivePlaybackImmunity covers scenario 3: a file a media player
// reports as playing must never be deleted from source.
func TestActivePlaybackImmunity(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()
	f := filepath.Join(source, "now-playing.mkv")
	writeScenarioFile(t, f, "currently-watching")

	m := &mapping.Mapping{
		Source:             mapping.Tier{Root: source},
		Destination:        mapping.Tier{Root: dest},
		DemoteThresholdPct: 0,
		Players:            []media.Player{&scenarioPlayer{playingPath: f}},
	}
	rc := runctx.New(time.Now(), false)

	_, err := Run(context.Background(), m, rc)
	require.NoError(t, err)

	_, err = os.Stat(f)
	assert.NoError(t, err, "an actively playing file must never be deleted from source")
	_, err = os.Stat(filepath.Join(dest, "now-playing.mkv"))
	assert.True(t, os.IsNotExist(err), "an actively playing file must never be copied to destination")
}

// TestSeededFilePausedAndResumed covers scenario 4: pause is called before
// the move, resume_all runs on the mapping's exit.
func TestSeededFilePausedAndResumed(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()
	f := filepath.Join(source, "seeded.mkv")
	writeScenarioFile(t, f, "still-seeding")

	seeder := &scenarioSeeder{}
	m := &mapping.Mapping{
		Source:             mapping.Tier{Root: source},
		Destination:        mapping.Tier{Root: dest},
		DemoteThresholdPct: 0,
		Seeders:            []seeding.Client{seeder},
	}
	rc := runctx.New(time.Now(), false)

	_, err := Run(context.Background(), m, rc)
	require.NoError(t, err)
	assert.Contains(t, seeder.paused, f, "pause must be called before the copy")
	assert.True(t, seeder.resumed, "resume_all must run on mapping exit")
}

// TestPromotionHardlinksBackWithoutDeletingDestination covers scenario 5:
// promotion relinks a continue-watching candidate back to source but leaves
// the destination copy intact.
func TestPromotionHardlinksBackWithoutDeletingDestination(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()
	destFile := filepath.Join(dest, "resume-watching.mkv")
	writeScenarioFile(t, destFile, "pick-up-where-left-off")

	m := &mapping.Mapping{
		Source:              mapping.Tier{Root: source},
		Destination:         mapping.Tier{Root: dest},
		DemoteThresholdPct:  100, // nothing to demote
		PromoteThresholdPct: 100, // guarantees promote budget > 0
		Players: []media.Player{&scenarioPlayer{
			cwCandidate: &media.Item{LastPlayedEpoch: 1, DestinationPath: destFile},
		}},
	}
	rc := runctx.New(time.Now(), false)

	summary, err := Run(context.Background(), m, rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len("pick-up-where-left-off")), summary.BytesPromoted)

	_, err = os.Stat(destFile)
	assert.NoError(t, err, "promotion never deletes the destination copy")
	sourceFile := filepath.Join(source, "resume-watching.mkv")
	_, err = os.Stat(sourceFile)
	assert.NoError(t, err, "promoted file must now exist on source")
}

// TestDryRunMutatesNothing covers scenario 6 for the demotion phase:
// identical accounting, zero filesystem mutation. Promotion is disabled here
// (no promote threshold, no players).
func TestDryRunMutatesNothing(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()
	f := filepath.Join(source, "movie.mkv")
	writeScenarioFile(t, f, "untouched")

	m := &mapping.Mapping{
		Source:             mapping.Tier{Root: source},
		Destination:        mapping.Tier{Root: dest},
		DemoteThresholdPct: 0,
	}
	rc := runctx.New(time.Now(), true)

	summary, err := Run(context.Background(), m, rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len("untouched")), summary.BytesDemoted, "accounting still reports what would move")

	_, err = os.Stat(f)
	assert.NoError(t, err, "dry run must not delete the source file")
	_, err = os.Stat(filepath.Join(dest, "movie.mkv"))
	assert.True(t, os.IsNotExist(err), "dry run must not create a destination copy")
}
