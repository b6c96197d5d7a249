// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package driver runs a mapping's demote-then-promote cycle and assembles
// the per-run summary logged at the end of each mapping.
package driver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/cachemover/internal/executor"
	"github.com/autobrr/cachemover/internal/mapping"
	"github.com/autobrr/cachemover/internal/planner"
	"github.com/autobrr/cachemover/internal/runctx"
)

// RunSummary reports the free-space delta and bytes moved for one mapping.
type RunSummary struct {
	StartFree     int64
	EndFree       int64
	BytesDemoted  int64
	BytesPromoted int64
}

// Run executes one mapping's full cycle: demote source→destination under the
// demote watermark, then promote destination→source for continue-watching
// candidates. Every attached seeder is resumed on every exit path, including
// a panic, which is recovered and converted into an error so one mapping's
// failure doesn't take down the rest of the run.
func Run(ctx context.Context, m *mapping.Mapping, rc *runctx.RunContext) (summary RunSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mapping %s -> %s panicked: %v", m.Source.Root, m.Destination.Root, r)
		}
		resumeAll(ctx, m)
	}()

	_, _, startFree, statErr := m.Source.Usage()
	if statErr != nil {
		return summary, fmt.Errorf("statting source tier %s: %w", m.Source.Root, statErr)
	}
	summary.StartFree = startFree

	if err := runDemote(ctx, m, rc, &summary); err != nil {
		return summary, err
	}
	if err := runPromote(ctx, m, rc, &summary); err != nil {
		return summary, err
	}

	_, _, endFree, statErr := m.Source.Usage()
	if statErr != nil {
		return summary, fmt.Errorf("statting source tier %s: %w", m.Source.Root, statErr)
	}
	summary.EndFree = endFree

	log.Info().
		Str("source", m.Source.Root).
		Str("destination", m.Destination.Root).
		Str("start_free", formatBytesToGiB(summary.StartFree)).
		Str("end_free", formatBytesToGiB(summary.EndFree)).
		Str("demoted", formatBytesToGiB(summary.BytesDemoted)).
		Str("promoted", formatBytesToGiB(summary.BytesPromoted)).
		Msg("[DRIVER] mapping complete")

	return summary, nil
}

func runDemote(ctx context.Context, m *mapping.Mapping, rc *runctx.RunContext, summary *RunSummary) error {
	budget, err := m.DemoteBudget(ctx)
	if err != nil {
		return fmt.Errorf("computing demote budget: %w", err)
	}
	if budget <= 0 {
		log.Debug().Str("source", m.Source.Root).Msg("[DRIVER] source tier below demote threshold, nothing to do")
		return nil
	}

	plan, err := planner.PlanDemotion(ctx, m, rc)
	if err != nil {
		return fmt.Errorf("planning demotion: %w", err)
	}
	log.Info().Int("groups", len(plan)).Str("source", m.Source.Root).Msg("[DRIVER] demotion planned")

	moved, err := executor.New(m, rc).RunDemotion(ctx, plan, budget)
	summary.BytesDemoted = moved
	if err != nil {
		return fmt.Errorf("executing demotion: %w", err)
	}
	return nil
}

func runPromote(ctx context.Context, m *mapping.Mapping, rc *runctx.RunContext, summary *RunSummary) error {
	pq := m.ContinueWatchingQueue(ctx)
	budget, err := m.PromoteBudget(ctx, pq)
	if err != nil {
		return fmt.Errorf("computing promote budget: %w", err)
	}
	if budget <= 0 {
		return nil
	}

	plan, err := planner.PlanPromotion(ctx, m, pq)
	if err != nil {
		return fmt.Errorf("planning promotion: %w", err)
	}
	log.Info().Int("groups", len(plan)).Str("destination", m.Destination.Root).Msg("[DRIVER] promotion planned")

	moved, err := executor.New(m, rc).RunPromotion(ctx, plan, budget)
	summary.BytesPromoted = moved
	if err != nil {
		return fmt.Errorf("executing promotion: %w", err)
	}
	return nil
}

// resumeAll resumes every seeder's paused torrents, in finally-block
// fashion: a failure on one seeder is logged but never prevents resuming
// the rest.
func resumeAll(ctx context.Context, m *mapping.Mapping) {
	for _, client := range m.Seeders {
		if err := client.ResumeAll(ctx); err != nil {
			log.Error().Err(err).Msg("[DRIVER] failed to resume seeder")
		}
	}
}

func formatBytesToGiB(size int64) string {
	const gib = 1 << 30
	return fmt.Sprintf("%.2f GiB", float64(size)/float64(gib))
}
