// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the YAML mapping document into the domain types the
// rest of the mover operates on: environment expansion, validation, and
// construction of one seeding.Client/media.Player per configured
// collaborator, grounded on original_source/mover/modules/config.py.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autobrr/cachemover/internal/mapping"
	"github.com/autobrr/cachemover/internal/media"
	"github.com/autobrr/cachemover/internal/pathrewriter"
	"github.com/autobrr/cachemover/internal/seeding"
)

// Config is the fully validated, ready-to-run set of mappings loaded from a
// configuration document.
type Config struct {
	Mappings []*mapping.Mapping
}

// String renders a multi-line summary logged at startup, mirroring
// original_source/mover/modules/config.py's Config.__str__.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config:\n  Mappings:\n")
	for i, m := range c.Mappings {
		fmt.Fprintf(&b, "    %d. %s\n", i+1, m.String())
	}
	return strings.TrimRight(b.String(), "\n")
}

type rawRewrite struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type rawClient struct {
	Host     string     `yaml:"host"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	Rewrite  rawRewrite `yaml:"rewrite"`
}

type rawPlex struct {
	URL       string     `yaml:"url"`
	Token     string     `yaml:"token"`
	Libraries []string   `yaml:"libraries"`
	Users     []string   `yaml:"users"`
	Rewrite   rawRewrite `yaml:"rewrite"`
}

type rawJellyfin struct {
	URL       string     `yaml:"url"`
	APIKey    string     `yaml:"api_key"`
	Libraries []string   `yaml:"libraries"`
	Users     []string   `yaml:"users"`
	Rewrite   rawRewrite `yaml:"rewrite"`
}

type rawMapping struct {
	Source         string        `yaml:"source"`
	Destination    string        `yaml:"destination"`
	Threshold      float64       `yaml:"threshold"`
	CacheThreshold float64       `yaml:"cache_threshold"`
	MinAge         string        `yaml:"min_age"`
	MaxAge         string        `yaml:"max_age"`
	Ignore         []string      `yaml:"ignore"`
	Clients        []rawClient   `yaml:"clients"`
	Plex           []rawPlex     `yaml:"plex"`
	Jellyfin       []rawJellyfin `yaml:"jellyfin"`
}

type rawConfig struct {
	Mappings []rawMapping `yaml:"mappings"`
}

// Load reads the YAML document at path, expands ${VAR}/${VAR:-default}
// environment references, validates the result, and constructs a ready-to-run
// Config with one live seeding.Client/media.Player per configured
// collaborator.
func Load(ctx context.Context, path string, now time.Time) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), expandEnv)

	var doc rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := &Config{}
	for i, rm := range doc.Mappings {
		m, err := buildMapping(ctx, rm, now)
		if err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i+1, err)
		}
		cfg.Mappings = append(cfg.Mappings, m)
	}
	return cfg, nil
}

// expandEnv implements ${VAR} and ${VAR:-default} for os.Expand, which
// natively only understands the bare $VAR / ${VAR} forms.
func expandEnv(token string) string {
	name, def, hasDefault := strings.Cut(token, ":-")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasDefault {
		return def
	}
	return ""
}

func buildMapping(ctx context.Context, rm rawMapping, now time.Time) (*mapping.Mapping, error) {
	if rm.Source == "" || rm.Destination == "" {
		return nil, fmt.Errorf("source and destination are required")
	}
	for _, root := range []string{rm.Source, rm.Destination} {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("tier %s is not a directory", root)
		}
	}

	if rm.CacheThreshold < 0 || rm.CacheThreshold > rm.Threshold || rm.Threshold > 100 {
		return nil, fmt.Errorf("invalid thresholds: cache_threshold=%v threshold=%v, require 0 <= cache_threshold <= threshold <= 100", rm.CacheThreshold, rm.Threshold)
	}

	minAgeStr := rm.MinAge
	if minAgeStr == "" {
		minAgeStr = "2h"
	}
	minAge, err := parseDuration(minAgeStr)
	if err != nil {
		return nil, fmt.Errorf("min_age: %w", err)
	}

	var maxAge time.Duration
	if rm.MaxAge != "" {
		maxAge, err = parseDuration(rm.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("max_age: %w", err)
		}
		if maxAge < minAge {
			return nil, fmt.Errorf("max_age %s is shorter than min_age %s", maxAge, minAge)
		}
	}

	m := &mapping.Mapping{
		Source:              mapping.Tier{Root: rm.Source},
		Destination:         mapping.Tier{Root: rm.Destination},
		DemoteThresholdPct:  rm.Threshold,
		PromoteThresholdPct: rm.CacheThreshold,
		MinAge:              minAge,
		MaxAge:              maxAge,
		Ignores:             rm.Ignore,
	}

	for _, rc := range rm.Clients {
		client, err := seeding.NewQBittorrent(ctx, rc.Host, rc.User, rc.Password, rewriterFor(rc.Rewrite, m))
		if err != nil {
			return nil, fmt.Errorf("qbittorrent client %s: %w", rc.Host, err)
		}
		m.Seeders = append(m.Seeders, client)
	}

	for _, rp := range rm.Plex {
		player := media.NewPlexPlayer(rp.URL, rp.Token, rp.Libraries, rp.Users, rewriterFor(rp.Rewrite, m), now)
		m.Players = append(m.Players, player)
	}

	for _, rj := range rm.Jellyfin {
		player := media.NewJellyfinPlayer(rj.URL, rj.APIKey, rj.Libraries, rj.Users, rewriterFor(rj.Rewrite, m), now)
		m.Players = append(m.Players, player)
	}

	return m, nil
}

func rewriterFor(rw rawRewrite, m *mapping.Mapping) pathrewriter.Rewriter {
	if rw.From == "" && rw.To == "" {
		return pathrewriter.NoopRewriter{Source: m.Source.Root, Destination: m.Destination.Root}
	}
	return pathrewriter.RealRewriter{
		From:        rw.From,
		To:          rw.To,
		Source:      m.Source.Root,
		Destination: m.Destination.Root,
	}
}

// Close releases every collaborator's network resources. Call once at
// process exit.
func (c *Config) Close() {
	for _, m := range c.Mappings {
		for _, p := range m.Players {
			_ = p.Close()
		}
	}
}
