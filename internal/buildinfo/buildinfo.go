// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo exposes version metadata injected at link time via
// -ldflags, plus a stable User-Agent string for outgoing HTTP clients.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Version, Commit, and Date are overridden at build time with:
//
//	-ldflags "-X github.com/autobrr/cachemover/internal/buildinfo.Version=... \
//	          -X github.com/autobrr/cachemover/internal/buildinfo.Commit=... \
//	          -X github.com/autobrr/cachemover/internal/buildinfo.Date=..."
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent on every outgoing request to Plex and Jellyfin.
var UserAgent string

func init() {
	UserAgent = fmt.Sprintf("cachemover/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String renders a human-readable, three-line build summary for the `version` command.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\n", Version, Commit, Date)
}

type info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// JSON renders the build summary as a JSON object.
func JSON() ([]byte, error) {
	return json.Marshal(info{Version: Version, Commit: Commit, Date: Date})
}
