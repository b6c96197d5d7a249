// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationAcceptsDaySuffix(t *testing.T) {
	d, err := parseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)
}

func TestParseDurationAcceptsFractionalDays(t *testing.T) {
	d, err := parseDuration("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)
}

func TestParseDurationFallsBackToStandardLibrary(t *testing.T) {
	d, err := parseDuration("2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)
}

func TestParseDurationRejectsEmptyString(t *testing.T) {
	_, err := parseDuration("")
	assert.Error(t, err)
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	_, err := parseDuration("not-a-duration")
	assert.Error(t, err)
}
