// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/cachemover/internal/buildinfo"
	"github.com/autobrr/cachemover/internal/config"
	"github.com/autobrr/cachemover/internal/driver"
	"github.com/autobrr/cachemover/internal/runctx"
	"github.com/autobrr/cachemover/pkg/lock"
)

func rootCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
		logLevel   string
		logFile    string
		lockFile   string
	)

	cmd := &cobra.Command{
		Use:           "cachemover",
		Short:         "Bidirectional tiered-storage file mover",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				return errors.New("--config is required")
			}
			setupLogging(logLevel, logFile)

			l, err := lock.Acquire(lockFile)
			if err != nil {
				if errors.Is(err, lock.ErrHeld) {
					log.Info().Str("lock_file", lockFile).Msg("another instance already holds the lock, exiting")
					return nil
				}
				return fmt.Errorf("acquiring lock: %w", err)
			}
			defer l.Release()

			now := time.Now()
			ctx := cmd.Context()

			cfg, err := config.Load(ctx, configPath, now)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			defer cfg.Close()

			log.Info().Msg(cfg.String())

			for _, m := range cfg.Mappings {
				rc := runctx.New(now, dryRun)
				if _, err := driver.Run(ctx, m, rc); err != nil {
					log.Error().Err(err).Str("source", m.Source.Root).Msg("mapping failed, continuing with the next one")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration document (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "suppress all mutations; still log and account")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARNING, or ERROR")
	cmd.Flags().StringVar(&logFile, "log-file", "", "enables a size-capped rotating log sink in addition to stdout")
	cmd.Flags().StringVar(&lockFile, "lock-file", "/tmp/cache_mover.lock", "path to the single-instance advisory lock")

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Print(buildinfo.String())
			return nil
		},
	}
}

func setupLogging(level, file string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var writers []io.Writer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}

	if file != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    5, // MiB
			MaxBackups: 3,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
