/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/seqworker/internal/config"
	"github.com/friendsincode/seqworker/internal/logbuffer"
	"github.com/friendsincode/seqworker/internal/logging"
	"github.com/friendsincode/seqworker/internal/server"
	"github.com/friendsincode/seqworker/internal/telemetry"
	"github.com/friendsincode/seqworker/internal/version"
)

// exitConflict is returned when one-shot playback is combined with remote
// worker mode.
const exitConflict = 8

var (
	logger zerolog.Logger
	cfg    *config.Config
	logs   = logbuffer.New(2000)

	serveSequence string
	serveTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "seqworker",
	Short:         "seqworker - sequence playback worker",
	Long:          "seqworker plays test sequences, reports them to local dashboards over WebSocket and takes work assignments from a remote orchestrator.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	Long: `Start the dashboard listener, the main update loop and, when enabled,
the remote worker.

With --sequence the worker plays a single sequence and exits: 0 when the
sequence completed, non-zero otherwise.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSequence, "sequence", "", "Play this sequence once and exit")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 0, "Stop one-shot playback after this long (0 = no limit)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, server.ErrOneShotConflict) {
			os.Exit(exitConflict)
		}
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logs, nil))
	for _, warning := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warning)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if serveSequence != "" && cfg.RemoteWorker {
		return server.ErrOneShotConflict
	}

	logger.Info().Str("version", version.Version).Bool("remote_worker", cfg.RemoteWorker).Msg("seqworker starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "seqworker",
		ServiceVersion: version.Version,
		InstanceID:     cfg.ClientGUID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	srv, err := server.New(cfg, nil, logger, server.WithLogBuffer(logs))
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveSequence != "" {
		loc, err := srv.PlayOnce(ctx, serveSequence, serveTimeout)
		if loc != "" {
			fmt.Fprintln(cmd.OutOrStdout(), loc)
		}
		return err
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("shutting down gracefully...")
	return nil
}
