// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/jalop/internal/config"
	"github.com/ManuGH/jalop/internal/daemon"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/version"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the subscriber daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	return cmd
}

// resolveConfigPath prefers an explicit path, then $JALOP_CONFIG, then
// config.yaml inside $JALOP_DATA_DIR when it exists.
func resolveConfigPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(config.EnvConfigFile)); p != "" {
		return p
	}
	dataDir := strings.TrimSpace(os.Getenv(config.EnvDataDir))
	if dataDir == "" {
		return ""
	}
	auto := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(auto); err == nil {
		return auto
	}
	return ""
}

func serve(ctx context.Context, configPath string) error {
	xlog.Configure(xlog.Config{Level: "info", Service: daemon.ServiceName, Version: version.Version})
	logger := xlog.WithComponent("daemon")

	loader := config.NewLoader(configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(xlog.FieldEvent, "config.load_failed").
			Str("config_path", configPath).
			Msg("failed to load configuration")
		return err
	}
	xlog.Reconfigure(xlog.Config{Level: cfg.LogLevel, Service: daemon.ServiceName, Version: cfg.Version})
	logger = xlog.WithComponent("daemon")

	source := "env+defaults"
	if configPath != "" {
		source = "file"
	}
	logger.Info().
		Str(xlog.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", configPath).
		Msg("configuration loaded")

	holder := config.NewConfigHolder(cfg, loader)
	app, err := daemon.Build(ctx, cfg, holder, xlog.Base())
	if err != nil {
		logger.Error().Err(err).Str(xlog.FieldEvent, "daemon.build_failed").Msg("failed to assemble daemon")
		return err
	}
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(xlog.FieldEvent, "daemon.exit").Msg("daemon stopped with error")
		return err
	}
	logger.Info().Str(xlog.FieldEvent, "daemon.exit").Msg("daemon stopped")
	return nil
}
