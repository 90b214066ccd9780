// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the subscriber daemon: the HTTP binding, the metrics
// endpoint, the session manager and configuration reloads.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/jalop/internal/config"
	jnlmanager "github.com/ManuGH/jalop/internal/jnl/manager"
	xlog "github.com/ManuGH/jalop/internal/log"
)

// App owns the long-lived runtime lifecycle (watchers, reload wiring) and
// delegates server management to Manager.
type App struct {
	logger       zerolog.Logger
	servers      Manager
	sessions     *jnlmanager.Manager
	cfgHolder    *config.ConfigHolder
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. cfgHolder may be nil.
func NewApp(logger zerolog.Logger, servers Manager, sessions *jnlmanager.Manager, cfgHolder *config.ConfigHolder) *App {
	return &App{
		logger:       logger,
		servers:      servers,
		sessions:     sessions,
		cfgHolder:    cfgHolder,
		reloadSignal: syscall.SIGHUP,
	}
}

// Servers returns the server manager.
func (a *App) Servers() Manager { return a.servers }

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.servers == nil || a.sessions == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// The watcher is best-effort; startup does not fail without it.
	if a.cfgHolder != nil {
		if err := a.cfgHolder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str(xlog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
		}

		applyCh := make(chan config.Config, 1)
		a.cfgHolder.RegisterListener(applyCh)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-applyCh:
					a.apply(cfg)
				}
			}
		})
	}

	if a.cfgHolder != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str(xlog.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")
					if err := a.cfgHolder.Reload(ctx); err != nil {
						a.logger.Warn().
							Err(err).
							Str(xlog.FieldEvent, "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	g.Go(func() error {
		return a.servers.Start(ctx)
	})

	return g.Wait()
}

// apply pushes the reloadable settings into the running daemon.
func (a *App) apply(cfg config.Config) {
	if err := xlog.SetLevel(cfg.LogLevel); err != nil {
		a.logger.Warn().Err(err).Msg("log level not applied")
	}
	if err := a.sessions.ApplyDigestDefaults(cfg.DigestTimeoutSeconds(), cfg.DigestMax); err != nil {
		a.logger.Warn().
			Err(err).
			Str(xlog.FieldEvent, "config.apply_failed").
			Msg("digest settings not applied to every session")
		return
	}
	a.logger.Info().
		Str(xlog.FieldEvent, "config.applied").
		Int("digest_timeout_seconds", cfg.DigestTimeoutSeconds()).
		Int("digest_max", cfg.DigestMax).
		Msg("digest settings applied")
}
