// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/app/subscriber"
	"github.com/ManuGH/jalop/internal/config"
	"github.com/ManuGH/jalop/internal/jnl"
	jnlmanager "github.com/ManuGH/jalop/internal/jnl/manager"
	"github.com/ManuGH/jalop/internal/jnl/status"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/telemetry"
	"github.com/ManuGH/jalop/internal/transport/httpbind"
)

// ServiceName identifies the daemon in logs and traces.
const ServiceName = "jald"

// RecordsDir is the subdirectory of the data dir holding received records.
const RecordsDir = "records"

// Build assembles the subscriber daemon from a loaded configuration.
// cfgHolder may be nil when reloads are not wanted.
func Build(ctx context.Context, cfg config.Config, cfgHolder *config.ConfigHolder, logger zerolog.Logger) (*App, error) {
	root := filepath.Join(cfg.DataDir, RecordsDir)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create record root: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       true,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	disp, err := subscriber.NewDispatcher(subscriber.DispatcherConfig{
		Root:        root,
		RecordTypes: cfg.ParsedRecordTypes(),
		Stores:      StoreFactory(cfg.Store, logger),
		Logger:      logger,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	sessions, err := jnlmanager.New(jnlmanager.Config{
		Subscriber:           disp,
		ConnectionHandler:    disp,
		DigestTimeoutSeconds: cfg.DigestTimeoutSeconds(),
		PendingDigestMax:     cfg.DigestMax,
		TLSRequired:          cfg.TLS.Required,
		AllowedDigests:       cfg.AllowedDigests,
		AllowedEncodings:     cfg.AllowedEncodings,
	}, jnlmanager.WithLogger(logger))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	if err := sessions.Connect(); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	if err := sessions.Connected(cfg.TLS.Enabled()); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	opts := []httpbind.ServerOption{
		httpbind.WithServerLogger(logger),
		httpbind.WithRateLimit(httpbind.RateLimitConfig{
			RequestLimit: cfg.RateLimit.Requests,
			WindowSize:   cfg.RateLimit.Window,
		}),
		httpbind.WithCallbackHosts(cfg.CallbackHosts...),
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, httpbind.WithTracing(ServiceName))
	}
	binding := httpbind.NewServer(sessions, opts...)

	deps := Deps{
		Logger:        logger,
		Handler:       binding.Handler(),
		ListenAddr:    cfg.Listen,
		TLSCert:       cfg.TLS.Cert,
		TLSKey:        cfg.TLS.Key,
		OnServerError: sessions.Fail,
	}
	if cfg.MetricsListen != "" {
		deps.MetricsHandler = promhttp.Handler()
		deps.MetricsAddr = cfg.MetricsListen
	}
	servers, err := NewManager(deps)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	// LIFO: sessions close first, telemetry flushes last.
	servers.RegisterShutdownHook("telemetry", tp.Shutdown)
	servers.RegisterShutdownHook("status_stores", func(context.Context) error { return disp.Close() })
	servers.RegisterShutdownHook("sessions", func(context.Context) error { return sessions.Close() })

	logger.Info().
		Str(xlog.FieldEvent, "daemon.built").
		Str("data_dir", cfg.DataDir).
		Str("store", cfg.Store.Backend).
		Strs("record_types", cfg.RecordTypes).
		Bool("tls", cfg.TLS.Enabled()).
		Msg("daemon assembled")

	return NewApp(logger, servers, sessions, cfgHolder), nil
}

// StoreFactory opens the status store of each record directory according to
// the configured backend. The file backend keeps the default per-directory
// status files.
func StoreFactory(cfg config.StoreConfig, logger zerolog.Logger) subscriber.StoreFactory {
	switch cfg.Backend {
	case "", status.BackendFile:
		return nil
	case status.BackendRedis:
		return func(_ string, peer string, t jnl.RecordType) (status.Store, error) {
			return status.Open(status.BackendRedis, "", status.Options{
				Redis: status.RedisConfig{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
					Key:      fmt.Sprintf("%s:%s:%s", cfg.Redis.KeyPrefix, peer, t),
				},
				Logger: logger,
			})
		}
	default:
		return func(dir string, _ string, _ jnl.RecordType) (status.Store, error) {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, err
			}
			return status.Open(cfg.Backend, dir, status.Options{Logger: logger})
		}
	}
}
