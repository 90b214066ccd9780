// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/status"
	"github.com/ManuGH/jalop/internal/validate"
)

var storeBackends = []string{
	status.BackendMemory,
	status.BackendFile,
	status.BackendSqlite,
	status.BackendBadger,
	status.BackendRedis,
}

// Validate checks a resolved configuration. All problems are reported at
// once as a validate.ValidationError.
func Validate(cfg Config) error {
	v := validate.New()

	if _, err := validate.ParseLogLevel(cfg.LogLevel); err != nil {
		v.AddError("logLevel", "must be one of trace, debug, info, warn, error", cfg.LogLevel)
	}
	v.ListenAddr("listen", cfg.Listen)
	if cfg.MetricsListen != "" {
		v.ListenAddr("metricsListen", cfg.MetricsListen)
	}
	v.NotEmpty("dataDir", cfg.DataDir)

	if len(cfg.RecordTypes) == 0 {
		v.AddError("recordTypes", "at least one record type is required", cfg.RecordTypes)
	}
	for _, t := range cfg.RecordTypes {
		if _, err := jnl.ParseRecordType(t); err != nil {
			v.AddError("recordTypes", err.Error(), t)
		}
	}

	if cfg.DigestTimeout < time.Second || cfg.DigestTimeout%time.Second != 0 {
		v.AddError("digest.timeout", "must be a whole number of seconds, at least 1s", cfg.DigestTimeout)
	}
	v.Positive("digest.max", cfg.DigestMax)
	for _, m := range cfg.AllowedDigests {
		v.Custom("digest.methods", m, func(any) error {
			_, err := jnl.NewHash(m)
			return err
		})
	}
	for _, e := range cfg.AllowedEncodings {
		v.NotEmpty("digest.encodings", e)
	}
	for _, h := range cfg.CallbackHosts {
		v.NotEmpty("callbackHosts", h)
	}

	switch {
	case cfg.TLS.Enabled():
		v.File("tls.cert", cfg.TLS.Cert)
		v.File("tls.key", cfg.TLS.Key)
	case cfg.TLS.Cert != "" || cfg.TLS.Key != "":
		v.AddError("tls", "cert and key must be set together", nil)
	case cfg.TLS.Required:
		v.AddError("tls.required", "requires tls.cert and tls.key", true)
	}

	v.OneOf("store.backend", cfg.Store.Backend, storeBackends)
	if cfg.Store.Backend == status.BackendRedis {
		v.NotEmpty("store.redis.addr", cfg.Store.Redis.Addr)
		v.NotEmpty("store.redis.keyPrefix", cfg.Store.Redis.KeyPrefix)
		v.NonNegative("store.redis.db", cfg.Store.Redis.DB)
	}

	v.NonNegative("rateLimit.requests", cfg.RateLimit.Requests)
	if cfg.RateLimit.Requests > 0 && cfg.RateLimit.Window <= 0 {
		v.AddError("rateLimit.window", "must be positive when requests is set", cfg.RateLimit.Window)
	}

	if cfg.Tracing.Enabled {
		v.OneOf("tracing.exporter", cfg.Tracing.Exporter, []string{"grpc", "http"})
		v.NotEmpty("tracing.endpoint", cfg.Tracing.Endpoint)
	}
	if r := cfg.Tracing.SamplingRate; r < 0 || r > 1 {
		v.AddError("tracing.samplingRate", fmt.Sprintf("must be between 0 and 1, got %v", r), r)
	}

	return v.Err()
}

// ParsedRecordTypes returns RecordTypes as jnl values. Unknown names are
// skipped; Validate reports them.
func (c Config) ParsedRecordTypes() []jnl.RecordType {
	out := make([]jnl.RecordType, 0, len(c.RecordTypes))
	for _, s := range c.RecordTypes {
		if t, err := jnl.ParseRecordType(s); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// DigestTimeoutSeconds returns the digest timeout in whole seconds.
func (c Config) DigestTimeoutSeconds() int {
	return int(c.DigestTimeout / time.Second)
}
