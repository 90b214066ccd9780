// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/jalop/internal/validate"
)

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	if err == nil {
		return nil
	}
	var verr validate.ValidationError
	require.ErrorAs(t, err, &verr)
	var out []string
	for _, e := range verr.Errors() {
		out = append(out, e.Field)
	}
	return out
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("c"), 0o600))
	require.NoError(t, os.WriteFile(key, []byte("k"), 0o600))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"defaults", func(*Config) {}, nil},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, []string{"logLevel"}},
		{"listen", func(c *Config) { c.Listen = "8444" }, []string{"listen"}},
		{"metrics disabled", func(c *Config) { c.MetricsListen = "" }, nil},
		{"record type", func(c *Config) { c.RecordTypes = []string{"journal", "syslog"} }, []string{"recordTypes"}},
		{"no record types", func(c *Config) { c.RecordTypes = nil }, []string{"recordTypes"}},
		{"sub-second timeout", func(c *Config) { c.DigestTimeout = 500 * time.Millisecond }, []string{"digest.timeout"}},
		{"digest method", func(c *Config) { c.AllowedDigests = []string{"md5"} }, []string{"digest.methods"}},
		{"digest uri", func(c *Config) { c.AllowedDigests = []string{"http://www.w3.org/2001/04/xmlenc#sha512"} }, nil},
		{"blank encoding", func(c *Config) { c.AllowedEncodings = []string{" "} }, []string{"digest.encodings"}},
		{"blank callback host", func(c *Config) { c.CallbackHosts = []string{"edge.example", ""} }, []string{"callbackHosts"}},
		{"tls pair", func(c *Config) { c.TLS = TLSConfig{Cert: cert, Key: key, Required: true} }, nil},
		{"tls half pair", func(c *Config) { c.TLS.Cert = cert }, []string{"tls"}},
		{"tls missing file", func(c *Config) { c.TLS = TLSConfig{Cert: cert, Key: filepath.Join(dir, "nope")} }, []string{"tls.key"}},
		{"tls required without cert", func(c *Config) { c.TLS.Required = true }, []string{"tls.required"}},
		{"backend", func(c *Config) { c.Store.Backend = "etcd" }, []string{"store.backend"}},
		{"redis needs addr", func(c *Config) { c.Store.Backend = "redis" }, []string{"store.redis.addr"}},
		{"rate limit window", func(c *Config) { c.RateLimit.Window = 0 }, []string{"rateLimit.window"}},
		{"rate limit off", func(c *Config) { c.RateLimit = RateLimitConfig{} }, nil},
		{"tracing", func(c *Config) { c.Tracing = TracingConfig{Enabled: true, Exporter: "zipkin", SamplingRate: 2} }, []string{"tracing.exporter", "tracing.endpoint", "tracing.samplingRate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, fieldsOf(t, Validate(cfg)))
		})
	}
}
