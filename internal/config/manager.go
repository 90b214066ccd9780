// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Manager handles configuration persistence.
type Manager struct {
	configPath string
}

// NewManager creates a new configuration manager.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// Save writes cfg as YAML, replacing the file atomically.
func (m *Manager) Save(cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0750); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(ToFile(cfg)); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close encoder: %w", err)
	}

	if err := renameio.WriteFile(m.configPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ToFile maps a Config to its YAML form. Secrets are written as well; the
// file is created with mode 0600.
func ToFile(cfg Config) FileConfig {
	digestMax := cfg.DigestMax
	required := cfg.TLS.Required
	db := cfg.Store.Redis.DB
	requests := cfg.RateLimit.Requests
	enabled := cfg.Tracing.Enabled
	rate := cfg.Tracing.SamplingRate

	f := FileConfig{
		LogLevel:      cfg.LogLevel,
		Listen:        cfg.Listen,
		MetricsListen: cfg.MetricsListen,
		DataDir:       cfg.DataDir,
		Records:       cfg.RecordTypes,
		Callbacks:     cfg.CallbackHosts,
		Digest: &DigestFileConfig{
			Timeout:   cfg.DigestTimeout.String(),
			Max:       &digestMax,
			Methods:   cfg.AllowedDigests,
			Encodings: cfg.AllowedEncodings,
		},
		Store: &StoreFileConfig{Backend: cfg.Store.Backend},
		RateLimit: &RateLimitFileConfig{
			Requests: &requests,
			Window:   cfg.RateLimit.Window.String(),
		},
		Tracing: &TracingFileConfig{
			Enabled:      &enabled,
			Exporter:     cfg.Tracing.Exporter,
			Endpoint:     cfg.Tracing.Endpoint,
			SamplingRate: &rate,
		},
	}
	if cfg.TLS.Enabled() || cfg.TLS.Required {
		f.TLS = &TLSFileConfig{Cert: cfg.TLS.Cert, Key: cfg.TLS.Key, Required: &required}
	}
	if r := cfg.Store.Redis; r.Addr != "" || r.Password != "" || r.DB != 0 {
		f.Store.Redis = &RedisFileConfig{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        &db,
			KeyPrefix: r.KeyPrefix,
		}
	}
	return f
}
