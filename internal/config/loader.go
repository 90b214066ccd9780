// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultLogLevel      = "info"
	DefaultListen        = ":8444"
	DefaultMetricsListen = ":9464"
	DefaultDataDir       = "/var/lib/jalop"
	DefaultDigestTimeout = 120 * time.Second
	DefaultDigestMax     = 128
	DefaultStoreBackend  = "file"
	DefaultRedisPrefix   = "jalop:status"
	DefaultRateRequests  = 600
	DefaultRateWindow    = time.Minute
	DefaultTraceExporter = "grpc"
)

// Loader resolves a Config from defaults, an optional YAML file and the
// environment.
type Loader struct {
	configPath string
	version    string

	// ConsumedEnvKeys lists every environment key the last Load looked at.
	ConsumedEnvKeys map[string]struct{}
}

func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, empty for ENV-only configuration.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// It enforces the order: parse file (strict) -> apply env -> validate.
func (l *Loader) Load() (Config, error) {
	l.ConsumedEnvKeys = make(map[string]struct{})
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFile(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel:         DefaultLogLevel,
		Listen:           DefaultListen,
		MetricsListen:    DefaultMetricsListen,
		DataDir:          DefaultDataDir,
		RecordTypes:      []string{"journal", "audit", "log"},
		DigestTimeout:    DefaultDigestTimeout,
		DigestMax:        DefaultDigestMax,
		AllowedDigests:   []string{"sha256"},
		AllowedEncodings: []string{"none"},
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
			Redis:   RedisConfig{KeyPrefix: DefaultRedisPrefix},
		},
		RateLimit: RateLimitConfig{Requests: DefaultRateRequests, Window: DefaultRateWindow},
		Tracing:   TracingConfig{Exporter: DefaultTraceExporter, SamplingRate: 1.0},
	}
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: %s (only YAML supported)", ErrUnsupportedFormat, ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return parseFile(data)
}

func parseFile(data []byte) (*FileConfig, error) {
	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

func mergeFile(cfg *Config, f *FileConfig) error {
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.Listen, f.Listen)
	setString(&cfg.MetricsListen, f.MetricsListen)
	setString(&cfg.DataDir, f.DataDir)
	if len(f.Records) > 0 {
		cfg.RecordTypes = f.Records
	}
	if len(f.Callbacks) > 0 {
		cfg.CallbackHosts = f.Callbacks
	}

	if d := f.Digest; d != nil {
		if d.Timeout != "" {
			v, err := parseDuration(d.Timeout)
			if err != nil {
				return fmt.Errorf("digest.timeout: %w", err)
			}
			cfg.DigestTimeout = v
		}
		if d.Max != nil {
			cfg.DigestMax = *d.Max
		}
		if len(d.Methods) > 0 {
			cfg.AllowedDigests = d.Methods
		}
		if len(d.Encodings) > 0 {
			cfg.AllowedEncodings = d.Encodings
		}
	}

	if t := f.TLS; t != nil {
		setString(&cfg.TLS.Cert, t.Cert)
		setString(&cfg.TLS.Key, t.Key)
		if t.Required != nil {
			cfg.TLS.Required = *t.Required
		}
	}

	if s := f.Store; s != nil {
		setString(&cfg.Store.Backend, s.Backend)
		if r := s.Redis; r != nil {
			setString(&cfg.Store.Redis.Addr, r.Addr)
			setString(&cfg.Store.Redis.Password, r.Password)
			setString(&cfg.Store.Redis.KeyPrefix, r.KeyPrefix)
			if r.DB != nil {
				cfg.Store.Redis.DB = *r.DB
			}
		}
	}

	if r := f.RateLimit; r != nil {
		if r.Requests != nil {
			cfg.RateLimit.Requests = *r.Requests
		}
		if r.Window != "" {
			v, err := parseDuration(r.Window)
			if err != nil {
				return fmt.Errorf("rateLimit.window: %w", err)
			}
			cfg.RateLimit.Window = v
		}
	}

	if t := f.Tracing; t != nil {
		if t.Enabled != nil {
			cfg.Tracing.Enabled = *t.Enabled
		}
		setString(&cfg.Tracing.Exporter, t.Exporter)
		setString(&cfg.Tracing.Endpoint, t.Endpoint)
		if t.SamplingRate != nil {
			cfg.Tracing.SamplingRate = *t.SamplingRate
		}
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.LogLevel = l.envString(EnvLogLevel, cfg.LogLevel)
	cfg.Listen = l.envString(EnvListen, cfg.Listen)
	cfg.MetricsListen = l.envString(EnvMetricsListen, cfg.MetricsListen)
	cfg.DataDir = l.envString(EnvDataDir, cfg.DataDir)
	cfg.RecordTypes = l.envList(EnvRecordTypes, cfg.RecordTypes)

	cfg.DigestTimeout = l.envDuration(EnvDigestTimeout, cfg.DigestTimeout)
	cfg.DigestMax = l.envInt(EnvDigestMax, cfg.DigestMax)
	cfg.AllowedDigests = l.envList(EnvDigests, cfg.AllowedDigests)
	cfg.AllowedEncodings = l.envList(EnvEncodings, cfg.AllowedEncodings)
	cfg.CallbackHosts = l.envList(EnvCallbackHosts, cfg.CallbackHosts)

	cfg.TLS.Cert = l.envString(EnvTLSCert, cfg.TLS.Cert)
	cfg.TLS.Key = l.envString(EnvTLSKey, cfg.TLS.Key)
	cfg.TLS.Required = l.envBool(EnvTLSRequired, cfg.TLS.Required)

	cfg.Store.Backend = l.envString(EnvStoreBackend, cfg.Store.Backend)
	cfg.Store.Redis.Addr = l.envString(EnvRedisAddr, cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = l.envString(EnvRedisPassword, cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = l.envInt(EnvRedisDB, cfg.Store.Redis.DB)
	cfg.Store.Redis.KeyPrefix = l.envString(EnvRedisPrefix, cfg.Store.Redis.KeyPrefix)

	cfg.RateLimit.Requests = l.envInt(EnvRateRequests, cfg.RateLimit.Requests)
	cfg.RateLimit.Window = l.envDuration(EnvRateWindow, cfg.RateLimit.Window)

	cfg.Tracing.Enabled = l.envBool(EnvTracing, cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = l.envString(EnvTraceExporter, cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = l.envString(EnvTraceEndpoint, cfg.Tracing.Endpoint)
	cfg.Tracing.SamplingRate = l.envFloat(EnvTraceSampling, cfg.Tracing.SamplingRate)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
