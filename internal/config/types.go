// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Config is the resolved daemon configuration.
type Config struct {
	Version  string
	LogLevel string

	// Listen is the address of the HTTP binding, MetricsListen the address of
	// the Prometheus endpoint. An empty MetricsListen disables it.
	Listen        string
	MetricsListen string
	DataDir       string

	// RecordTypes accepted from publishers.
	RecordTypes      []string
	DigestTimeout    time.Duration
	DigestMax        int
	AllowedDigests   []string
	AllowedEncodings []string

	// CallbackHosts limits the publisher callback URLs digests are sent to.
	// Empty accepts any http or https host.
	CallbackHosts []string

	TLS       TLSConfig
	Store     StoreConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

type TLSConfig struct {
	Cert     string
	Key      string
	Required bool
}

// Enabled reports whether a certificate pair is configured.
func (t TLSConfig) Enabled() bool { return t.Cert != "" && t.Key != "" }

type StoreConfig struct {
	// Backend is one of memory, file, sqlite, badger or redis.
	Backend string
	Redis   RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix is extended with the publisher and record type.
	KeyPrefix string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	SamplingRate float64
}

// FileConfig mirrors Config in the YAML file. Pointers distinguish unset
// keys from zero values.
type FileConfig struct {
	LogLevel      string `yaml:"logLevel,omitempty"`
	Listen        string `yaml:"listen,omitempty"`
	MetricsListen string `yaml:"metricsListen,omitempty"`
	DataDir       string `yaml:"dataDir,omitempty"`

	Digest    *DigestFileConfig    `yaml:"digest,omitempty"`
	Records   []string             `yaml:"recordTypes,omitempty"`
	Callbacks []string             `yaml:"callbackHosts,omitempty"`
	TLS       *TLSFileConfig       `yaml:"tls,omitempty"`
	Store     *StoreFileConfig     `yaml:"store,omitempty"`
	RateLimit *RateLimitFileConfig `yaml:"rateLimit,omitempty"`
	Tracing   *TracingFileConfig   `yaml:"tracing,omitempty"`
}

type DigestFileConfig struct {
	Timeout   string   `yaml:"timeout,omitempty"`
	Max       *int     `yaml:"max,omitempty"`
	Methods   []string `yaml:"methods,omitempty"`
	Encodings []string `yaml:"encodings,omitempty"`
}

type TLSFileConfig struct {
	Cert     string `yaml:"cert,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Required *bool  `yaml:"required,omitempty"`
}

type StoreFileConfig struct {
	Backend string           `yaml:"backend,omitempty"`
	Redis   *RedisFileConfig `yaml:"redis,omitempty"`
}

type RedisFileConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        *int   `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
}

type RateLimitFileConfig struct {
	Requests *int   `yaml:"requests,omitempty"`
	Window   string `yaml:"window,omitempty"`
}

type TracingFileConfig struct {
	Enabled      *bool    `yaml:"enabled,omitempty"`
	Exporter     string   `yaml:"exporter,omitempty"`
	Endpoint     string   `yaml:"endpoint,omitempty"`
	SamplingRate *float64 `yaml:"samplingRate,omitempty"`
}
