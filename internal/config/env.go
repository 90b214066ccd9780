// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/log"
)

// Environment keys.
const (
	EnvConfigFile    = "JALOP_CONFIG"
	EnvLogLevel      = "JALOP_LOG_LEVEL"
	EnvListen        = "JALOP_LISTEN"
	EnvMetricsListen = "JALOP_METRICS_LISTEN"
	EnvDataDir       = "JALOP_DATA_DIR"
	EnvRecordTypes   = "JALOP_RECORD_TYPES"
	EnvDigestTimeout = "JALOP_DIGEST_TIMEOUT"
	EnvDigestMax     = "JALOP_DIGEST_MAX"
	EnvDigests       = "JALOP_DIGEST_METHODS"
	EnvEncodings     = "JALOP_XML_ENCODINGS"
	EnvCallbackHosts = "JALOP_CALLBACK_HOSTS"
	EnvTLSCert       = "JALOP_TLS_CERT"
	EnvTLSKey        = "JALOP_TLS_KEY"
	EnvTLSRequired   = "JALOP_TLS_REQUIRED"
	EnvStoreBackend  = "JALOP_STORE_BACKEND"
	EnvRedisAddr     = "JALOP_REDIS_ADDR"
	EnvRedisPassword = "JALOP_REDIS_PASSWORD"
	EnvRedisDB       = "JALOP_REDIS_DB"
	EnvRedisPrefix   = "JALOP_REDIS_KEY_PREFIX"
	EnvRateRequests  = "JALOP_RATE_LIMIT_REQUESTS"
	EnvRateWindow    = "JALOP_RATE_LIMIT_WINDOW"
	EnvTracing       = "JALOP_TRACING_ENABLED"
	EnvTraceExporter = "JALOP_TRACING_EXPORTER"
	EnvTraceEndpoint = "JALOP_TRACING_ENDPOINT"
	EnvTraceSampling = "JALOP_TRACING_SAMPLING_RATE"
)

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		case strings.Contains(lowerKey, "password"):
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from environment variable or returns default value.
// It validates the input and falls back to default on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Int("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseDuration reads a duration in Go duration format (e.g. "5s"). A bare
// integer is read as seconds.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := parseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Dur("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseBool reads a boolean from environment variable or returns default value.
// It accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			logger.Debug().Str("key", key).Bool("value", true).Str("source", "environment").Msg("using environment variable")
			return true
		case "false", "0", "no":
			logger.Debug().Str("key", key).Bool("value", false).Str("source", "environment").Msg("using environment variable")
			return false
		default:
			logger.Warn().
				Str("key", key).
				Str("value", v).
				Bool("default", defaultValue).
				Msg("invalid boolean in environment variable, using default")
			return defaultValue
		}
	}
	logger.Debug().
		Str("key", key).
		Bool("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			logger.Debug().
				Str("key", key).
				Float64("value", f).
				Str("source", "environment").
				Msg("using environment variable")
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Float64("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseList reads a comma separated list. Blank items are dropped; a
// variable holding only blanks yields the default.
func ParseList(key string, defaultValue []string) []string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if items := splitList(v); len(items) > 0 {
			logger.Debug().
				Str("key", key).
				Strs("value", items).
				Str("source", "environment").
				Msg("using environment variable")
			return items
		}
	}
	logger.Debug().
		Str("key", key).
		Strs("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
