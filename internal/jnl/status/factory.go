// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSqlite = "sqlite"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options carries backend specific settings for Open.
type Options struct {
	Redis  RedisConfig
	Logger zerolog.Logger
}

// Open creates a Store. path is the record root for "file", the database
// directory for "sqlite" and "badger" and unused otherwise. An empty
// backend selects "file", or "memory" when path is empty too.
func Open(backend, path string, opts Options) (Store, error) {
	if backend == "" {
		backend = BackendFile
		if path == "" {
			backend = BackendMemory
		}
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		if path == "" {
			return nil, fmt.Errorf("status: %s backend requires a path", backend)
		}
		return NewFileStore(path)
	case BackendSqlite:
		if path == "" {
			return nil, fmt.Errorf("status: %s backend requires a path", backend)
		}
		return NewSqliteStore(filepath.Join(path, "status.sqlite"))
	case BackendBadger:
		return OpenBadgerStore(path)
	case BackendRedis:
		return NewRedisStore(opts.Redis, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown status store backend: %s (supported: memory, file, sqlite, badger, redis)", backend)
	}
}
