// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection settings of a shared status store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the hash holding one field per record id.
	Key string
}

// RedisStore keeps every status document as a field of one hash, so a
// listing is a single HGETALL.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.Key == "" {
		cfg.Key = "jalop:status"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("key", cfg.Key).
		Msg("connected to Redis status store")
	return &RedisStore{client: client, key: cfg.Key}, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, rec Record) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, id, raw).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.client.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	e := decode(id, raw)
	if e.Err != nil {
		return Record{}, e.Err
	}
	return *e.Record, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for id, raw := range all {
		out = append(out, decode(id, []byte(raw)))
	}
	sortEntries(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key, id).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
