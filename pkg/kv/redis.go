// Copyright 2025 The Mediq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv wraps Redis with the degradation contract the rest of the
// system depends on: when the store is down, reads miss and writes no-op.
// A cache outage must never fail a request.
package kv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uniclin/mediq/pkg/config"
)

// ErrMiss is returned by Get when the key is absent or the store is
// degraded.
var ErrMiss = errors.New("kv: miss")

// Store is the KV capability. All operations tolerate an unreachable
// server: Get misses, Set/Delete no-op, and only a state transition is
// logged.
type Store struct {
	client *redis.Client

	// degraded flips on the first connectivity failure so the transition
	// is logged once, not per request.
	degraded atomic.Bool
}

// NewStore creates a redis-backed store. The connection is verified
// lazily; a dead server at construction time is not an error.
func NewStore(cfg config.RedisConfig) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client}
}

// MD5Key returns the namespaced key for a cache function and payload,
// following the `cache:<fn>:<md5>` convention.
func MD5Key(namespace, fn, payload string) string {
	sum := md5.Sum([]byte(payload))
	digest := hex.EncodeToString(sum[:])
	if fn == "" {
		return fmt.Sprintf("%s:%s", namespace, digest)
	}
	return fmt.Sprintf("%s:%s:%s", namespace, fn, digest)
}

func (s *Store) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		slog.Warn("KV store unavailable, entering degraded mode", "error", err)
	}
}

func (s *Store) markHealthy() {
	if s.degraded.CompareAndSwap(true, false) {
		slog.Info("KV store recovered")
	}
}

// Degraded reports whether the last operation saw an unreachable server.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Get returns the raw value, or ErrMiss when absent or degraded.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		s.markHealthy()
		return "", ErrMiss
	}
	if err != nil {
		s.markDegraded(err)
		return "", ErrMiss
	}
	s.markHealthy()
	return val, nil
}

// GetJSON unmarshals the stored value into out; ErrMiss on absence.
func (s *Store) GetJSON(ctx context.Context, key string, out any) error {
	val, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		// A corrupt entry is treated as a miss rather than an error.
		slog.Warn("KV entry is not valid JSON, treating as miss", "key", key, "error", err)
		return ErrMiss
	}
	return nil
}

// Set writes a value with a mandatory TTL. Degraded mode swallows the
// write.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("kv: TTL is mandatory for %s", key)
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.markDegraded(err)
		return nil
	}
	s.markHealthy()
	return nil
}

// SetJSON marshals v and writes it with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: failed to marshal value for %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// Delete removes keys. Degraded mode no-ops.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.markDegraded(err)
	}
	return nil
}

// DeletePattern removes all keys matching a glob pattern using SCAN, so
// large keyspaces are not blocked by KEYS.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				s.markDegraded(err)
				return deleted, nil
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		s.markDegraded(err)
		return deleted, nil
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			s.markDegraded(err)
			return deleted, nil
		}
		deleted += len(batch)
	}

	s.markHealthy()
	return deleted, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
