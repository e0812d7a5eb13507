package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/uniclin/mediq/pkg/config"
)

// The degraded-mode contract is what these tests pin down: with no server
// reachable, reads miss, writes no-op, and nothing errors.

func newUnreachableStore() *Store {
	// Reserved TEST-NET address; connections fail fast.
	return NewStore(config.RedisConfig{Addr: "192.0.2.1:1"})
}

func TestDegradedGetMisses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newUnreachableStore()
	defer s.Close()

	_, err := s.Get(ctx, "cache:test:abc")
	assert.ErrorIs(t, err, ErrMiss)
	assert.True(t, s.Degraded())
}

func TestDegradedSetNoops(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newUnreachableStore()
	defer s.Close()

	err := s.Set(ctx, "cache:test:abc", "value", time.Minute)
	assert.NoError(t, err)
}

func TestSetRequiresTTL(t *testing.T) {
	s := newUnreachableStore()
	defer s.Close()

	err := s.Set(context.Background(), "cache:test:abc", "value", 0)
	assert.Error(t, err)
}

func TestDegradedRateLimiterAllows(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newUnreachableStore()
	defer s.Close()

	limiter := NewRateLimiter(s, 5, time.Minute)
	allowed, remaining := limiter.Allow(ctx, "user-1")
	assert.True(t, allowed)
	assert.Equal(t, 5, remaining)
}

func TestMD5Key(t *testing.T) {
	key := MD5Key("cache", "ner", "高血压")
	assert.Regexp(t, `^cache:ner:[0-9a-f]{32}$`, key)

	key = MD5Key("semantic_cache", "", "query")
	assert.Regexp(t, `^semantic_cache:[0-9a-f]{32}$`, key)
}
