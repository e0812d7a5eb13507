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

package kv

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter implements a fixed-window counter over the KV store with
// keys `rate_limit:<identity>`. When the store is degraded every request
// is allowed — rate limiting is a protection, not a dependency.
type RateLimiter struct {
	store  *Store
	limit  int
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(store *Store, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, limit: limit, window: window}
}

// Allow reports whether identity may proceed, and the remaining budget.
func (l *RateLimiter) Allow(ctx context.Context, identity string) (bool, int) {
	key := fmt.Sprintf("rate_limit:%s", identity)

	count, err := l.store.client.Incr(ctx, key).Result()
	if err != nil {
		l.store.markDegraded(err)
		return true, l.limit
	}
	l.store.markHealthy()

	if count == 1 {
		// First hit in the window owns the expiry.
		l.store.client.Expire(ctx, key, l.window)
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= l.limit, remaining
}
