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

package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/observability"
	"github.com/uniclin/mediq/pkg/tokenizer"
)

// ResponseCache is the semantic-cache capability the client consults.
// Implemented by pkg/cache; nil disables mediation.
type ResponseCache interface {
	// Get returns (response, similarity, true) on a hit.
	Get(ctx context.Context, query string) (string, float64, bool)

	// Set writes through after a successful generation.
	Set(ctx context.Context, query, response string, metadata map[string]any)
}

// Rough blended price per 1K tokens, used only for the cost estimate on
// generation records.
const costPer1KTokens = 0.002

type cacheStatusKey struct{}

// CacheStatus reports whether a generation was served from the semantic
// cache, and at what similarity.
type CacheStatus struct {
	Hit        bool
	Similarity float64
}

// WithCacheStatus installs a CacheStatus the client fills on a cache
// hit, so callers can annotate the turn they hand back.
func WithCacheStatus(ctx context.Context) (context.Context, *CacheStatus) {
	status := &CacheStatus{}
	return context.WithValue(ctx, cacheStatusKey{}, status), status
}

// CacheStatusFrom returns the installed status, nil when absent.
func CacheStatusFrom(ctx context.Context) *CacheStatus {
	status, _ := ctx.Value(cacheStatusKey{}).(*CacheStatus)
	return status
}

// Client composes a provider with the resilience stack: the breaker
// wraps the retry loop, the semantic cache short-circuits both.
type Client struct {
	provider Provider
	breaker  *Breaker
	cache    ResponseCache

	// maxRetries bounds total provider attempts, the initial call
	// included.
	maxRetries int
	baseDelay  time.Duration
}

// NewClient builds the composed client. cache may be nil.
func NewClient(provider Provider, cfg config.LLMConfig, cache ResponseCache) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := time.Duration(cfg.RetryDelay) * time.Second
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	return &Client{
		provider: provider,
		breaker: NewBreaker(provider.Name(), cfg.FailureThreshold,
			time.Duration(cfg.RecoveryTimeout)*time.Second),
		cache:      cache,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Provider exposes the wrapped provider.
func (c *Client) Provider() Provider { return c.provider }

// Breaker exposes the circuit breaker, mainly for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Generate runs one completion through cache, breaker, and retry.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	if c.cache != nil {
		if response, similarity, ok := c.cache.Get(ctx, req.Prompt); ok {
			slog.Debug("Semantic cache hit", "similarity", similarity)
			if status := CacheStatusFrom(ctx); status != nil {
				status.Hit = true
				status.Similarity = similarity
			}
			c.emit(ctx, req, response, start, 0, true, nil)
			return response, nil
		}
	}

	if err := c.breaker.Allow(); err != nil {
		c.emit(ctx, req, "", start, 0, false, err)
		return "", err
	}

	response, firstToken, err := c.generateWithRetry(ctx, req)
	if err != nil {
		c.breaker.OnFailure()
		c.emit(ctx, req, "", start, firstToken, false, err)
		return "", err
	}
	c.breaker.OnSuccess()

	if c.cache != nil {
		c.cache.Set(ctx, req.Prompt, response, map[string]any{
			"model": c.provider.Model(),
		})
	}

	c.emit(ctx, req, response, start, firstToken, false, nil)
	return response, nil
}

// Stream yields deltas. Retries apply only until the stream is
// established; after the first token, failures surface immediately.
// The full text is cache-written and recorded when the stream ends.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan string, error) {
	start := time.Now()

	if c.cache != nil {
		if response, similarity, ok := c.cache.Get(ctx, req.Prompt); ok {
			if status := CacheStatusFrom(ctx); status != nil {
				status.Hit = true
				status.Similarity = similarity
			}
			out := make(chan string, 1)
			out <- response
			close(out)
			c.emit(ctx, req, response, start, 0, true, nil)
			return out, nil
		}
	}

	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	var (
		upstream <-chan string
		err      error
	)
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if werr := c.wait(ctx, attempt); werr != nil {
				c.breaker.OnFailure()
				return nil, werr
			}
		}
		upstream, err = c.provider.Stream(ctx, req)
		if err == nil {
			break
		}
	}
	if err != nil {
		c.breaker.OnFailure()
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		var (
			full       []byte
			firstToken time.Duration
		)
		for delta := range upstream {
			if firstToken == 0 {
				firstToken = time.Since(start)
			}
			full = append(full, delta...)
			select {
			case <-ctx.Done():
				return
			case out <- delta:
			}
		}
		c.breaker.OnSuccess()

		response := string(full)
		if c.cache != nil && response != "" {
			c.cache.Set(ctx, req.Prompt, response, map[string]any{
				"model": c.provider.Model(),
			})
		}
		c.emit(ctx, req, response, start, firstToken, false, nil)
	}()
	return out, nil
}

// generateWithRetry is the inner retry loop: at most maxRetries
// provider attempts, exponential backoff between them, base 1s,
// factor 2, on any error.
func (c *Client) generateWithRetry(ctx context.Context, req Request) (string, time.Duration, error) {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return "", 0, err
			}
		}

		response, err := c.provider.Generate(ctx, req)
		if err == nil {
			return response, time.Since(start), nil
		}
		lastErr = err
	}
	return "", 0, lastErr
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	return nil
}

func (c *Client) emit(ctx context.Context, req Request, response string, start time.Time, firstToken time.Duration, cacheHit bool, err error) {
	input := req.System + "\n" + req.Prompt
	inputTokens := tokenizer.CountTokens(c.provider.Model(), input)
	outputTokens := tokenizer.CountTokens(c.provider.Model(), response)
	total := inputTokens + outputTokens

	observability.EmitGeneration(ctx, observability.GenerationRecord{
		Model:        c.provider.Model(),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Input:        input,
		Output:       response,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  total,
		CostEstimate: float64(total) / 1000 * costPer1KTokens,
		FirstTokenMS: firstToken.Milliseconds(),
		TotalMS:      time.Since(start).Milliseconds(),
		CacheHit:     cacheHit,
		Error:        err != nil,
	})
}
