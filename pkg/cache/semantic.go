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

// Package cache implements the semantic response cache: answers to
// previously seen questions are reused when a new question embeds close
// enough to a cached one. A cache failure is always a miss, never an
// error.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/embedder"
	"github.com/uniclin/mediq/pkg/kv"
	"github.com/uniclin/mediq/pkg/vector"
)

// cacheNList is the IVF partition count for the cache collection; far
// smaller than the document index since the cache stays in the tens of
// thousands of entries.
const cacheNList = 128

// sweepHorizonDays bounds how far past the cutoff a cleanup sweep
// looks for stale day buckets.
const sweepHorizonDays = 30

// SemanticCache stores generated responses keyed by query embedding.
// The vector collection (cosine metric) is the primary store; the KV
// store holds an exact-key fallback used when the vector path is down.
type SemanticCache struct {
	cfg        config.SemanticCacheConfig
	embedder   embedder.Embedder
	vectors    vector.Provider
	collection string
	kv         *kv.Store

	now func() time.Time
}

// kvEntry is the fallback record written alongside every vector point.
type kvEntry struct {
	Response  string         `json:"response"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CachedAt  time.Time      `json:"cached_at"`
}

// NewSemanticCache builds the cache. vectors or store may be nil; the
// remaining path is used alone.
func NewSemanticCache(cfg config.SemanticCacheConfig, emb embedder.Embedder, vectors vector.Provider, collection string, store *kv.Store) *SemanticCache {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.95
	}
	if cfg.TTLDays <= 0 {
		cfg.TTLDays = 7
	}
	return &SemanticCache{
		cfg:        cfg,
		embedder:   emb,
		vectors:    vectors,
		collection: collection,
		kv:         store,
		now:        time.Now,
	}
}

// Init ensures the cache collection exists.
func (c *SemanticCache) Init(ctx context.Context) error {
	if c.vectors == nil {
		return nil
	}
	return c.vectors.EnsureCollection(ctx, vector.CollectionSpec{
		Name:      c.collection,
		Dimension: c.embedder.Dimension(),
		Metric:    vector.MetricCosine,
		NList:     cacheNList,
	})
}

// Get returns (response, similarity, true) when the nearest cached
// query reaches the similarity threshold. Any failure along the way is
// a miss.
func (c *SemanticCache) Get(ctx context.Context, query string) (string, float64, bool) {
	if c == nil || !c.cfg.Enabled {
		return "", 0, false
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Semantic cache embed failed, falling back to exact lookup", "error", err)
		return c.kvGet(ctx, query)
	}

	if c.vectors == nil {
		return c.kvGet(ctx, query)
	}
	hits, err := c.vectors.Search(ctx, c.collection, vec, 1)
	if err != nil {
		slog.Warn("Semantic cache search failed, falling back to exact lookup", "error", err)
		return c.kvGet(ctx, query)
	}
	if len(hits) == 0 {
		return "", 0, false
	}

	similarity := float64(hits[0].Score)
	if similarity < c.cfg.Threshold {
		return "", 0, false
	}

	response, _ := hits[0].MetadataMap()["response"].(string)
	if response == "" {
		return "", 0, false
	}
	return response, similarity, true
}

// kvGet is the exact-key fallback. A KV hit is by definition the same
// query, so similarity is reported as 1.
func (c *SemanticCache) kvGet(ctx context.Context, query string) (string, float64, bool) {
	if c.kv == nil {
		return "", 0, false
	}
	var e kvEntry
	if err := c.kv.GetJSON(ctx, kv.MD5Key("semantic_cache", "", query), &e); err != nil {
		return "", 0, false
	}
	if e.Response == "" {
		return "", 0, false
	}
	return e.Response, 1, true
}

// Set writes the response to both stores. Failures are logged and
// swallowed.
func (c *SemanticCache) Set(ctx context.Context, query, response string, metadata map[string]any) {
	if c == nil || !c.cfg.Enabled || response == "" {
		return
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Semantic cache embed failed, entry not cached", "error", err)
		return
	}

	now := c.now()
	key := kv.MD5Key("semantic_cache", "", query)

	if c.vectors != nil {
		meta := map[string]any{
			"response":  response,
			"cached_at": now.Format(time.RFC3339),
		}
		for k, v := range metadata {
			meta[k] = v
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			slog.Warn("Semantic cache metadata not serializable", "error", err)
			return
		}

		point := vector.Point{
			ID:     key,
			Vector: vec,
			Text:   query,
			// Entries are bucketed by day so the cleanup sweep can use
			// delete-by-document.
			DocumentID: dayBucket(now),
			Source:     "semantic_cache",
			Metadata:   string(encoded),
		}
		if err := c.vectors.Upsert(ctx, c.collection, []vector.Point{point}); err != nil {
			slog.Warn("Semantic cache vector write failed", "error", err)
		}
	}

	if c.kv != nil {
		ttl := time.Duration(c.cfg.TTLDays) * 24 * time.Hour
		entry := kvEntry{
			Response:  response,
			Embedding: vec,
			Metadata:  metadata,
			CachedAt:  now,
		}
		if err := c.kv.SetJSON(ctx, key, entry, ttl); err != nil {
			slog.Warn("Semantic cache KV write failed", "error", err)
		}
	}
}

// Cleanup removes vector entries older than olderThan. KV entries
// expire on their own via TTL. Bucket deletion failures are logged and
// the sweep continues.
func (c *SemanticCache) Cleanup(ctx context.Context, olderThan time.Duration) int {
	if c.vectors == nil {
		return 0
	}

	cutoff := dayBucket(c.now().Add(-olderThan))
	swept := 0
	for day := cutoff - sweepHorizonDays; day <= cutoff; day++ {
		if err := c.vectors.DeleteByDocument(ctx, c.collection, day); err != nil {
			slog.Warn("Semantic cache cleanup failed for bucket", "day", day, "error", err)
			continue
		}
		swept++
	}
	slog.Info("Semantic cache cleanup complete", "buckets", swept, "older_than", olderThan)
	return swept
}

func dayBucket(t time.Time) int64 {
	return t.Unix() / 86400
}
