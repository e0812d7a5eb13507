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

package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/observability"
	"github.com/uniclin/mediq/pkg/vector"
)

// Fusion fans out to the enabled sub-retrievers and merges their ranked
// lists with weighted Reciprocal Rank Fusion.
//
// Independent fate: one sub-retriever failing yields an empty list and
// a warning, never an aborted turn.
type Fusion struct {
	cfg config.RetrievalConfig

	vector   *VectorRetriever
	bm25     Retriever
	semantic *SemanticRetriever
	kg       Retriever
}

// NewFusion wires the fan-out. Any retriever may be nil; nil and
// disabled mean the same thing.
func NewFusion(cfg config.RetrievalConfig, vec *VectorRetriever, bm25 Retriever, semantic *SemanticRetriever, kg Retriever) *Fusion {
	return &Fusion{cfg: cfg, vector: vec, bm25: bm25, semantic: semantic, kg: kg}
}

// Retrieve runs the full fan-out + fusion for one query.
//
// The vector path runs first so the semantic retriever can reuse its
// candidates; the remaining paths then run in parallel.
func (f *Fusion) Retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	if topK <= 0 {
		topK = f.cfg.TopK
	}
	lists := make(map[Method][]*Result, 4)
	var mu sync.Mutex

	run := func(method Method, fetch func() ([]*Result, error)) {
		start := time.Now()
		results, err := fetch()
		rec := observability.StageRecord{
			TraceID:   observability.TraceID(ctx),
			Stage:     "retrieval_" + string(method),
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			rec.Error = err.Error()
			observability.EmitStage(ctx, rec)
			slog.Warn("Sub-retriever failed", "method", method, "error", err)
			return
		}
		observability.EmitStage(ctx, rec)
		mu.Lock()
		lists[method] = results
		mu.Unlock()
	}

	// handoff is written before the fan-out goroutines start and only
	// read by them, so candidates stay scoped to this turn.
	var handoff []vector.Result
	if f.vector != nil && f.cfg.VectorEnabled() {
		run(MethodVector, func() ([]*Result, error) {
			results, hits, err := f.vector.RetrieveWithHits(ctx, query, topK)
			if err == nil {
				handoff = hits
			}
			return results, err
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if f.bm25 != nil && f.cfg.BM25Enabled() {
		g.Go(func() error {
			run(MethodBM25, func() ([]*Result, error) { return f.bm25.Retrieve(gctx, query, topK) })
			return nil
		})
	}
	if f.semantic != nil && f.cfg.SemanticEnabled() {
		g.Go(func() error {
			run(MethodSemantic, func() ([]*Result, error) {
				return f.semantic.RetrieveWithCandidates(gctx, query, topK, handoff)
			})
			return nil
		})
	}
	if f.kg != nil && f.cfg.KGEnabled() {
		g.Go(func() error {
			run(MethodKG, func() ([]*Result, error) { return f.kg.Retrieve(gctx, query, topK) })
			return nil
		})
	}
	_ = g.Wait()

	fused := FuseRRF(lists, f.weights(), f.rrfK())
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

func (f *Fusion) weights() map[Method]float64 {
	return map[Method]float64{
		MethodVector:   f.cfg.VectorWeight,
		MethodBM25:     f.cfg.BM25Weight,
		MethodSemantic: f.cfg.SemanticWeight,
		MethodKG:       f.cfg.KGWeight,
	}
}

func (f *Fusion) rrfK() int {
	if f.cfg.RRFK > 0 {
		return f.cfg.RRFK
	}
	return 60
}

// FuseRRF merges ranked lists: score(doc) = Σ w_m / (k + rank_m), rank
// zero-based, weights normalized over the methods that actually
// produced results. Documents are keyed by the first 100 body
// characters; the first-seen instance keeps the payload.
func FuseRRF(lists map[Method][]*Result, weights map[Method]float64, k int) []*Result {
	var weightSum float64
	for method, results := range lists {
		if len(results) > 0 {
			weightSum += weights[method]
		}
	}
	if weightSum == 0 {
		weightSum = 1
	}

	type fusedEntry struct {
		result *Result
		score  float64
		seen   int
	}
	merged := make(map[string]*fusedEntry)
	var order []string
	seq := 0

	// Deterministic method order so first-seen is well defined.
	for _, method := range []Method{MethodVector, MethodBM25, MethodSemantic, MethodKG} {
		results := lists[method]
		if len(results) == 0 {
			continue
		}
		w := weights[method] / weightSum

		for rank, r := range results {
			contribution := w / float64(k+rank)
			key := r.DedupKey()

			entry, ok := merged[key]
			if !ok {
				entry = &fusedEntry{result: r, seen: seq}
				seq++
				merged[key] = entry
				order = append(order, key)
			}
			entry.score += contribution
			entry.result.SetScore("rrf_"+string(method), contribution)
		}
	}

	out := make([]*Result, 0, len(order))
	for _, key := range order {
		entry := merged[key]
		entry.result.SetScore("rrf_score", entry.score)
		entry.result.FinalScore = entry.score
		out = append(out, entry.result)
	}

	// Stable sort keeps first-seen order on exact ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	return out
}
