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

// Package rerank rescores fused retrieval results: a cross-encoder
// pass, learned pointwise models, and a ranking optimizer, composed
// into one chain that reorders without adding or dropping evidence.
package rerank

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/uniclin/mediq/pkg/observability"
	"github.com/uniclin/mediq/pkg/retrieval"
)

// Stage is one optional rerank pass. Stages annotate Scores and return
// the same result set, reordered at most.
type Stage interface {
	Name() string
	Rerank(ctx context.Context, query string, results []*retrieval.Result) []*retrieval.Result
}

// Final-score weights. A stage that never ran leaves its score absent
// and its weight is treated as zero.
var finalWeights = []struct {
	score  string
	weight float64
}{
	{"relevance_score", 0.3},
	{"bge_score", 0.3},
	{"ml_score", 0.2},
	{"optimized_score", 0.2},
	{"rrf_score", 0.1},
}

// Chain applies its stages in order, then computes final scores and
// sorts once.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain; nil stages are skipped.
func NewChain(stages ...Stage) *Chain {
	c := &Chain{}
	for _, s := range stages {
		if s != nil {
			c.stages = append(c.stages, s)
		}
	}
	return c
}

// Rerank runs the chain. The output is a permutation of the input.
func (c *Chain) Rerank(ctx context.Context, query string, results []*retrieval.Result) []*retrieval.Result {
	if len(results) == 0 {
		return results
	}

	for _, stage := range c.stages {
		start := time.Now()
		reranked := stage.Rerank(ctx, query, results)
		observability.EmitStage(ctx, observability.StageRecord{
			TraceID:   observability.TraceID(ctx),
			Stage:     "rerank_" + stage.Name(),
			LatencyMS: time.Since(start).Milliseconds(),
		})

		if len(reranked) != len(results) {
			slog.Warn("Rerank stage changed result count, ignoring its output",
				"stage", stage.Name(), "in", len(results), "out", len(reranked))
			continue
		}
		results = reranked
	}

	return FinalSort(results)
}

// FinalSort computes the weighted final score over whatever stage
// scores are present and sorts descending.
func FinalSort(results []*retrieval.Result) []*retrieval.Result {
	for _, r := range results {
		score := 0.0
		for _, fw := range finalWeights {
			if r.Scores == nil {
				continue
			}
			if v, ok := r.Scores[fw.score]; ok {
				score += fw.weight * v
			}
		}
		r.FinalScore = score
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].FinalScore > results[j].FinalScore })
	return results
}
