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

package rerank

import (
	"context"
	"math"
	"path/filepath"
	"sort"

	"github.com/uniclin/mediq/pkg/retrieval"
)

// RankingOptimizer is the last learned pass. Its feature vector extends
// the pointwise features with the result's current position, so it can
// learn to correct systematic ordering bias of the earlier stages.
type RankingOptimizer struct {
	model SVMModel
}

// NewRankingOptimizer loads optimizer.json from modelDir; a nil Stage
// when absent so the chain skips the pass.
func NewRankingOptimizer(modelDir string) Stage {
	if modelDir == "" {
		return nil
	}
	var model SVMModel
	if !loadModel(filepath.Join(modelDir, "optimizer.json"), &model) || len(model.Weights) == 0 {
		return nil
	}
	return &RankingOptimizer{model: model}
}

func (o *RankingOptimizer) Name() string { return "optimizer" }

// Rerank scores with position-extended features and reorders.
func (o *RankingOptimizer) Rerank(ctx context.Context, query string, results []*retrieval.Result) []*retrieval.Result {
	n := len(results)
	for pos, res := range results {
		features := Features(query, res)
		features = append(features, positionFeature(pos, n))

		score := o.model.Probability(features)
		res.SetScore("ranking_score", score)
		res.SetScore("optimized_score", score)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score("optimized_score") > results[j].Score("optimized_score")
	})
	return results
}

// positionFeature maps the original position into (0,1], earlier is
// larger.
func positionFeature(pos, n int) float64 {
	if n <= 1 {
		return 1
	}
	return 1 - math.Log(float64(pos)+1)/math.Log(float64(n)+1)
}
