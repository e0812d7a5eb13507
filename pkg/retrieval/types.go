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

// Package retrieval holds the retriever capability and its
// implementations: dense vector search, BM25, semantic rewrite, and the
// weighted rank fusion that merges them.
package retrieval

import "context"

// Method identifies which retriever produced a result. The set is
// sealed; fusion weights are keyed by it.
type Method string

const (
	MethodVector   Method = "vector"
	MethodBM25     Method = "bm25"
	MethodSemantic Method = "semantic"
	MethodKG       Method = "knowledge_graph"
)

// Result is one piece of ranked evidence. Created by a retriever;
// fusion and rerank stages mutate Scores and FinalScore downstream.
type Result struct {
	ID         string
	Body       string
	Title      string
	Source     string
	DocumentID int64
	Metadata   map[string]any

	Method   Method
	RawScore float64

	// Scores accumulates per-stage scores (rrf_score, bge_score,
	// ml_score, ranking_score, relevance_score).
	Scores map[string]float64

	FinalScore float64
}

// Score reads a named stage score, zero when absent.
func (r *Result) Score(name string) float64 {
	if r.Scores == nil {
		return 0
	}
	return r.Scores[name]
}

// SetScore records a named stage score.
func (r *Result) SetScore(name string, v float64) {
	if r.Scores == nil {
		r.Scores = make(map[string]float64, 4)
	}
	r.Scores[name] = v
}

// DedupKey identifies a result across retrievers: the first 100 body
// characters.
func (r *Result) DedupKey() string {
	runes := []rune(r.Body)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	return string(runes)
}

// Retriever is the shared retrieval capability.
type Retriever interface {
	Name() Method
	Retrieve(ctx context.Context, query string, topK int) ([]*Result, error)
}
