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
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/uniclin/mediq/pkg/embedder"
	"github.com/uniclin/mediq/pkg/vector"
)

// RewriteFunc rewrites a query for recall (synonym expansion, colloquial
// to clinical phrasing). Backed by the LLM client; nil disables rewrite.
type RewriteFunc func(ctx context.Context, query string) (string, error)

// SemanticRetriever embeds a possibly rewritten query and ranks a
// candidate set by cosine similarity. Because exhaustive similarity is
// expensive, it prefers candidates handed over from the vector path and
// only falls back to its own ANN search when none were provided.
type SemanticRetriever struct {
	embedder   embedder.Embedder
	provider   vector.Provider
	collection string
	rewrite    RewriteFunc
}

// NewSemanticRetriever wires the semantic rewrite path.
func NewSemanticRetriever(emb embedder.Embedder, provider vector.Provider, collection string, rewrite RewriteFunc) *SemanticRetriever {
	return &SemanticRetriever{
		embedder:   emb,
		provider:   provider,
		collection: collection,
		rewrite:    rewrite,
	}
}

func (r *SemanticRetriever) Name() Method { return MethodSemantic }

// Retrieve rewrites the query, embeds it, and scores its own ANN
// candidates by cosine.
func (r *SemanticRetriever) Retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	return r.RetrieveWithCandidates(ctx, query, topK, nil)
}

// RetrieveWithCandidates is Retrieve with the vector path's hits handed
// over for the current call only; candidates never outlive the turn.
// A rewrite failure falls back to the original query.
func (r *SemanticRetriever) RetrieveWithCandidates(ctx context.Context, query string, topK int, candidates []vector.Result) ([]*Result, error) {
	effective := query
	if r.rewrite != nil {
		rewritten, err := r.rewrite(ctx, query)
		if err != nil {
			slog.Warn("Query rewrite failed, using original", "error", err)
		} else if strings.TrimSpace(rewritten) != "" {
			effective = rewritten
		}
	}

	queryVec, err := r.embedder.Embed(ctx, effective)
	if err != nil {
		return nil, fmt.Errorf("embed rewritten query: %w", err)
	}

	if len(candidates) == 0 {
		fetch := topK * 3
		if fetch <= 0 {
			fetch = 30
		}
		candidates, err = r.provider.Search(ctx, r.collection, queryVec, fetch)
		if err != nil {
			return nil, fmt.Errorf("candidate search: %w", err)
		}
	}

	results := make([]*Result, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		score := float64(c.Score)
		if len(c.Vector) > 0 {
			score = Cosine(queryVec, c.Vector)
		}
		results = append(results, &Result{
			ID:         c.ID,
			Body:       c.Text,
			Source:     c.Source,
			DocumentID: c.DocumentID,
			Metadata:   c.MetadataMap(),
			Method:     MethodSemantic,
			RawScore:   score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].RawScore > results[j].RawScore })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Cosine computes cosine similarity; zero for mismatched or empty
// vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
