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

	"github.com/uniclin/mediq/pkg/embedder"
	"github.com/uniclin/mediq/pkg/vector"
)

// VectorRetriever embeds the query and runs ANN search over the
// document collection.
type VectorRetriever struct {
	embedder   embedder.Embedder
	provider   vector.Provider
	collection string
}

// NewVectorRetriever wires the dense retrieval path.
func NewVectorRetriever(emb embedder.Embedder, provider vector.Provider, collection string) *VectorRetriever {
	return &VectorRetriever{embedder: emb, provider: provider, collection: collection}
}

func (r *VectorRetriever) Name() Method { return MethodVector }

// Retrieve runs one embedding call and one ANN search.
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	results, _, err := r.RetrieveWithHits(ctx, query, topK)
	return results, err
}

// RetrieveWithHits additionally returns the raw store hits so the
// semantic retriever can reuse them as its candidate set.
func (r *VectorRetriever) RetrieveWithHits(ctx context.Context, query string, topK int) ([]*Result, []vector.Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := r.provider.Search(ctx, r.collection, vec, topK)
	if err != nil {
		return nil, nil, fmt.Errorf("vector search: %w", err)
	}

	return fromVectorHits(hits, MethodVector), hits, nil
}

func fromVectorHits(hits []vector.Result, method Method) []*Result {
	results := make([]*Result, 0, len(hits))
	for i := range hits {
		h := &hits[i]
		results = append(results, &Result{
			ID:         h.ID,
			Body:       h.Text,
			Source:     h.Source,
			DocumentID: h.DocumentID,
			Metadata:   h.MetadataMap(),
			Method:     method,
			RawScore:   float64(h.Score),
		})
	}
	return results
}
