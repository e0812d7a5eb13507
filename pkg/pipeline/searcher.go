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

// Package pipeline composes the ingestion path (parse → chunk → index)
// and the query path (fuse → rerank) from the lower-level packages.
package pipeline

import (
	"context"

	"github.com/uniclin/mediq/pkg/rerank"
	"github.com/uniclin/mediq/pkg/retrieval"
)

// rerankFanout is how many fused candidates the rerank chain sees per
// requested result.
const rerankFanout = 2

// Searcher is the query path: multi-retriever fusion followed by the
// rerank chain.
type Searcher struct {
	fusion *retrieval.Fusion
	chain  *rerank.Chain
}

// NewSearcher wires the query path; chain may be nil.
func NewSearcher(fusion *retrieval.Fusion, chain *rerank.Chain) *Searcher {
	return &Searcher{fusion: fusion, chain: chain}
}

// Search returns the topK ranked evidence for a query. The fusion
// stage over-fetches so the rerankers have candidates to reorder.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]*retrieval.Result, error) {
	if topK <= 0 {
		topK = 10
	}

	results, err := s.fusion.Retrieve(ctx, query, topK*rerankFanout)
	if err != nil {
		return nil, err
	}

	if s.chain != nil {
		results = s.chain.Rerank(ctx, query, results)
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
