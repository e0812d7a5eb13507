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

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider implements Provider using chromem-go for embedded vector
// storage. No external service required; vectors live in memory with
// optional gob persistence. Intended for development and tests — production
// deployments use Milvus or Qdrant.
//
// chromem only supports cosine similarity; L2 doc collections still rank
// correctly because cosine over normalized embeddings is rank-equivalent.
type ChromemProvider struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// ChromemConfig configures the chromem provider.
type ChromemConfig struct {
	PersistPath string
	Compress    bool
}

// NewChromemProvider creates an embedded vector provider.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			slog.Warn("Failed to open persistent vector db, using memory", "error", err)
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemProvider{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (p *ChromemProvider) Name() string {
	return "chromem"
}

func (p *ChromemProvider) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.collections[spec.Name]; ok {
		return nil
	}

	// Pre-computed vectors only; the embedding func must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := p.db.GetOrCreateCollection(spec.Name, nil, identityEmbed)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", spec.Name, err)
	}

	p.collections[spec.Name] = col
	return nil
}

func (p *ChromemProvider) collection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	col, ok := p.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return col, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	for i := range points {
		clampPoint(&points[i])
		if err := validatePoint(&points[i], 0); err != nil {
			return err
		}

		doc := chromem.Document{
			ID:        points[i].ID,
			Content:   points[i].Text,
			Embedding: points[i].Vector,
			Metadata: map[string]string{
				"document_id": strconv.FormatInt(points[i].DocumentID, 10),
				"source":      points[i].Source,
				"metadata":    points[i].Metadata,
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to add document %s: %w", points[i].ID, err)
		}
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := p.collection(collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		r := Result{
			ID:    hit.ID,
			Score: hit.Similarity,
			Text:  hit.Content,
		}
		if v, ok := hit.Metadata["document_id"]; ok {
			r.DocumentID, _ = strconv.ParseInt(v, 10, 64)
		}
		r.Source = hit.Metadata["source"]
		r.Metadata = hit.Metadata["metadata"]
		results = append(results, r)
	}
	return results, nil
}

func (p *ChromemProvider) DeleteByDocument(ctx context.Context, collection string, documentID int64) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	where := map[string]string{"document_id": strconv.FormatInt(documentID, 10)}
	if err := col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("failed to delete document %d: %w", documentID, err)
	}
	return nil
}

func (p *ChromemProvider) Close() error {
	return nil
}
