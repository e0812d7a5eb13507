package retrieval

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/vector"
)

type fixedEmbedder struct {
	vec []float32
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, nil
}

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int { return len(e.vec) }
func (e *fixedEmbedder) Close() error   { return nil }

type countingProvider struct {
	mu       sync.Mutex
	searches int
	hits     []vector.Result
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) EnsureCollection(ctx context.Context, spec vector.CollectionSpec) error {
	return nil
}

func (p *countingProvider) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	return nil
}

func (p *countingProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	p.mu.Lock()
	p.searches++
	p.mu.Unlock()
	return p.hits, nil
}

func (p *countingProvider) DeleteByDocument(ctx context.Context, collection string, documentID int64) error {
	return nil
}

func (p *countingProvider) Close() error { return nil }

func (p *countingProvider) searchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searches
}

func TestSemanticCandidatesScopedPerCall(t *testing.T) {
	provider := &countingProvider{hits: []vector.Result{
		{ID: "own", Text: "检索命中", Vector: []float32{1, 0, 0}},
	}}
	r := NewSemanticRetriever(&fixedEmbedder{vec: []float32{1, 0, 0}}, provider, "docs", nil)

	handed := []vector.Result{{ID: "handed", Text: "向量候选", Vector: []float32{1, 0, 0}}}
	results, err := r.RetrieveWithCandidates(context.Background(), "高血压", 5, handed)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "handed", results[0].ID)
	assert.Zero(t, provider.searchCount())

	// The next call carries no candidates and must search for its own;
	// the previous call's handoff does not leak across turns.
	results, err = r.Retrieve(context.Background(), "糖尿病", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "own", results[0].ID)
	assert.Equal(t, 1, provider.searchCount())
}

func TestFusionConcurrentRetrieves(t *testing.T) {
	provider := &countingProvider{hits: []vector.Result{
		{ID: "h1", Text: "高血压饮食建议", Vector: []float32{1, 0, 0}},
	}}
	emb := &fixedEmbedder{vec: []float32{1, 0, 0}}

	cfg := config.RetrievalConfig{
		TopK:           5,
		VectorWeight:   0.4,
		SemanticWeight: 0.2,
		RRFK:           60,
	}
	f := NewFusion(cfg,
		NewVectorRetriever(emb, provider, "docs"), nil,
		NewSemanticRetriever(emb, provider, "docs", nil), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := f.Retrieve(context.Background(), "高血压", 5)
			assert.NoError(t, err)
			assert.NotEmpty(t, results)
		}()
	}
	wg.Wait()
}
