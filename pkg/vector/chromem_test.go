package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	return p
}

func TestChromemUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	spec := CollectionSpec{Name: "chunks", Dimension: 3, Metric: MetricCosine}
	require.NoError(t, p.EnsureCollection(ctx, spec))

	points := []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Text: "hypertension diet", DocumentID: 1, Source: "guide.pdf"},
		{ID: "b", Vector: []float32{0, 1, 0}, Text: "diabetes exercise", DocumentID: 1, Source: "guide.pdf"},
		{ID: "c", Vector: []float32{0.9, 0.1, 0}, Text: "hypertension drugs", DocumentID: 2, Source: "drugs.pdf"},
	}
	require.NoError(t, p.Upsert(ctx, "chunks", points))

	results, err := p.Search(ctx, "chunks", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Equal(t, int64(1), results[0].DocumentID)
	assert.Equal(t, "guide.pdf", results[0].Source)
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.EnsureCollection(ctx, CollectionSpec{Name: "empty", Dimension: 3}))

	results, err := p.Search(ctx, "empty", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemDeleteByDocument(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.EnsureCollection(ctx, CollectionSpec{Name: "chunks", Dimension: 2}))
	require.NoError(t, p.Upsert(ctx, "chunks", []Point{
		{ID: "a", Vector: []float32{1, 0}, Text: "x", DocumentID: 7},
		{ID: "b", Vector: []float32{0, 1}, Text: "y", DocumentID: 8},
	}))

	require.NoError(t, p.DeleteByDocument(ctx, "chunks", 7))

	results, err := p.Search(ctx, "chunks", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestClampPoint(t *testing.T) {
	long := make([]byte, MaxSourceBytes+10)
	for i := range long {
		long[i] = 'x'
	}

	p := Point{ID: "a", Source: string(long)}
	clampPoint(&p)
	assert.Len(t, p.Source, MaxSourceBytes)
}
