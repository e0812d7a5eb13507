package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
)

func mkResult(body string, method Method) *Result {
	return &Result{ID: body, Body: body, Method: method}
}

func TestFuseRRFDeterministicOrdering(t *testing.T) {
	// Vector [A,B,C] at weight 0.4, BM25 [B,A,D] at weight 0.3. The
	// heavier vector weight sits on A's better rank, so A edges B:
	// A (0.4/60+0.3/61) > B (0.4/61+0.3/60) > C (0.4/62) > D (0.3/62).
	lists := map[Method][]*Result{
		MethodVector: {mkResult("A", MethodVector), mkResult("B", MethodVector), mkResult("C", MethodVector)},
		MethodBM25:   {mkResult("B", MethodBM25), mkResult("A", MethodBM25), mkResult("D", MethodBM25)},
	}
	weights := map[Method]float64{
		MethodVector:   0.4,
		MethodBM25:     0.3,
		MethodSemantic: 0.2,
		MethodKG:       0.1,
	}

	fused := FuseRRF(lists, weights, 60)
	require.Len(t, fused, 4)

	var order []string
	for _, r := range fused {
		order = append(order, r.Body)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)

	// Weights normalize over the producing subset (0.4+0.3).
	norm := 0.4 + 0.3
	wantA := (0.4/norm)/60 + (0.3/norm)/61
	wantB := (0.4/norm)/61 + (0.3/norm)/60
	assert.InDelta(t, wantA, fused[0].FinalScore, 1e-12)
	assert.InDelta(t, wantA, fused[0].Score("rrf_score"), 1e-12)
	assert.InDelta(t, wantB, fused[1].FinalScore, 1e-12)
	assert.Greater(t, fused[0].FinalScore, fused[1].FinalScore)
}

func TestFuseRRFDedupFirstSeenWins(t *testing.T) {
	first := &Result{ID: "v1", Body: "高血压的饮食控制", Title: "饮食", Method: MethodVector}
	dup := &Result{ID: "b9", Body: "高血压的饮食控制", Title: "", Method: MethodBM25}

	fused := FuseRRF(map[Method][]*Result{
		MethodVector: {first},
		MethodBM25:   {dup},
	}, map[Method]float64{MethodVector: 0.4, MethodBM25: 0.3}, 60)

	require.Len(t, fused, 1)
	assert.Equal(t, "v1", fused[0].ID)
	assert.Equal(t, "饮食", fused[0].Title)
	// Both methods contributed to the surviving entry.
	assert.Positive(t, fused[0].Score("rrf_vector"))
	assert.Positive(t, fused[0].Score("rrf_bm25"))
}

func TestFuseRRFLongBodyDedupKey(t *testing.T) {
	base := ""
	for i := 0; i < 100; i++ {
		base += "血"
	}
	a := &Result{ID: "a", Body: base + "后缀一", Method: MethodVector}
	b := &Result{ID: "b", Body: base + "不同后缀", Method: MethodBM25}

	fused := FuseRRF(map[Method][]*Result{
		MethodVector: {a},
		MethodBM25:   {b},
	}, map[Method]float64{MethodVector: 0.4, MethodBM25: 0.3}, 60)

	// First 100 chars match, so the two collapse into one.
	require.Len(t, fused, 1)
	assert.Equal(t, "a", fused[0].ID)
}

type stubRetriever struct {
	method  Method
	results []*Result
	err     error
}

func (s *stubRetriever) Name() Method { return s.method }

func (s *stubRetriever) Retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	return s.results, s.err
}

func TestFusionIndependentFate(t *testing.T) {
	cfg := config.RetrievalConfig{
		TopK:       10,
		BM25Weight: 0.3,
		KGWeight:   0.1,
		RRFK:       60,
	}
	bm25 := &stubRetriever{method: MethodBM25, results: []*Result{mkResult("证据", MethodBM25)}}
	kg := &stubRetriever{method: MethodKG, err: errors.New("graph down")}

	f := NewFusion(cfg, nil, bm25, nil, kg)
	results, err := f.Retrieve(context.Background(), "高血压", 10)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "证据", results[0].Body)
}

func TestFusionTruncatesToTopK(t *testing.T) {
	var many []*Result
	for _, body := range []string{"一", "二", "三", "四", "五"} {
		many = append(many, mkResult(body, MethodBM25))
	}
	cfg := config.RetrievalConfig{TopK: 2, BM25Weight: 0.3, RRFK: 60}
	f := NewFusion(cfg, nil, &stubRetriever{method: MethodBM25, results: many}, nil, nil)

	results, err := f.Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
