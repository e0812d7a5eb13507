package kg

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/graph"
	"github.com/uniclin/mediq/pkg/retrieval"
)

func TestRetrieveWithoutGraphClient(t *testing.T) {
	r := NewRetriever(nil, NewEntityRecognizer(nil, nil))

	results, err := r.Retrieve(context.Background(), "高血压", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveSymptomCentric(t *testing.T) {
	g := &stubGraph{
		records: []graph.Record{{"name": "偏头痛"}, {"name": "高血压"}},
		known: map[string]bool{
			graph.LabelSymptom + ":头痛": true,
			graph.LabelSymptom + ":头晕": true,
		},
	}
	r := NewRetriever(g, NewEntityRecognizer(nil, g))

	results, err := r.Retrieve(context.Background(), "头痛 头晕", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for _, res := range results {
		assert.Equal(t, retrieval.MethodKG, res.Method)
		assert.Equal(t, "knowledge_graph", res.Source)
		assert.Positive(t, res.Score("relevance_score"))
	}
	assert.Contains(t, results[0].Body, "偏头痛")

	// Symptom-centric expansion uses the HAS_SYMPTOM pattern.
	joined := strings.Join(g.queries, "\n")
	assert.Contains(t, joined, "HAS_SYMPTOM")
}

func TestRetrieveDedupsByBody(t *testing.T) {
	// Both symptoms expand to the identical disease list, so the two
	// evidence blobs differ only by symptom name and survive; a true
	// duplicate body collapses.
	g := &stubGraph{
		records: []graph.Record{{"name": "感冒"}},
		known: map[string]bool{
			graph.LabelSymptom + ":咳嗽": true,
		},
	}
	r := NewRetriever(g, NewEntityRecognizer(nil, g))

	results, err := r.Retrieve(context.Background(), "咳嗽 咳嗽怎么回事", 10)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, res := range results {
		assert.False(t, seen[res.Body])
		seen[res.Body] = true
	}
}

func TestRetrieveTruncatesTopK(t *testing.T) {
	g := &stubGraph{
		records: []graph.Record{{"name": "疾病甲"}},
		known: map[string]bool{
			graph.LabelSymptom + ":头痛": true,
			graph.LabelSymptom + ":头晕": true,
			graph.LabelSymptom + ":恶心": true,
		},
	}
	r := NewRetriever(g, NewEntityRecognizer(nil, g))

	results, err := r.Retrieve(context.Background(), "头痛 头晕 恶心", 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 1)
}
