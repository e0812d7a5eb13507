package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/document"
	"github.com/uniclin/mediq/pkg/graph"
	"github.com/uniclin/mediq/pkg/retrieval"
	"github.com/uniclin/mediq/pkg/retrieval/kg"
	"github.com/uniclin/mediq/pkg/vector"
)

type stubParser struct {
	result *document.ParseResult
	calls  int
}

func (s *stubParser) Parse(ctx context.Context, path string) (*document.ParseResult, error) {
	s.calls++
	return s.result, nil
}

type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 4)
	for i, r := range text {
		v[i%4] += float32(r%97) / 97
	}
	return v, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

func (hashEmbedder) Dimension() int { return 4 }
func (hashEmbedder) Close() error   { return nil }

type recordingGraph struct {
	entities  []graph.Entity
	relations []graph.Relation
}

func (g *recordingGraph) MergeEntity(ctx context.Context, e graph.Entity) error {
	g.entities = append(g.entities, e)
	return nil
}

func (g *recordingGraph) MergeRelation(ctx context.Context, r graph.Relation) error {
	g.relations = append(g.relations, r)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Chunker.ChunkSize = 200
	cfg.Chunker.ChunkOverlap = 40
	cfg.Parser.OutputDir = t.TempDir()
	cfg.Embedder.BatchSize = 2
	return cfg
}

const testMarkdown = "# 高血压防治\n\n高血压患者的常见症状包括头痛和头晕，可服用氨氯地平控制血压。\n\n## 饮食建议\n\n低盐饮食，每日食盐摄入不超过五克。\n"

func newTestIngestor(t *testing.T, cfg *config.Config, g GraphWriter, recognizer *kg.EntityRecognizer) (*Ingestor, *retrieval.BM25Retriever, vector.Provider, *stubParser) {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	parser := &stubParser{result: &document.ParseResult{
		Markdown: testMarkdown,
		Tables: []document.Table{
			{Title: "表1 降压药对比", Page: 1, HTML: "<table><tr><td>氨氯地平</td></tr></table>"},
		},
		TotalPages: 1,
	}}
	bm25 := retrieval.NewBM25Retriever()

	ing := NewIngestor(cfg, parser, nil, hashEmbedder{}, provider, bm25, g, recognizer)
	require.NoError(t, ing.Init(context.Background()))
	return ing, bm25, provider, parser
}

func TestIngestIndexesChunks(t *testing.T) {
	cfg := testConfig(t)
	ing, bm25, provider, _ := newTestIngestor(t, cfg, nil, nil)
	ctx := context.Background()

	stats, err := ing.Ingest(ctx, "/data/docs/hypertension.pdf", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.DocumentID)
	assert.Positive(t, stats.Chunks)
	assert.Equal(t, 1, stats.Tables)

	assert.Equal(t, stats.Chunks, bm25.Len())

	results, err := bm25.Retrieve(ctx, "低盐饮食", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(7), results[0].DocumentID)
	assert.Equal(t, "hypertension.pdf", results[0].Source)

	vec, err := hashEmbedder{}.Embed(ctx, "低盐饮食")
	require.NoError(t, err)
	hits, err := provider.Search(ctx, cfg.Vector.DocCollection, vec, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestIngestMemoizesParse(t *testing.T) {
	cfg := testConfig(t)
	ing, _, _, parser := newTestIngestor(t, cfg, nil, nil)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, "/data/docs/hypertension.pdf", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, parser.calls)

	// Second run reuses the memoized parse result.
	_, err = ing.Ingest(ctx, "/data/docs/hypertension.pdf", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, parser.calls)
}

func TestIngestMergesGraphEntities(t *testing.T) {
	cfg := testConfig(t)
	g := &recordingGraph{}
	recognizer := kg.NewEntityRecognizer(nil, nil)
	ing, _, _, _ := newTestIngestor(t, cfg, g, recognizer)

	stats, err := ing.Ingest(context.Background(), "/data/docs/hypertension.pdf", 8)
	require.NoError(t, err)
	assert.Positive(t, stats.GraphEntities)

	var hasSymptomLink bool
	for _, r := range g.relations {
		if r.Predicate == graph.RelHasSymptom {
			hasSymptomLink = true
		}
		assert.True(t, graph.ValidPredicate(r.Predicate))
	}
	assert.True(t, hasSymptomLink)
}

func TestSearcherFusesAndTruncates(t *testing.T) {
	cfg := testConfig(t)
	ing, bm25, _, _ := newTestIngestor(t, cfg, nil, nil)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, "/data/docs/hypertension.pdf", 9)
	require.NoError(t, err)

	retrievalCfg := config.RetrievalConfig{BM25Weight: 1, RRFK: 60}
	fusion := retrieval.NewFusion(retrievalCfg, nil, bm25, nil, nil)
	searcher := NewSearcher(fusion, nil)

	results, err := searcher.Search(ctx, "高血压 头晕", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)
	for _, r := range results {
		assert.Positive(t, r.FinalScore)
	}
}
