package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/kv"
	"github.com/uniclin/mediq/pkg/vector"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }
func (f *fakeEmbedder) Close() error   { return nil }

func newTestCache(t *testing.T, emb *fakeEmbedder) *SemanticCache {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	c := NewSemanticCache(config.SemanticCacheConfig{Enabled: true, Threshold: 0.95, TTLDays: 7},
		emb, provider, "semantic_cache", nil)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func TestCacheHitAboveThreshold(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"高血压患者饮食应注意什么": {1, 0, 0},
		// Unit vector at cosine 0.96 to the stored query.
		"高血压病人饮食要注意哪些": {0.96, 0.28, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	c.Set(ctx, "高血压患者饮食应注意什么", "低盐饮食，规律监测血压。", map[string]any{"model": "test"})

	response, similarity, ok := c.Get(ctx, "高血压病人饮食要注意哪些")
	require.True(t, ok)
	assert.Equal(t, "低盐饮食，规律监测血压。", response)
	assert.InDelta(t, 0.96, similarity, 1e-6)
}

func TestCacheMissBelowThreshold(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"高血压患者饮食应注意什么": {1, 0, 0},
		"糖尿病有哪些典型症状":   {0, 1, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	c.Set(ctx, "高血压患者饮食应注意什么", "低盐饮食。", nil)

	_, _, ok := c.Get(ctx, "糖尿病有哪些典型症状")
	assert.False(t, ok)
}

func TestCacheExactQueryRoundTrip(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"感冒了怎么办": {0, 1, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	c.Set(ctx, "感冒了怎么办", "多休息多喝水，症状加重请就医。", nil)

	response, similarity, ok := c.Get(ctx, "感冒了怎么办")
	require.True(t, ok)
	assert.Equal(t, "多休息多喝水，症状加重请就医。", response)
	assert.InDelta(t, 1.0, similarity, 1e-6)
}

func TestCacheDisabledSkipsEmbedder(t *testing.T) {
	emb := &fakeEmbedder{}
	c := NewSemanticCache(config.SemanticCacheConfig{Enabled: false},
		emb, nil, "semantic_cache", nil)
	ctx := context.Background()

	c.Set(ctx, "问题", "答案", nil)
	_, _, ok := c.Get(ctx, "问题")
	assert.False(t, ok)
	assert.Zero(t, emb.calls)
}

func TestCacheDegradedKVIsSilentMiss(t *testing.T) {
	// Unreachable server: every read misses, every write no-ops, and
	// nothing panics or errors.
	store := kv.NewStore(config.RedisConfig{Addr: "127.0.0.1:1"})
	defer store.Close()

	emb := &fakeEmbedder{}
	c := NewSemanticCache(config.SemanticCacheConfig{Enabled: true, Threshold: 0.95, TTLDays: 7},
		emb, nil, "semantic_cache", store)
	ctx := context.Background()

	c.Set(ctx, "问题", "答案", nil)
	_, _, ok := c.Get(ctx, "问题")
	assert.False(t, ok)
}

func TestCacheCleanupSweepsOldBuckets(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"旧问题": {1, 0, 0},
		"新问题": {0, 1, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	c.now = func() time.Time { return time.Now().Add(-20 * 24 * time.Hour) }
	c.Set(ctx, "旧问题", "过期答案", nil)

	c.now = time.Now
	c.Set(ctx, "新问题", "有效答案", nil)

	swept := c.Cleanup(ctx, 7*24*time.Hour)
	assert.Positive(t, swept)

	_, _, ok := c.Get(ctx, "旧问题")
	assert.False(t, ok)

	response, _, ok := c.Get(ctx, "新问题")
	require.True(t, ok)
	assert.Equal(t, "有效答案", response)
}
