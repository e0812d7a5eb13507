package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"高血压", []string{"高血", "血压"}},
		{"血压 140mmHg", []string{"血压", "140mmhg"}},
		{"aspirin dosage", []string{"aspirin", "dosage"}},
		{"服用阿司匹林 daily", []string{"服用", "用阿", "阿司", "司匹", "匹林", "daily"}},
		{"药", []string{"药"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tokenize(tt.in), "input %q", tt.in)
	}
}

func TestBM25Ranking(t *testing.T) {
	idx := NewBM25Retriever()
	idx.IndexDoc("1", "高血压饮食", "高血压患者应当低盐饮食，控制钠摄入。", "guide.pdf", 1)
	idx.IndexDoc("2", "糖尿病运动", "糖尿病患者建议每周运动五次。", "guide.pdf", 1)
	idx.IndexDoc("3", "高血压用药", "高血压常用药物包括钙通道阻滞剂。", "guide.pdf", 1)

	results, err := idx.Retrieve(context.Background(), "高血压饮食建议", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "1", results[0].ID)
	assert.Equal(t, MethodBM25, results[0].Method)
	for _, r := range results {
		assert.Positive(t, r.RawScore)
	}
}

func TestBM25NoMatch(t *testing.T) {
	idx := NewBM25Retriever()
	idx.IndexDoc("1", "高血压", "低盐饮食。", "a.pdf", 1)

	results, err := idx.Retrieve(context.Background(), "astronomy", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBM25EmptyIndexAndQuery(t *testing.T) {
	idx := NewBM25Retriever()

	results, err := idx.Retrieve(context.Background(), "高血压", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	idx.IndexDoc("1", "t", "body text", "a.pdf", 1)
	results, err = idx.Retrieve(context.Background(), " ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, idx.Len())
}

func TestBM25TopKTruncation(t *testing.T) {
	idx := NewBM25Retriever()
	for i := 0; i < 10; i++ {
		idx.IndexDoc(string(rune('a'+i)), "高血压", "高血压相关内容。", "a.pdf", 1)
	}

	results, err := idx.Retrieve(context.Background(), "高血压", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine(nil, nil))
}
