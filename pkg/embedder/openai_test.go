package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
)

func newTestServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"data": []map[string]any{}}
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			// Return in reverse order to exercise index-based reordering.
			data[len(req.Input)-1-i] = map[string]any{"embedding": vec, "index": i}
		}
		resp["data"] = data
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedBatchOrderAndDimension(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	e, err := NewOpenAIEmbedder(config.EmbedderConfig{
		Host:      srv.URL,
		APIKey:    "test-key",
		Dimension: 4,
		BatchSize: 2,
	})
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	// Batches of 2 then 1; within each batch index restores order.
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, float32(1), vectors[2][0])
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := newTestServer(t, 3)
	defer srv.Close()

	e, err := NewOpenAIEmbedder(config.EmbedderConfig{
		Host:      srv.URL,
		APIKey:    "test-key",
		Dimension: 1024,
	})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestNewOpenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(config.EmbedderConfig{})
	assert.Error(t, err)
}
