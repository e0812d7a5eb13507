package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/httpclient"
)

func testMilvus(baseURL string) *MilvusProvider {
	return &MilvusProvider{
		baseURL: baseURL,
		client: httpclient.New(
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Millisecond),
		),
		known: map[string]CollectionSpec{
			"docs": {Name: "docs", Dimension: 3, Metric: MetricL2},
		},
	}
}

func TestMilvusSearchRetriesTransientFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "c1", "distance": 0.5, "text": "高血压饮食", "document_id": 7, "source": "guide.pdf"},
			},
		})
	}))
	defer server.Close()

	p := testMilvus(server.URL)
	results, err := p.Search(context.Background(), "docs", []float32{1, 0, 0}, 5)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
	// L2 distance folds into a descending similarity.
	assert.InDelta(t, 1.0/1.5, results[0].Score, 1e-6)
}

func TestMilvusSearchSurfacesPersistentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := testMilvus(server.URL)
	_, err := p.Search(context.Background(), "docs", []float32{1, 0, 0}, 5)
	assert.Error(t, err)
}
