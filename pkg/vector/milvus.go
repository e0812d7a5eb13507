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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/httpclient"
)

// MilvusProvider implements Provider over the Milvus HTTP API.
//
// Document collections use L2 with an IVF_FLAT index (nlist=1024); the
// semantic cache collection uses cosine (nlist=128). Collection creation is
// idempotent and cached so the hot path skips the existence check.
type MilvusProvider struct {
	baseURL string
	apiKey  string
	client  *httpclient.Client

	mu    sync.Mutex
	known map[string]CollectionSpec
}

// NewMilvusProvider creates a Milvus provider from config.
func NewMilvusProvider(cfg config.MilvusConfig) (*MilvusProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for Milvus")
	}

	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}

	port := cfg.Port
	if port == 0 {
		port = 19530
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &MilvusProvider{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port),
		apiKey:  cfg.APIKey,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
		),
		known: make(map[string]CollectionSpec),
	}, nil
}

func (p *MilvusProvider) Name() string {
	return "milvus"
}

func (p *MilvusProvider) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	p.mu.Lock()
	if _, ok := p.known[spec.Name]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if spec.NList == 0 {
		spec.NList = 1024
	}

	createPayload := map[string]any{
		"collection_name": spec.Name,
		"schema": map[string]any{
			"name":                 spec.Name,
			"autoID":               false,
			"enable_dynamic_field": true,
			"fields": []map[string]any{
				{"name": "id", "data_type": "VarChar", "is_primary_key": true, "type_params": map[string]string{"max_length": "64"}},
				{"name": "vector", "data_type": "FloatVector", "type_params": map[string]string{"dim": fmt.Sprintf("%d", spec.Dimension)}},
				{"name": "text", "data_type": "VarChar", "type_params": map[string]string{"max_length": fmt.Sprintf("%d", MaxTextBytes)}},
				{"name": "document_id", "data_type": "Int64"},
				{"name": "source", "data_type": "VarChar", "type_params": map[string]string{"max_length": fmt.Sprintf("%d", MaxSourceBytes)}},
				{"name": "metadata", "data_type": "VarChar", "type_params": map[string]string{"max_length": fmt.Sprintf("%d", MaxMetadataBytes)}},
			},
		},
	}

	if err := p.post(ctx, "/api/v1/collection", createPayload, nil); err != nil {
		// Existing collections are fine; everything else is not.
		if !isAlreadyExists(err) {
			return fmt.Errorf("failed to create collection %s: %w", spec.Name, err)
		}
	}

	indexPayload := map[string]any{
		"collection_name": spec.Name,
		"field_name":      "vector",
		"extra_params": []map[string]string{
			{"key": "index_type", "value": "IVF_FLAT"},
			{"key": "metric_type", "value": string(spec.Metric)},
			{"key": "params", "value": fmt.Sprintf(`{"nlist":%d}`, spec.NList)},
		},
	}
	if err := p.post(ctx, "/api/v1/index", indexPayload, nil); err != nil {
		if !isAlreadyExists(err) {
			return fmt.Errorf("failed to create index on %s: %w", spec.Name, err)
		}
	}

	loadPayload := map[string]any{"collection_name": spec.Name}
	if err := p.post(ctx, "/api/v1/collection/load", loadPayload, nil); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", spec.Name, err)
	}

	p.mu.Lock()
	p.known[spec.Name] = spec
	p.mu.Unlock()
	return nil
}

func (p *MilvusProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	spec := p.specFor(collection)
	data := make([]map[string]any, 0, len(points))
	for i := range points {
		clampPoint(&points[i])
		if err := validatePoint(&points[i], spec.Dimension); err != nil {
			return err
		}

		data = append(data, map[string]any{
			"id":          points[i].ID,
			"vector":      toFloat64(points[i].Vector),
			"text":        points[i].Text,
			"document_id": points[i].DocumentID,
			"source":      points[i].Source,
			"metadata":    points[i].Metadata,
		})
	}

	payload := map[string]any{
		"collection_name": collection,
		"data":            data,
	}

	if err := p.post(ctx, "/api/v1/entities", payload, nil); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", collection, err)
	}
	return nil
}

func (p *MilvusProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	spec := p.specFor(collection)
	metric := spec.Metric
	if metric == "" {
		metric = MetricL2
	}

	payload := map[string]any{
		"collection_name": collection,
		"vectors":         [][]float64{toFloat64(vector)},
		"top_k":           topK,
		"metric_type":     string(metric),
		"output_fields":   []string{"id", "text", "document_id", "source", "metadata"},
		"params":          map[string]any{"nprobe": 16},
	}

	var parsed struct {
		Results []struct {
			ID         string  `json:"id"`
			Distance   float32 `json:"distance"`
			Score      float32 `json:"score"`
			Text       string  `json:"text"`
			DocumentID int64   `json:"document_id"`
			Source     string  `json:"source"`
			Metadata   string  `json:"metadata"`
		} `json:"results"`
	}

	if err := p.post(ctx, "/api/v1/search", payload, &parsed); err != nil {
		return nil, fmt.Errorf("search on %s failed: %w", collection, err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, hit := range parsed.Results {
		score := hit.Score
		if score == 0 {
			score = similarityFromDistance(metric, hit.Distance)
		}
		results = append(results, Result{
			ID:         hit.ID,
			Score:      score,
			Text:       hit.Text,
			DocumentID: hit.DocumentID,
			Source:     hit.Source,
			Metadata:   hit.Metadata,
		})
	}
	return results, nil
}

func (p *MilvusProvider) DeleteByDocument(ctx context.Context, collection string, documentID int64) error {
	payload := map[string]any{
		"collection_name": collection,
		"expr":            fmt.Sprintf("document_id == %d", documentID),
	}
	if err := p.delete(ctx, "/api/v1/entities", payload); err != nil {
		return fmt.Errorf("failed to delete document %d from %s: %w", documentID, collection, err)
	}
	return nil
}

func (p *MilvusProvider) Close() error {
	return nil
}

func (p *MilvusProvider) specFor(collection string) CollectionSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[collection]
}

func (p *MilvusProvider) post(ctx context.Context, path string, payload any, out any) error {
	return p.do(ctx, http.MethodPost, path, payload, out)
}

func (p *MilvusProvider) delete(ctx context.Context, path string, payload any) error {
	return p.do(ctx, http.MethodDelete, path, payload, nil)
}

func (p *MilvusProvider) do(ctx context.Context, method, path string, payload any, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// similarityFromDistance folds a distance into a descending score so all
// backends rank the same way. L2 distances invert; cosine passes through.
func similarityFromDistance(metric Metric, distance float32) float32 {
	if metric == MetricCosine {
		return distance
	}
	return 1.0 / (1.0 + distance)
}

func isAlreadyExists(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("exist"))
}
