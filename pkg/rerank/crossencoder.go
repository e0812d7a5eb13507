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

package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/uniclin/mediq/pkg/httpclient"
	"github.com/uniclin/mediq/pkg/retrieval"
)

// CrossEncoder scores (query, passage) pairs against a BGE-style
// scoring service and stores the result as bge_score. Service failures
// leave the input order untouched.
type CrossEncoder struct {
	url    string
	client *httpclient.Client
}

// NewCrossEncoder points at a scoring endpoint. An empty URL returns a
// nil Stage so the chain skips the pass; returning the interface keeps
// the nil untyped.
func NewCrossEncoder(url string) Stage {
	if url == "" {
		return nil
	}
	return &CrossEncoder{
		url: url,
		client: httpclient.New(
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
		),
	}
}

func (c *CrossEncoder) Name() string { return "cross_encoder" }

type scoreRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores every passage in one batch call.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, results []*retrieval.Result) []*retrieval.Result {
	passages := make([]string, len(results))
	for i, r := range results {
		passages[i] = r.Body
	}

	payload, err := json.Marshal(scoreRequest{Query: query, Passages: passages})
	if err != nil {
		return results
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return results
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("Cross-encoder unavailable, keeping prior order", "error", err)
		return results
	}
	defer resp.Body.Close()

	var scores scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil || len(scores.Scores) != len(results) {
		slog.Warn("Cross-encoder returned malformed scores, keeping prior order", "error", err)
		return results
	}

	for i, r := range results {
		r.SetScore("bge_score", scores.Scores[i])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score("bge_score") > results[j].Score("bge_score")
	})
	return results
}
