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

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/httpclient"
)

// DashScopeProvider speaks the proprietary text-generation format:
// input/parameters request envelope, flat output.text response.
type DashScopeProvider struct {
	name   string
	cfg    config.LLMConfig
	client *httpclient.Client
	http   *http.Client
}

// NewDashScopeProvider validates config and builds the provider.
func NewDashScopeProvider(name string, cfg config.LLMConfig) (*DashScopeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm provider %s: api key is required", name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm provider %s: model is required", name)
	}
	if cfg.Host == "" {
		cfg.Host = "https://dashscope.aliyuncs.com"
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	base := &http.Client{Timeout: timeout}

	return &DashScopeProvider{
		name: name,
		cfg:  cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(base),
			httpclient.WithMaxRetries(0),
			httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
		),
		http: base,
	}, nil
}

func (p *DashScopeProvider) Name() string  { return p.name }
func (p *DashScopeProvider) Model() string { return p.cfg.Model }

type dashScopeRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []chatMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Temperature       float64 `json:"temperature,omitempty"`
		MaxTokens         int     `json:"max_tokens,omitempty"`
		IncrementalOutput bool    `json:"incremental_output,omitempty"`
	} `json:"parameters"`
}

func (p *DashScopeProvider) buildRequest(req Request, stream bool) dashScopeRequest {
	var body dashScopeRequest
	body.Model = p.cfg.Model

	if req.System != "" {
		body.Input.Messages = append(body.Input.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Input.Messages = append(body.Input.Messages, chatMessage{Role: "user", Content: req.Prompt})

	body.Parameters.Temperature = req.Temperature
	if body.Parameters.Temperature == 0 {
		body.Parameters.Temperature = p.cfg.Temperature
	}
	body.Parameters.MaxTokens = req.MaxTokens
	if body.Parameters.MaxTokens == 0 {
		body.Parameters.MaxTokens = p.cfg.MaxTokens
	}
	body.Parameters.IncrementalOutput = stream
	return body
}

func (p *DashScopeProvider) endpoint() string {
	return strings.TrimRight(p.cfg.Host, "/") + "/api/v1/services/aigc/text-generation/generation"
}

// Generate runs one synchronous completion.
func (p *DashScopeProvider) Generate(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	var body completionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("llm %s: decode response: %w", p.name, err)
	}
	return body.text()
}

// Stream opens an SSE completion with incremental output.
func (p *DashScopeProvider) Stream(ctx context.Context, req Request) (<-chan string, error) {
	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-DashScope-SSE", "enable")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm %s: HTTP %d: %s", p.name, resp.StatusCode, string(data))
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		pumpSSE(ctx, resp.Body, out, p.name)
	}()
	return out, nil
}
