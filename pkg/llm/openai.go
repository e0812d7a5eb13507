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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/httpclient"
)

// OpenAIProvider speaks the chat-completions wire format. It also
// serves any compatible gateway.
type OpenAIProvider struct {
	name   string
	cfg    config.LLMConfig
	client *httpclient.Client
	http   *http.Client
}

// NewOpenAIProvider validates config and builds the provider.
func NewOpenAIProvider(name string, cfg config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm provider %s: api key is required", name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm provider %s: model is required", name)
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.openai.com"
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	base := &http.Client{Timeout: timeout}

	return &OpenAIProvider{
		name: name,
		cfg:  cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(base),
			httpclient.WithMaxRetries(0), // the client layer owns retries
			httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
		),
		http: base,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) chatRequest {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}

	return chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

func (p *OpenAIProvider) endpoint() string {
	return strings.TrimRight(p.cfg.Host, "/") + "/v1/chat/completions"
}

// Generate runs one synchronous completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
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

// Stream opens an SSE completion and forwards text deltas.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan string, error) {
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

// pumpSSE reads "data:" lines until [DONE] or EOF.
func pumpSSE(ctx context.Context, r io.Reader, out chan<- string, provider string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				return
			}
			continue
		}

		var body completionBody
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			slog.Warn("Skipping malformed stream chunk", "provider", provider, "error", err)
			continue
		}
		delta := body.delta()
		if delta == "" {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case out <- delta:
		}
	}
}
