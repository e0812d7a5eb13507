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

// Package llm is the language-model client: provider abstraction,
// retry with exponential backoff, a per-provider circuit breaker, and
// semantic-cache mediation.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/uniclin/mediq/pkg/config"
)

// Request is one generation request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Provider is a single upstream model service.
type Provider interface {
	Name() string
	Model() string

	// Generate returns the full completion.
	Generate(ctx context.Context, req Request) (string, error)

	// Stream yields text deltas. The channel closes when the
	// generation finishes; a mid-stream failure closes it early.
	Stream(ctx context.Context, req Request) (<-chan string, error)
}

// ErrEmptyCompletion is returned when a response carries neither
// choices[0].message.content nor output.text.
var ErrEmptyCompletion = errors.New("llm: response contains no completion text")

// NewProvider builds a provider from config.
func NewProvider(name string, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(name, cfg)
	case "dashscope":
		return NewDashScopeProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type: %s", cfg.Type)
	}
}

// completionBody is the tolerant response shape shared by both
// providers: chat-completions style and the flat output.text style.
type completionBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Output struct {
		Text string `json:"text"`
	} `json:"output"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// text extracts the completion, trying both shapes.
func (b *completionBody) text() (string, error) {
	if len(b.Choices) > 0 && b.Choices[0].Message.Content != "" {
		return b.Choices[0].Message.Content, nil
	}
	if b.Output.Text != "" {
		return b.Output.Text, nil
	}
	if b.Error.Message != "" {
		return "", fmt.Errorf("llm: upstream error: %s", b.Error.Message)
	}
	return "", ErrEmptyCompletion
}

// delta extracts a streaming chunk, trying both shapes.
func (b *completionBody) delta() string {
	if len(b.Choices) > 0 {
		if c := b.Choices[0].Delta.Content; c != "" {
			return c
		}
		if c := b.Choices[0].Message.Content; c != "" {
			return c
		}
	}
	return b.Output.Text
}
