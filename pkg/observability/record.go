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

// Package observability emits structured records for retrieval stages and
// LLM generations, and exports process metrics via Prometheus.
//
// Field names on the records are a contract with downstream log tooling;
// renaming them breaks dashboards.
package observability

import (
	"context"
	"log/slog"
	"time"
)

type ctxKey int

const traceIDKey ctxKey = iota

// WithTraceID attaches a per-request trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the request trace id, or "" when absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// StageRecord describes one retrieval or orchestration stage.
type StageRecord struct {
	TraceID   string
	Stage     string
	LatencyMS int64
	Tokens    int
	CacheHit  bool
	Error     string
}

// EmitStage logs a stage record with stable field names.
func EmitStage(ctx context.Context, rec StageRecord) {
	if rec.TraceID == "" {
		rec.TraceID = TraceID(ctx)
	}

	slog.Info("stage",
		"trace_id", rec.TraceID,
		"stage", rec.Stage,
		"latency_ms", rec.LatencyMS,
		"tokens", rec.Tokens,
		"cache_hit", rec.CacheHit,
		"error", rec.Error)

	Global().RecordStage(ctx, rec.Stage, time.Duration(rec.LatencyMS)*time.Millisecond, rec.Error != "")
}

// GenerationRecord describes one LLM generation.
type GenerationRecord struct {
	TraceID      string
	Model        string
	Temperature  float64
	MaxTokens    int
	Input        string
	Output       string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostEstimate float64
	FirstTokenMS int64
	TotalMS      int64
	CacheHit     bool
	Error        bool
}

// EmitGeneration logs a generation record and updates LLM metrics.
// Prompt and completion bodies are logged at debug only.
func EmitGeneration(ctx context.Context, rec GenerationRecord) {
	if rec.TraceID == "" {
		rec.TraceID = TraceID(ctx)
	}

	slog.Info("generation",
		"trace_id", rec.TraceID,
		"stage", "llm_generate",
		"model", rec.Model,
		"temperature", rec.Temperature,
		"max_tokens", rec.MaxTokens,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"tokens", rec.TotalTokens,
		"cost_estimate", rec.CostEstimate,
		"first_token_ms", rec.FirstTokenMS,
		"latency_ms", rec.TotalMS,
		"cache_hit", rec.CacheHit,
		"error", rec.Error)

	slog.Debug("generation body",
		"trace_id", rec.TraceID,
		"input", rec.Input,
		"output", rec.Output)

	Global().RecordLLMCall(ctx, rec.Model, time.Duration(rec.TotalMS)*time.Millisecond,
		rec.InputTokens, rec.OutputTokens, rec.CacheHit, rec.Error)
}
