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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics *Metrics = &Metrics{}
	metricsMu     sync.RWMutex
)

// Metrics aggregates the process-wide instruments. The zero value is a
// usable no-op.
type Metrics struct {
	stageDuration metric.Float64Histogram
	stageTotal    metric.Int64Counter
	stageErrors   metric.Int64Counter

	llmDuration  metric.Float64Histogram
	llmInTokens  metric.Int64Counter
	llmOutTokens metric.Int64Counter
	llmCacheHits metric.Int64Counter
	llmErrors    metric.Int64Counter
}

// Global returns the installed metrics, never nil.
func Global() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// SetGlobal installs m as the process metrics.
func SetGlobal(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m != nil {
		globalMetrics = m
	}
}

// MetricsConfig mirrors config.MetricsConfig without importing it.
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// InitMetrics builds the prometheus-exported meter and installs the global
// instruments. With Enabled=false it returns a no-op Metrics.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("mediq")

	m := &Metrics{}

	if m.stageDuration, err = meter.Float64Histogram(
		"mediq_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	if m.stageTotal, err = meter.Int64Counter(
		"mediq_stage_total",
		metric.WithDescription("Total pipeline stage executions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage counter: %w", err)
	}

	if m.stageErrors, err = meter.Int64Counter(
		"mediq_stage_errors_total",
		metric.WithDescription("Total pipeline stage errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"mediq_llm_call_duration_seconds",
		metric.WithDescription("LLM call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmInTokens, err = meter.Int64Counter(
		"mediq_llm_input_tokens_total",
		metric.WithDescription("Total LLM input tokens"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	if m.llmOutTokens, err = meter.Int64Counter(
		"mediq_llm_output_tokens_total",
		metric.WithDescription("Total LLM output tokens"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	if m.llmCacheHits, err = meter.Int64Counter(
		"mediq_llm_cache_hits_total",
		metric.WithDescription("Total semantic cache hits"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm cache hits counter: %w", err)
	}

	if m.llmErrors, err = meter.Int64Counter(
		"mediq_llm_errors_total",
		metric.WithDescription("Total LLM call errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	SetGlobal(m)
	return m, nil
}

// ServeMetrics exposes /metrics on the given port. Blocks.
func ServeMetrics(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

func (m *Metrics) RecordStage(ctx context.Context, stage string, duration time.Duration, failed bool) {
	if m == nil || m.stageDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageDuration.Record(ctx, duration.Seconds(), attrs)
	m.stageTotal.Add(ctx, 1, attrs)
	if failed {
		m.stageErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inTokens, outTokens int, cacheHit, failed bool) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if inTokens > 0 {
		m.llmInTokens.Add(ctx, int64(inTokens), attrs)
	}
	if outTokens > 0 {
		m.llmOutTokens.Add(ctx, int64(outTokens), attrs)
	}
	if cacheHit {
		m.llmCacheHits.Add(ctx, 1, attrs)
	}
	if failed {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}
