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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/uniclin/mediq/pkg/agent"
	"github.com/uniclin/mediq/pkg/kv"
	"github.com/uniclin/mediq/pkg/observability"
)

type consultRequest struct {
	Query string `json:"query"`
}

type consultResponse struct {
	Answer      string   `json:"answer"`
	Sources     []string `json:"sources,omitempty"`
	ToolsUsed   []string `json:"tools_used,omitempty"`
	RiskLevel   string   `json:"risk_level,omitempty"`
	CacheHit    bool     `json:"cache_hit,omitempty"`
	Similarity  float64  `json:"similarity,omitempty"`
	ExecutionMS int64    `json:"execution_ms"`
	TraceID     string   `json:"trace_id"`
	Error       string   `json:"error,omitempty"`
}

// Serve runs the consultation HTTP server until ctx is cancelled.
func (a *app) Serve(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		go func() {
			if err := observability.ServeMetrics(a.cfg.Metrics.Port); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	var limiter *kv.RateLimiter
	if a.store != nil {
		limiter = kv.NewRateLimiter(a.store, 60, time.Minute)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/consult", a.handleConsult(limiter))
	mux.HandleFunc("GET /healthz", a.handleHealth)

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Consultation server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *app) handleConsult(limiter *kv.RateLimiter) http.HandlerFunc {
	timeout := time.Duration(a.cfg.Server.RequestTimeout) * time.Second

	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil {
			identity, _, _ := net.SplitHostPort(r.RemoteAddr)
			if identity == "" {
				identity = r.RemoteAddr
			}
			allowed, remaining := limiter.Allow(r.Context(), identity)
			if !allowed {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		}

		var req consultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
			http.Error(w, "query is required", http.StatusBadRequest)
			return
		}

		traceID := uuid.NewString()
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		ctx = observability.WithTraceID(ctx, traceID)

		result := a.orchestrator.Handle(ctx, req.Query)
		writeResult(w, traceID, result)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"llm_breaker":    string(a.llm.Breaker().State()),
		"bm25_documents": a.bm25.Len(),
	})
}

func writeResult(w http.ResponseWriter, traceID string, result *agent.Result) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(consultResponse{
		Answer:      result.Answer,
		Sources:     result.Sources,
		ToolsUsed:   result.ToolsUsed,
		RiskLevel:   result.RiskLevel,
		CacheHit:    result.CacheHit,
		Similarity:  result.Similarity,
		ExecutionMS: result.ExecutionTime.Milliseconds(),
		TraceID:     traceID,
		Error:       result.Error,
	})
}
