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

// Package agent routes a consultation turn through intent
// classification, a specialist agent, the risk gate, and finalization.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/retrieval"
)

// Intent classes.
const (
	IntentMedicalConsultation = "medical_consultation"
	IntentHealthManagement    = "health_management"
	IntentCustomerService     = "customer_service"
	IntentOpsQuery            = "ops_query"
)

// Agent types, one per intent class.
const (
	AgentDoctor          = "doctor"
	AgentHealthManager   = "health_manager"
	AgentCustomerService = "customer_service"
	AgentOps             = "ops"
)

// Tool names recorded in ToolsUsed.
const (
	ToolRAGSearch = "rag_search"
	ToolKGQuery   = "knowledge_graph_query"
	ToolDiagnosis = "diagnosis_assistant"
	ToolStaticFAQ = "static_faq"
)

// Risk levels attached by the doctor agent.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Result is what a specialist agent produces for one turn.
type Result struct {
	Answer        string        `json:"answer"`
	Sources       []string      `json:"sources,omitempty"`
	ToolsUsed     []string      `json:"tools_used,omitempty"`
	RiskLevel     string        `json:"risk_level,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`

	// CacheHit and Similarity annotate answers served from the semantic
	// cache.
	CacheHit   bool    `json:"cache_hit,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`

	// Error is set on the generic failure result; the orchestrator never
	// raises to its caller.
	Error string `json:"error,omitempty"`
}

// UsedTool reports whether the named tool was recorded.
func (r *Result) UsedTool(name string) bool {
	for _, t := range r.ToolsUsed {
		if t == name {
			return true
		}
	}
	return false
}

// State is the mutable per-turn orchestration state. It lives for one
// run and is never persisted.
type State struct {
	UserInput string
	Intent    string
	AgentType string
	Result    *Result

	// Context is the annotation bag: trace_id, intent_confidence,
	// risk_level, tools_used, history, user_profile.
	Context map[string]any
}

// NewState starts a turn.
func NewState(input string) *State {
	return &State{
		UserInput: input,
		Context:   make(map[string]any),
	}
}

// Agent is one specialist configuration of retrievers, prompt, and LLM
// parameters.
type Agent interface {
	Name() string
	Process(ctx context.Context, input string) (*Result, error)
}

// Searcher is the fused RAG search path (retrieve, rerank, final sort).
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]*retrieval.Result, error)
}

// GraphSearcher is the knowledge-graph retrieval path.
type GraphSearcher interface {
	Retrieve(ctx context.Context, query string, topK int) ([]*retrieval.Result, error)
}

// Generator is the LLM capability agents depend on.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// collectSources extracts up to max distinct source labels from ranked
// evidence, preferring titles.
func collectSources(results []*retrieval.Result, max int) []string {
	seen := make(map[string]struct{}, len(results))
	var sources []string
	for _, r := range results {
		label := r.Title
		if label == "" {
			label = r.Source
		}
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		sources = append(sources, label)
		if len(sources) >= max {
			break
		}
	}
	return sources
}

// evidenceBlock renders ranked results as a numbered context block for
// the generation prompt.
func evidenceBlock(results []*retrieval.Result, max int) string {
	if len(results) > max {
		results = results[:max]
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "【参考%d】", i+1)
		if r.Title != "" {
			b.WriteString(r.Title)
			b.WriteString("：")
		}
		b.WriteString(r.Body)
	}
	return b.String()
}
