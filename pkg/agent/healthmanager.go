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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/retrieval"
	"github.com/uniclin/mediq/pkg/retrieval/kg"
)

// maxEnrichedDiseases bounds the per-disease graph lookups in one turn.
const maxEnrichedDiseases = 3

// HealthManagerAgent handles lifestyle and chronic-condition planning.
// Recognized diseases are enriched from the knowledge graph before
// generation.
type HealthManagerAgent struct {
	searcher   Searcher
	kg         GraphSearcher
	recognizer *kg.EntityRecognizer
	llm        Generator
}

// NewHealthManagerAgent builds the agent; searcher, graph, and
// recognizer may each be nil.
func NewHealthManagerAgent(searcher Searcher, graph GraphSearcher, recognizer *kg.EntityRecognizer, generator Generator) *HealthManagerAgent {
	return &HealthManagerAgent{searcher: searcher, kg: graph, recognizer: recognizer, llm: generator}
}

func (a *HealthManagerAgent) Name() string { return AgentHealthManager }

// Process runs one health-management turn.
func (a *HealthManagerAgent) Process(ctx context.Context, input string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	ragResults, kgResults := a.gather(ctx, input)
	if len(ragResults) > 0 {
		result.ToolsUsed = append(result.ToolsUsed, ToolRAGSearch)
	}
	if len(kgResults) > 0 {
		result.ToolsUsed = append(result.ToolsUsed, ToolKGQuery)
	}

	var b strings.Builder
	if block := evidenceBlock(ragResults, evidenceTopK); block != "" {
		b.WriteString("资料检索结果：\n")
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	if block := evidenceBlock(kgResults, evidenceTopK); block != "" {
		b.WriteString("相关疾病知识：\n")
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "用户问题：%s", input)

	answer, err := a.llm.Generate(ctx, llm.Request{
		System: "你是一名健康管理顾问。结合参考资料，为用户制定可执行的饮食、运动和生活方式建议。" +
			"涉及慢性病管理时提醒定期复诊。",
		Prompt: b.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("health manager agent: %w", err)
	}

	result.Answer = answer
	result.Sources = collectSources(append(ragResults, kgResults...), evidenceTopK)
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// gather fans out to RAG search and graph enrichment in parallel.
// Either path failing degrades to empty evidence.
func (a *HealthManagerAgent) gather(ctx context.Context, input string) ([]*retrieval.Result, []*retrieval.Result) {
	var ragResults, kgResults []*retrieval.Result

	g, gctx := errgroup.WithContext(ctx)
	if a.searcher != nil {
		g.Go(func() error {
			res, err := a.searcher.Search(gctx, input, evidenceTopK)
			if err != nil {
				slog.Warn("RAG search failed, continuing without", "error", err)
				return nil
			}
			ragResults = res
			return nil
		})
	}
	if a.kg != nil {
		g.Go(func() error {
			kgResults = a.enrich(gctx, input)
			return nil
		})
	}
	_ = g.Wait()
	return ragResults, kgResults
}

// enrich recognizes diseases in the input and pulls their graph
// profiles.
func (a *HealthManagerAgent) enrich(ctx context.Context, input string) []*retrieval.Result {
	if a.kg == nil {
		return nil
	}

	queries := []string{input}
	if a.recognizer != nil {
		entities := a.recognizer.Extract(ctx, input, false)
		if len(entities.Diseases) > 0 {
			queries = entities.Diseases
			if len(queries) > maxEnrichedDiseases {
				queries = queries[:maxEnrichedDiseases]
			}
		}
	}

	var out []*retrieval.Result
	for _, q := range queries {
		res, err := a.kg.Retrieve(ctx, q, evidenceTopK)
		if err != nil {
			slog.Warn("KG enrichment failed, continuing without", "query", q, "error", err)
			continue
		}
		out = append(out, res...)
	}
	return out
}
