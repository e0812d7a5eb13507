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
	"fmt"
	"log/slog"
	"time"

	"github.com/uniclin/mediq/pkg/agent"
	"github.com/uniclin/mediq/pkg/cache"
	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/document"
	"github.com/uniclin/mediq/pkg/embedder"
	"github.com/uniclin/mediq/pkg/graph"
	"github.com/uniclin/mediq/pkg/kv"
	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/observability"
	"github.com/uniclin/mediq/pkg/pipeline"
	"github.com/uniclin/mediq/pkg/rerank"
	"github.com/uniclin/mediq/pkg/retrieval"
	"github.com/uniclin/mediq/pkg/retrieval/kg"
	"github.com/uniclin/mediq/pkg/vector"
)

// app holds the wired process-wide clients and the two pipelines.
type app struct {
	cfg *config.Config

	embedder     embedder.Embedder
	vectors      vector.Provider
	graph        *graph.Client
	store        *kv.Store
	llm          *llm.Client
	fastLLM      *llm.Client
	cache        *cache.SemanticCache
	recognizer   *kg.EntityRecognizer
	bm25         *retrieval.BM25Retriever
	searcher     *pipeline.Searcher
	ingestor     *pipeline.Ingestor
	orchestrator *agent.Orchestrator
}

// newApp builds the full stack from config. Optional collaborators
// (graph, redis, rerank models) wire in only when configured.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
	})
	if err != nil {
		return nil, err
	}
	observability.SetGlobal(metrics)

	if a.embedder, err = embedder.NewOpenAIEmbedder(cfg.Embedder); err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	if a.vectors, err = vector.NewProvider(cfg.Vector); err != nil {
		return nil, fmt.Errorf("vector provider: %w", err)
	}
	if cfg.Graph.URI != "" {
		a.graph = graph.NewClient(cfg.Graph)
	}
	if cfg.Redis.Addr != "" {
		a.store = kv.NewStore(cfg.Redis)
	}

	if err = a.wireLLM(); err != nil {
		return nil, err
	}
	a.wireRetrieval()
	a.wireAgents()

	if err = a.ingestor.Init(ctx); err != nil {
		return nil, fmt.Errorf("init document collection: %w", err)
	}
	if a.cache != nil {
		if err = a.cache.Init(ctx); err != nil {
			return nil, fmt.Errorf("init cache collection: %w", err)
		}
	}
	if a.graph != nil {
		if err = a.graph.InitSchema(ctx); err != nil {
			slog.Warn("Graph schema init failed, KG features degraded", "error", err)
		}
	}
	return a, nil
}

// wireLLM resolves the default and fast providers and the semantic
// cache mediating them.
func (a *app) wireLLM() error {
	defaultName := a.cfg.Agents.DefaultLLM
	if defaultName == "" {
		for name := range a.cfg.LLMs {
			defaultName = name
			break
		}
	}
	llmCfg, ok := a.cfg.LLMs[defaultName]
	if !ok {
		return fmt.Errorf("agents.default_llm %q is not defined under llms", defaultName)
	}

	provider, err := llm.NewProvider(defaultName, *llmCfg)
	if err != nil {
		return err
	}

	if a.cfg.Cache.Enabled {
		a.cache = cache.NewSemanticCache(a.cfg.Cache, a.embedder, a.vectors,
			a.cfg.Vector.CacheCollection, a.store)
	}
	a.llm = llm.NewClient(provider, *llmCfg, cacheOrNil(a.cache))

	fastName := a.cfg.Agents.FastLLM
	if fastName == "" || fastName == defaultName {
		a.fastLLM = a.llm
		return nil
	}
	fastCfg, ok := a.cfg.LLMs[fastName]
	if !ok {
		return fmt.Errorf("agents.fast_llm %q is not defined under llms", fastName)
	}
	fastProvider, err := llm.NewProvider(fastName, *fastCfg)
	if err != nil {
		return err
	}
	// The fast path skips the semantic cache; its outputs are internal.
	a.fastLLM = llm.NewClient(fastProvider, *fastCfg, nil)
	return nil
}

// cacheOrNil avoids handing the llm client a typed nil.
func cacheOrNil(c *cache.SemanticCache) llm.ResponseCache {
	if c == nil {
		return nil
	}
	return c
}

// wireRetrieval builds the four retrieval paths, the fusion, and the
// rerank chain.
func (a *app) wireRetrieval() {
	a.bm25 = retrieval.NewBM25Retriever()

	vectorRetriever := retrieval.NewVectorRetriever(a.embedder, a.vectors, a.cfg.Vector.DocCollection)

	rewrite := func(ctx context.Context, query string) (string, error) {
		return a.fastLLM.Generate(ctx, llm.Request{
			System: "你是检索查询改写助手。把用户问题改写成一条更利于文档检索的陈述句，只输出改写结果。",
			Prompt: query,
		})
	}
	semanticRetriever := retrieval.NewSemanticRetriever(a.embedder, a.vectors,
		a.cfg.Vector.DocCollection, rewrite)

	var kgRetriever retrieval.Retriever
	var recognizer *kg.EntityRecognizer
	if a.graph != nil {
		generate := func(ctx context.Context, prompt string) (string, error) {
			return a.fastLLM.Generate(ctx, llm.Request{Prompt: prompt})
		}
		recognizer = kg.NewEntityRecognizer(generate, a.graph)
		kgRetriever = kg.NewRetriever(a.graph, recognizer)
	} else {
		recognizer = kg.NewEntityRecognizer(nil, nil)
	}
	a.recognizer = recognizer

	fusion := retrieval.NewFusion(a.cfg.Retrieval, vectorRetriever, a.bm25,
		semanticRetriever, kgRetriever)

	var stages []rerank.Stage
	if a.cfg.Rerank.EnableCrossEncoder {
		stages = append(stages, rerank.NewCrossEncoder(a.cfg.Rerank.CrossEncoderURL))
	}
	if a.cfg.Rerank.EnableLearned {
		stages = append(stages, rerank.NewLearnedReranker(a.cfg.Rerank.ModelDir))
	}
	if a.cfg.Rerank.EnableOptimizer {
		stages = append(stages, rerank.NewRankingOptimizer(a.cfg.Rerank.ModelDir))
	}
	a.searcher = pipeline.NewSearcher(fusion, rerank.NewChain(stages...))

	var parser document.Parser
	parser, err := document.NewParser(a.cfg.Parser)
	if err != nil {
		slog.Warn("Parser unavailable, ingestion disabled", "error", err)
		parser = nil
	}
	var describer *document.Describer
	if a.cfg.Parser.Describe {
		describer = document.NewDescriber(func(ctx context.Context, prompt string) (string, error) {
			return a.llm.Generate(ctx, llm.Request{Prompt: prompt})
		})
	}
	var graphWriter pipeline.GraphWriter
	if a.graph != nil {
		graphWriter = a.graph
	}
	a.ingestor = pipeline.NewIngestor(a.cfg, parser, describer, a.embedder,
		a.vectors, a.bm25, graphWriter, recognizer)
}

// wireAgents assembles the specialists and the orchestrator.
func (a *app) wireAgents() {
	var kgSearcher agent.GraphSearcher
	if a.graph != nil {
		kgSearcher = kg.NewRetriever(a.graph, a.recognizer)
	}

	metricsSource := func(ctx context.Context) map[string]any {
		return map[string]any{
			"llm_breaker_state": string(a.llm.Breaker().State()),
			"bm25_documents":    a.bm25.Len(),
			"kv_degraded":       a.store != nil && a.store.Degraded(),
		}
	}

	a.orchestrator = agent.NewOrchestrator(a.cfg.Agents,
		agent.NewIntentClassifier(nil),
		agent.NewDoctorAgent(a.searcher, kgSearcher, a.llm),
		agent.NewHealthManagerAgent(a.searcher, kgSearcher, a.recognizer, a.llm),
		agent.NewCustomerServiceAgent(a.searcher, a.llm),
		agent.NewOpsAgent(metricsSource, a.llm),
	)
}

// Close releases process-wide clients.
func (a *app) Close(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.graph != nil {
		_ = a.graph.Close(closeCtx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
