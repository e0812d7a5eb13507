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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/document"
	"github.com/uniclin/mediq/pkg/embedder"
	"github.com/uniclin/mediq/pkg/graph"
	"github.com/uniclin/mediq/pkg/observability"
	"github.com/uniclin/mediq/pkg/retrieval"
	"github.com/uniclin/mediq/pkg/retrieval/kg"
	"github.com/uniclin/mediq/pkg/vector"
)

// docNList is the IVF partition count for the document collection.
const docNList = 1024

// GraphWriter is the subset of the graph client the ingestor needs.
type GraphWriter interface {
	MergeEntity(ctx context.Context, e graph.Entity) error
	MergeRelation(ctx context.Context, r graph.Relation) error
}

// Ingestor runs one document through parse, describe, chunk, embed,
// and index. It owns the chunks until they are written to the vector
// index and the lexical index.
type Ingestor struct {
	parser     document.Parser
	describer  *document.Describer
	chunker    *document.StructureChunker
	embedder   embedder.Embedder
	vectors    vector.Provider
	collection string
	bm25       *retrieval.BM25Retriever
	graph      GraphWriter
	recognizer *kg.EntityRecognizer

	outputDir string
	batchSize int
}

// IngestStats summarizes one ingestion run.
type IngestStats struct {
	DocumentID    int64
	Chunks        int
	Tables        int
	Images        int
	GraphEntities int
	Elapsed       time.Duration
}

// NewIngestor wires the ingestion path. describer, graph, and
// recognizer may be nil.
func NewIngestor(cfg *config.Config, parser document.Parser, describer *document.Describer,
	emb embedder.Embedder, vectors vector.Provider, bm25 *retrieval.BM25Retriever,
	graphWriter GraphWriter, recognizer *kg.EntityRecognizer) *Ingestor {

	batchSize := cfg.Embedder.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Ingestor{
		parser:     parser,
		describer:  describer,
		chunker:    document.NewStructureChunker(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap),
		embedder:   emb,
		vectors:    vectors,
		collection: cfg.Vector.DocCollection,
		bm25:       bm25,
		graph:      graphWriter,
		recognizer: recognizer,
		outputDir:  cfg.Parser.OutputDir,
		batchSize:  batchSize,
	}
}

// Init ensures the document collection exists.
func (ing *Ingestor) Init(ctx context.Context) error {
	if ing.vectors == nil {
		return nil
	}
	return ing.vectors.EnsureCollection(ctx, vector.CollectionSpec{
		Name:      ing.collection,
		Dimension: ing.embedder.Dimension(),
		Metric:    vector.MetricL2,
		NList:     docNList,
	})
}

// Ingest processes one document end to end.
func (ing *Ingestor) Ingest(ctx context.Context, path string, documentID int64) (*IngestStats, error) {
	start := time.Now()
	stats := &IngestStats{DocumentID: documentID}

	result, err := ing.parse(ctx, path, documentID)
	if err != nil {
		return nil, err
	}
	stats.Tables = len(result.Tables)
	stats.Images = len(result.Images)

	content := result.Markdown
	if content == "" {
		content = result.Text
	}

	chunkStart := time.Now()
	output := ing.chunker.Chunk(content, documentID, result.Tables, result.Images)
	observability.EmitStage(ctx, observability.StageRecord{
		Stage:     "ingest_chunk",
		LatencyMS: time.Since(chunkStart).Milliseconds(),
	})
	stats.Chunks = len(output.Chunks)
	if stats.Chunks == 0 {
		return nil, fmt.Errorf("document %d produced no chunks", documentID)
	}

	if err := ing.index(ctx, path, output.Chunks); err != nil {
		return nil, err
	}

	stats.GraphEntities = ing.mergeGraph(ctx, output.Chunks)

	if ing.outputDir != "" {
		if err := document.Export(ing.outputDir, documentID, result, output.Chunks); err != nil {
			slog.Warn("Export of parse artifacts failed", "document_id", documentID, "error", err)
		}
	}

	stats.Elapsed = time.Since(start)
	slog.Info("Document ingested", "document_id", documentID, "chunks", stats.Chunks,
		"tables", stats.Tables, "images", stats.Images,
		"graph_entities", stats.GraphEntities, "elapsed_ms", stats.Elapsed.Milliseconds())
	return stats, nil
}

// parse returns the memoized parse result, running the parser and the
// describer only on a cache miss.
func (ing *Ingestor) parse(ctx context.Context, path string, documentID int64) (*document.ParseResult, error) {
	if ing.outputDir != "" {
		if cached := document.LoadMemoized(ing.outputDir, documentID); cached != nil {
			slog.Info("Reusing memoized parse result", "document_id", documentID)
			return cached, nil
		}
	}

	parseStart := time.Now()
	result, err := ing.parser.Parse(ctx, path)
	rec := observability.StageRecord{
		Stage:     "ingest_parse",
		LatencyMS: time.Since(parseStart).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		observability.EmitStage(ctx, rec)
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	observability.EmitStage(ctx, rec)
	if result.Error != "" {
		return nil, fmt.Errorf("parse %s: %s", path, result.Error)
	}

	if ing.describer != nil {
		ing.describer.Describe(ctx, result)
	}

	if ing.outputDir != "" {
		if err := document.SaveMemoized(ing.outputDir, documentID, result); err != nil {
			slog.Warn("Memoizing parse result failed", "document_id", documentID, "error", err)
		}
	}
	return result, nil
}

// index embeds chunks in batches and writes them to the vector and
// lexical indexes.
func (ing *Ingestor) index(ctx context.Context, path string, chunks []document.Chunk) error {
	source := filepath.Base(path)
	embedStart := time.Now()

	for lo := 0; lo < len(chunks); lo += ing.batchSize {
		hi := lo + ing.batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		batch := chunks[lo:hi]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Body
		}
		vectors, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch at %d: %w", lo, err)
		}

		points := make([]vector.Point, len(batch))
		for i, c := range batch {
			meta, _ := json.Marshal(map[string]any{
				"chunk_type":   string(c.Type),
				"title":        c.Title,
				"parent_title": c.ParentTitle,
				"page":         c.Metadata.Page,
				"chunk_index":  c.Metadata.ChunkIndex,
			})
			points[i] = vector.Point{
				ID:         c.ID,
				Vector:     vectors[i],
				Text:       c.Body,
				DocumentID: c.Metadata.DocumentID,
				Source:     source,
				Metadata:   string(meta),
			}
		}
		if err := ing.vectors.Upsert(ctx, ing.collection, points); err != nil {
			return fmt.Errorf("vector upsert at %d: %w", lo, err)
		}

		if ing.bm25 != nil {
			for _, c := range batch {
				ing.bm25.IndexDoc(c.ID, c.Title, c.Body, source, c.Metadata.DocumentID)
			}
		}
	}

	observability.EmitStage(ctx, observability.StageRecord{
		Stage:     "ingest_embed",
		LatencyMS: time.Since(embedStart).Milliseconds(),
	})
	return nil
}

// mergeGraph recognizes entities per chunk and merges them, plus
// co-occurrence relations, into the knowledge graph. Failures are
// logged and skipped; the graph lags rather than blocks ingestion.
func (ing *Ingestor) mergeGraph(ctx context.Context, chunks []document.Chunk) int {
	if ing.graph == nil || ing.recognizer == nil {
		return 0
	}
	graphStart := time.Now()
	merged := 0

	for _, c := range chunks {
		entities := ing.recognizer.Extract(ctx, c.Body, false)
		if entities.Total() == 0 {
			continue
		}

		mergeAll := func(label string, names []string) {
			for _, name := range names {
				if err := ing.graph.MergeEntity(ctx, graph.Entity{Type: label, Name: name}); err != nil {
					slog.Warn("Entity merge failed", "label", label, "name", name, "error", err)
					continue
				}
				merged++
			}
		}
		mergeAll(graph.LabelDisease, entities.Diseases)
		mergeAll(graph.LabelSymptom, entities.Symptoms)
		mergeAll(graph.LabelDrug, entities.Drugs)
		mergeAll(graph.LabelExamination, entities.Examinations)
		mergeAll(graph.LabelDepartment, entities.Departments)

		ing.mergeCooccurrence(ctx, entities)
	}

	observability.EmitStage(ctx, observability.StageRecord{
		Stage:     "ingest_graph",
		LatencyMS: time.Since(graphStart).Milliseconds(),
	})
	return merged
}

// mergeCooccurrence links each disease to the symptoms, drugs, exams,
// and departments mentioned in the same chunk. MERGE keeps repeats
// idempotent.
func (ing *Ingestor) mergeCooccurrence(ctx context.Context, entities *kg.Entities) {
	link := func(disease, predicate, objectType, object string) {
		err := ing.graph.MergeRelation(ctx, graph.Relation{
			SubjectType: graph.LabelDisease,
			Subject:     disease,
			Predicate:   predicate,
			ObjectType:  objectType,
			Object:      object,
		})
		if err != nil {
			slog.Warn("Relation merge failed", "disease", disease,
				"predicate", predicate, "object", object, "error", err)
		}
	}

	for _, disease := range entities.Diseases {
		for _, symptom := range entities.Symptoms {
			link(disease, graph.RelHasSymptom, graph.LabelSymptom, symptom)
		}
		for _, drug := range entities.Drugs {
			link(disease, graph.RelTreatedBy, graph.LabelDrug, drug)
		}
		for _, exam := range entities.Examinations {
			link(disease, graph.RelRequiresExam, graph.LabelExamination, exam)
		}
		for _, dept := range entities.Departments {
			link(disease, graph.RelBelongsTo, graph.LabelDepartment, dept)
		}
	}
}
