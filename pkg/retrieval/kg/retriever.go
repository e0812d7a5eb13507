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

package kg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/uniclin/mediq/pkg/retrieval"
)

// Retriever answers queries from the knowledge graph: recognize
// entities, plan the traversal, expand with per-strategy Cypher, score
// and rank.
type Retriever struct {
	graph      GraphRunner
	recognizer *EntityRecognizer
}

// NewRetriever wires the graph retrieval path. g may be nil; retrieval
// then degrades to empty results.
func NewRetriever(g GraphRunner, recognizer *EntityRecognizer) *Retriever {
	return &Retriever{graph: g, recognizer: recognizer}
}

func (r *Retriever) Name() retrieval.Method { return retrieval.MethodKG }

// Retrieve runs the plan for one query. A missing graph client yields
// an empty list with a warning, never an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]*retrieval.Result, error) {
	if r.graph == nil {
		slog.Warn("Knowledge graph unavailable, skipping graph retrieval")
		return []*retrieval.Result{}, nil
	}

	entities := r.recognizer.Extract(ctx, query, true)
	plan := SelectStrategy(query, entities)

	results := r.expand(ctx, entities, plan)
	results = dedupByBody(results)

	for _, res := range results {
		score := Score(query, res, entities, plan.QuestionType)
		res.SetScore("relevance_score", score)
		res.RawScore = score
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].RawScore > results[j].RawScore })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// expand walks entity categories in plan priority order, budgeting
// MaxResults across categories.
func (r *Retriever) expand(ctx context.Context, entities *Entities, plan QueryPlan) []*retrieval.Result {
	perCategory := plan.MaxResults
	if len(plan.EntityPriority) > 0 {
		perCategory = plan.MaxResults / len(plan.EntityPriority)
	}
	if perCategory < 1 {
		perCategory = 1
	}

	var results []*retrieval.Result
	for _, category := range plan.EntityPriority {
		names := entities.category(category)
		if len(names) > perCategory {
			names = names[:perCategory]
		}

		for _, name := range names {
			expanded, err := r.expandEntity(ctx, category, name, plan)
			if err != nil {
				slog.Warn("Graph expansion failed", "entity", name, "error", err)
				continue
			}
			results = append(results, expanded...)
		}
	}
	return results
}

func (e *Entities) category(name string) []string {
	switch name {
	case CategoryDiseases:
		return e.Diseases
	case CategorySymptoms:
		return e.Symptoms
	case CategoryDrugs:
		return e.Drugs
	case CategoryExaminations:
		return e.Examinations
	case CategoryDepartments:
		return e.Departments
	default:
		return nil
	}
}

func (r *Retriever) expandEntity(ctx context.Context, category, name string, plan QueryPlan) ([]*retrieval.Result, error) {
	switch {
	case category == CategoryDrugs && plan.Strategy == "drug_interaction":
		return r.drugInteractions(ctx, name)
	case category == CategoryDiseases:
		return r.diseaseProfile(ctx, name)
	case category == CategorySymptoms:
		return r.diseasesBySymptom(ctx, name)
	case category == CategoryDrugs:
		return r.diseasesByDrug(ctx, name)
	case category == CategoryExaminations:
		return r.diseasesByExam(ctx, name)
	default:
		return nil, nil
	}
}

// diseaseProfile fetches the disease's symptoms, drugs, and exams in
// parallel and composes one evidence blob.
func (r *Retriever) diseaseProfile(ctx context.Context, disease string) ([]*retrieval.Result, error) {
	var symptoms, drugs, exams []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		symptoms, err = r.relatedNames(gctx,
			`MATCH (d:Disease {name: $name})-[:HAS_SYMPTOM]->(s:Symptom) RETURN s.name AS name LIMIT 20`, disease)
		return err
	})
	g.Go(func() error {
		var err error
		drugs, err = r.relatedNames(gctx,
			`MATCH (d:Disease {name: $name})-[:TREATED_BY]->(dr:Drug) RETURN dr.name AS name LIMIT 20`, disease)
		return err
	})
	g.Go(func() error {
		var err error
		exams, err = r.relatedNames(gctx,
			`MATCH (d:Disease {name: $name})-[:REQUIRES_EXAM]->(e:Examination) RETURN e.name AS name LIMIT 20`, disease)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(symptoms) == 0 && len(drugs) == 0 && len(exams) == 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "疾病：%s\n", disease)
	if len(symptoms) > 0 {
		fmt.Fprintf(&b, "常见症状：%s\n", strings.Join(symptoms, "、"))
	}
	if len(drugs) > 0 {
		fmt.Fprintf(&b, "常用药物：%s\n", strings.Join(drugs, "、"))
	}
	if len(exams) > 0 {
		fmt.Fprintf(&b, "建议检查：%s\n", strings.Join(exams, "、"))
	}

	return []*retrieval.Result{{
		ID:     "kg:disease:" + disease,
		Body:   strings.TrimRight(b.String(), "\n"),
		Title:  disease,
		Source: "knowledge_graph",
		Method: retrieval.MethodKG,
		Metadata: map[string]any{
			"entity_name":     disease,
			countSymptoms:     len(symptoms),
			countDrugs:        len(drugs),
			countExaminations: len(exams),
		},
	}}, nil
}

func (r *Retriever) diseasesBySymptom(ctx context.Context, symptom string) ([]*retrieval.Result, error) {
	return r.linkedDiseases(ctx,
		`MATCH (d:Disease)-[:HAS_SYMPTOM]->(s:Symptom {name: $name}) RETURN d.name AS name LIMIT 10`,
		symptom, "症状「%s」可能与以下疾病相关：%s")
}

func (r *Retriever) diseasesByDrug(ctx context.Context, drug string) ([]*retrieval.Result, error) {
	return r.linkedDiseases(ctx,
		`MATCH (d:Disease)-[:TREATED_BY]->(dr:Drug {name: $name}) RETURN d.name AS name LIMIT 10`,
		drug, "药物「%s」用于治疗：%s")
}

func (r *Retriever) diseasesByExam(ctx context.Context, exam string) ([]*retrieval.Result, error) {
	return r.linkedDiseases(ctx,
		`MATCH (d:Disease)-[:REQUIRES_EXAM]->(e:Examination {name: $name}) RETURN d.name AS name LIMIT 10`,
		exam, "检查「%s」常用于排查：%s")
}

func (r *Retriever) linkedDiseases(ctx context.Context, cypher, name, format string) ([]*retrieval.Result, error) {
	diseases, err := r.relatedNames(ctx, cypher, name)
	if err != nil {
		return nil, err
	}
	if len(diseases) == 0 {
		return nil, nil
	}

	return []*retrieval.Result{{
		ID:     "kg:linked:" + name,
		Body:   fmt.Sprintf(format, name, strings.Join(diseases, "、")),
		Title:  name,
		Source: "knowledge_graph",
		Method: retrieval.MethodKG,
		Metadata: map[string]any{
			"entity_name": name,
			countDiseases: len(diseases),
		},
	}}, nil
}

// drugInteractions expands INTERACTS_WITH in both directions; the
// relation is symmetric so direction lives in the MATCH pattern.
func (r *Retriever) drugInteractions(ctx context.Context, drug string) ([]*retrieval.Result, error) {
	others, err := r.relatedNames(ctx,
		`MATCH (a:Drug {name: $name})-[:INTERACTS_WITH]-(b:Drug) RETURN DISTINCT b.name AS name LIMIT 10`, drug)
	if err != nil {
		return nil, err
	}
	if len(others) == 0 {
		return nil, nil
	}

	return []*retrieval.Result{{
		ID:     "kg:interaction:" + drug,
		Body:   fmt.Sprintf("药物「%s」存在相互作用的药物：%s，联合使用需谨慎。", drug, strings.Join(others, "、")),
		Title:  drug,
		Source: "knowledge_graph",
		Method: retrieval.MethodKG,
		Metadata: map[string]any{
			"entity_name": drug,
			countDrugs:    len(others),
		},
	}}, nil
}

func (r *Retriever) relatedNames(ctx context.Context, cypher, name string) ([]string, error) {
	records, err := r.graph.Run(ctx, cypher, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rec := range records {
		if v, ok := rec["name"].(string); ok && v != "" {
			names = append(names, v)
		}
	}
	return names, nil
}

func dedupByBody(results []*retrieval.Result) []*retrieval.Result {
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		if seen[r.Body] {
			continue
		}
		seen[r.Body] = true
		out = append(out, r)
	}
	return out
}
