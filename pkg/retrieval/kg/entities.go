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

// Package kg implements knowledge-graph retrieval: entity recognition,
// query planning, strategy-driven graph expansion, and relevance
// scoring.
package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/uniclin/mediq/pkg/graph"
)

// Entities holds the recognized medical entities of one query, each
// list deduplicated.
type Entities struct {
	Diseases     []string `json:"diseases"`
	Symptoms     []string `json:"symptoms"`
	Drugs        []string `json:"drugs"`
	Examinations []string `json:"examinations"`
	Departments  []string `json:"departments"`
}

// Total counts entities across all categories.
func (e *Entities) Total() int {
	return len(e.Diseases) + len(e.Symptoms) + len(e.Drugs) + len(e.Examinations) + len(e.Departments)
}

// All returns every entity name.
func (e *Entities) All() []string {
	out := make([]string, 0, e.Total())
	out = append(out, e.Diseases...)
	out = append(out, e.Symptoms...)
	out = append(out, e.Drugs...)
	out = append(out, e.Examinations...)
	out = append(out, e.Departments...)
	return out
}

// GenerateFunc is a low-temperature LLM completion call.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// GraphRunner is the slice of the graph client the recognizer and
// retriever need. Satisfied by *graph.Client.
type GraphRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error)
	EntityExists(ctx context.Context, label, name string) (bool, error)
}

// EntityRecognizer extracts medical entities from a query: LLM JSON
// extraction first, regex morpheme patterns when the LLM is
// unavailable, optional graph-existence validation on top.
type EntityRecognizer struct {
	generate GenerateFunc
	graph    GraphRunner

	mu   sync.Mutex
	memo map[string]*Entities
}

// NewEntityRecognizer creates a recognizer. generate may be nil (regex
// only), graph may be nil (validation skipped).
func NewEntityRecognizer(generate GenerateFunc, g GraphRunner) *EntityRecognizer {
	return &EntityRecognizer{
		generate: generate,
		graph:    g,
		memo:     make(map[string]*Entities),
	}
}

const nerPrompt = `你是医疗实体识别助手。从下面的问题中抽取医疗实体，仅返回 JSON，格式：
{"diseases": [], "symptoms": [], "drugs": [], "examinations": [], "departments": []}
问题：%s`

// Extract recognizes entities in query. Repeated queries hit an
// in-process memo so a turn never pays for the same NER twice.
func (r *EntityRecognizer) Extract(ctx context.Context, query string, useKGValidation bool) *Entities {
	memoKey := query
	if useKGValidation {
		memoKey = "kgv:" + query
	}

	r.mu.Lock()
	if cached, ok := r.memo[memoKey]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	entities := r.extract(ctx, query)

	if useKGValidation && r.graph != nil {
		entities = r.validate(ctx, entities)
	}

	r.mu.Lock()
	r.memo[memoKey] = entities
	r.mu.Unlock()
	return entities
}

func (r *EntityRecognizer) extract(ctx context.Context, query string) *Entities {
	if r.generate == nil {
		return extractByPattern(query)
	}

	raw, err := r.generate(ctx, fmt.Sprintf(nerPrompt, query))
	if err != nil {
		slog.Warn("LLM entity extraction failed, using patterns", "error", err)
		return extractByPattern(query)
	}

	entities, ok := parseEntityJSON(raw)
	if !ok {
		slog.Warn("Unparseable entity extraction output, using patterns")
		return extractByPattern(query)
	}
	return entities
}

// validate keeps only candidates confirmed to exist in the graph.
// Existence-check failures keep the candidate; validation narrows, it
// must not erase evidence because the graph hiccupped.
func (r *EntityRecognizer) validate(ctx context.Context, e *Entities) *Entities {
	confirm := func(label string, names []string) []string {
		var kept []string
		for _, name := range names {
			exists, err := r.graph.EntityExists(ctx, label, name)
			if err != nil {
				kept = append(kept, name)
				continue
			}
			if exists {
				kept = append(kept, name)
			}
		}
		return kept
	}

	return &Entities{
		Diseases:     confirm(graph.LabelDisease, e.Diseases),
		Symptoms:     confirm(graph.LabelSymptom, e.Symptoms),
		Drugs:        confirm(graph.LabelDrug, e.Drugs),
		Examinations: confirm(graph.LabelExamination, e.Examinations),
		Departments:  confirm(graph.LabelDepartment, e.Departments),
	}
}

// parseEntityJSON pulls the first balanced JSON object out of raw and
// decodes it leniently.
func parseEntityJSON(raw string) (*Entities, bool) {
	obj := firstBalancedObject(raw)
	if obj == "" {
		return nil, false
	}

	var decoded struct {
		Diseases     []string `json:"diseases"`
		Symptoms     []string `json:"symptoms"`
		Drugs        []string `json:"drugs"`
		Examinations []string `json:"examinations"`
		Departments  []string `json:"departments"`
	}
	if err := json.Unmarshal([]byte(obj), &decoded); err != nil {
		return nil, false
	}

	return &Entities{
		Diseases:     normalize(decoded.Diseases),
		Symptoms:     normalize(decoded.Symptoms),
		Drugs:        normalize(decoded.Drugs),
		Examinations: normalize(decoded.Examinations),
		Departments:  normalize(decoded.Departments),
	}, true
}

// firstBalancedObject scans for the first top-level {...} span.
func firstBalancedObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

// normalize trims, drops empties, and dedups preserving order.
func normalize(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Regex fallback: common Chinese medical morphemes per category. Coarse
// on purpose — it only runs when the LLM path is down.
var (
	diseasePattern = regexp.MustCompile(`[\p{Han}]{1,6}(?:病|癌|炎|症|综合征)|高血压|低血压|糖尿病|冠心病|心肌梗死|脑卒中|哮喘`)
	symptomPattern = regexp.MustCompile(`头痛|头晕|发热|发烧|咳嗽|咳痰|胸痛|胸闷|心悸|气短|呼吸困难|恶心|呕吐|腹痛|腹泻|乏力|水肿|失眠|出血`)
	drugPattern    = regexp.MustCompile(`[\p{Han}]{1,6}(?:片|胶囊|颗粒|注射液|口服液)|阿司匹林|[\p{Han}]{1,4}(?:霉素|沙星|洛尔|地平|他汀|普利|沙坦)`)
	examPattern    = regexp.MustCompile(`血常规|尿常规|便常规|心电图|[CMR]T|核磁共振|B超|彩超|X光|胃镜|肠镜|血压测量|血糖检测`)
	deptPattern    = regexp.MustCompile(`[\p{Han}]{1,4}(?:内科|外科)|儿科|妇产科|妇科|急诊科|皮肤科|眼科|耳鼻喉科|口腔科|神经科|肿瘤科|骨科`)
)

func extractByPattern(query string) *Entities {
	return &Entities{
		Diseases:     normalize(diseasePattern.FindAllString(query, -1)),
		Symptoms:     normalize(symptomPattern.FindAllString(query, -1)),
		Drugs:        normalize(drugPattern.FindAllString(query, -1)),
		Examinations: normalize(examPattern.FindAllString(query, -1)),
		Departments:  normalize(deptPattern.FindAllString(query, -1)),
	}
}
