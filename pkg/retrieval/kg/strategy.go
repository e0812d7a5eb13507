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

import "regexp"

// QuestionType classifies what the user is asking for.
type QuestionType string

const (
	QuestionDiseaseInfo       QuestionType = "disease_info"
	QuestionSymptomDiagnosis  QuestionType = "symptom_diagnosis"
	QuestionDrugInfo          QuestionType = "drug_info"
	QuestionDrugInteraction   QuestionType = "drug_interaction"
	QuestionExaminationAdvice QuestionType = "examination_advice"
	QuestionTreatmentPlan     QuestionType = "treatment_plan"
	QuestionGeneral           QuestionType = "general_consultation"
)

// Entity categories used in plan priorities.
const (
	CategoryDiseases     = "diseases"
	CategorySymptoms     = "symptoms"
	CategoryDrugs        = "drugs"
	CategoryExaminations = "examinations"
	CategoryDepartments  = "departments"
)

// QueryPlan fixes the graph traversal for one turn. Immutable once
// emitted.
type QueryPlan struct {
	QuestionType   QuestionType
	Strategy       string
	EntityPriority []string
	Depth          int
	MaxResults     int
	Confidence     float64
}

// questionPatterns pairs each type with its cue regexes. Declaration
// order is the tie-break.
var questionPatterns = []struct {
	qtype    QuestionType
	patterns []*regexp.Regexp
}{
	{QuestionDiseaseInfo, compileAll(
		`是什么病`, `什么是`, `病因`, `发病原因`, `临床表现`, `症状有哪些`, `并发症`, `如何预防`,
	)},
	{QuestionSymptomDiagnosis, compileAll(
		`怎么回事`, `什么病`, `可能是`, `什么原因`, `头痛`, `头晕`, `胸痛`, `胸闷`, `咳嗽`, `发热`, `发烧`, `不舒服`, `难受`,
	)},
	{QuestionDrugInfo, compileAll(
		`怎么吃`, `怎么服用`, `用法`, `用量`, `剂量`, `副作用`, `不良反应`, `功效`, `说明书`, `禁忌`,
	)},
	{QuestionDrugInteraction, compileAll(
		`一起吃`, `一起服用`, `同时吃`, `同时服用`, `相互作用`, `配伍`, `冲突`,
	)},
	{QuestionExaminationAdvice, compileAll(
		`做什么检查`, `需要检查`, `查什么`, `检查什么`, `体检`, `化验`, `检查项目`,
	)},
	{QuestionTreatmentPlan, compileAll(
		`怎么治`, `如何治疗`, `治疗方法`, `治疗方案`, `怎么办`, `能治好`, `能不能治`,
	)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// strategies maps question type to the traversal parameters.
var strategies = map[QuestionType]QueryPlan{
	QuestionDiseaseInfo: {
		Strategy:       "disease_centric",
		EntityPriority: []string{CategoryDiseases, CategorySymptoms},
		Depth:          2,
		MaxResults:     15,
	},
	QuestionSymptomDiagnosis: {
		Strategy:       "symptom_centric",
		EntityPriority: []string{CategorySymptoms, CategoryDiseases},
		Depth:          2,
		MaxResults:     15,
	},
	QuestionDrugInfo: {
		Strategy:       "drug_centric",
		EntityPriority: []string{CategoryDrugs, CategoryDiseases},
		Depth:          1,
		MaxResults:     10,
	},
	QuestionDrugInteraction: {
		Strategy:       "drug_interaction",
		EntityPriority: []string{CategoryDrugs},
		Depth:          1,
		MaxResults:     10,
	},
	QuestionExaminationAdvice: {
		Strategy:       "examination_centric",
		EntityPriority: []string{CategoryExaminations, CategoryDiseases},
		Depth:          1,
		MaxResults:     10,
	},
	QuestionTreatmentPlan: {
		Strategy:       "comprehensive",
		EntityPriority: []string{CategoryDiseases, CategoryDrugs, CategoryExaminations},
		Depth:          3,
		MaxResults:     20,
	},
	QuestionGeneral: {
		Strategy:       "general",
		EntityPriority: []string{CategoryDiseases, CategorySymptoms, CategoryDrugs},
		Depth:          1,
		MaxResults:     10,
	},
}

// SelectStrategy is the pure planning function: classify the question,
// promote a generic classification using entity evidence, then fix the
// traversal parameters and confidence.
func SelectStrategy(query string, entities *Entities) QueryPlan {
	qtype, hits := classify(query)

	if qtype == QuestionGeneral && entities != nil {
		switch {
		case len(entities.Symptoms) > 0 && len(entities.Diseases) == 0 && len(entities.Drugs) == 0:
			qtype = QuestionSymptomDiagnosis
		case len(entities.Drugs) > 0:
			qtype = QuestionDrugInfo
		case len(entities.Diseases) > 0:
			qtype = QuestionDiseaseInfo
		}
	}

	plan := strategies[qtype]
	plan.QuestionType = qtype

	entityCount := 0
	if entities != nil {
		entityCount = entities.Total()
	}
	plan.Confidence = confidence(hits, entityCount)
	return plan
}

// classify counts pattern hits per question type; highest wins,
// declaration order breaks ties. Zero hits everywhere means general
// consultation.
func classify(query string) (QuestionType, int) {
	best := QuestionGeneral
	bestHits := 0

	for _, bundle := range questionPatterns {
		hits := 0
		for _, p := range bundle.patterns {
			if p.MatchString(query) {
				hits++
			}
		}
		if hits > bestHits {
			best = bundle.qtype
			bestHits = hits
		}
	}
	return best, bestHits
}

// confidence = 0.5 + min(0.1*hits, 0.3) + min(0.05*entities, 0.2),
// clamped to [0,1].
func confidence(patternHits, entityCount int) float64 {
	c := 0.5
	patternBoost := 0.1 * float64(patternHits)
	if patternBoost > 0.3 {
		patternBoost = 0.3
	}
	entityBoost := 0.05 * float64(entityCount)
	if entityBoost > 0.2 {
		entityBoost = 0.2
	}
	c += patternBoost + entityBoost
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}
