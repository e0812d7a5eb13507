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
	"math"
	"strings"

	"github.com/uniclin/mediq/pkg/retrieval"
)

// Related-entity count keys carried in result metadata by the graph
// retriever.
const (
	countDiseases     = "disease_count"
	countSymptoms     = "symptom_count"
	countDrugs        = "drug_count"
	countExaminations = "examination_count"
)

var relatedCountKeys = []string{countDiseases, countSymptoms, countDrugs, countExaminations}

// relationshipWeights picks which related-entity categories matter for
// each question type.
var relationshipWeights = map[QuestionType]map[string]float64{
	QuestionDiseaseInfo:       {countSymptoms: 0.4, countDrugs: 0.3, countExaminations: 0.3},
	QuestionSymptomDiagnosis:  {countDiseases: 0.6, countSymptoms: 0.4},
	QuestionDrugInfo:          {countDiseases: 0.6, countDrugs: 0.4},
	QuestionDrugInteraction:   {countDrugs: 0.7, countDiseases: 0.3},
	QuestionExaminationAdvice: {countDiseases: 0.6, countExaminations: 0.4},
	QuestionTreatmentPlan:     {countDrugs: 0.4, countExaminations: 0.3, countSymptoms: 0.3},
	QuestionGeneral:           {countDiseases: 0.3, countSymptoms: 0.3, countDrugs: 0.2, countExaminations: 0.2},
}

// Score rates one graph result against the query in [0,1]:
// 0.4 entity match + 0.3 query similarity + 0.2 relationship strength +
// 0.1 completeness.
func Score(query string, result *retrieval.Result, entities *Entities, qtype QuestionType) float64 {
	s := 0.4*entityMatch(result, entities) +
		0.3*querySimilarity(query, result.Body) +
		0.2*relationshipStrength(result, qtype) +
		0.1*completeness(result)

	if s > 1 {
		s = 1
	}
	if s < 0 {
		s = 0
	}
	return s
}

// entityMatch is the fraction of recognized entities mentioned in the
// result text or named by its metadata. With no entities recognized it
// defaults to 0.5 — neutral, not zero.
func entityMatch(result *retrieval.Result, entities *Entities) float64 {
	all := entities.All()
	if len(all) == 0 {
		return 0.5
	}

	metaName := ""
	if result.Metadata != nil {
		if v, ok := result.Metadata["entity_name"].(string); ok {
			metaName = v
		}
	}

	matched := 0
	for _, name := range all {
		if strings.Contains(result.Body, name) || (metaName != "" && strings.Contains(metaName, name)) {
			matched++
		}
	}
	return float64(matched) / float64(len(all))
}

// querySimilarity is token Jaccard damped for very short results.
func querySimilarity(query, body string) float64 {
	queryTokens := tokenSet(retrieval.Tokenize(query))
	bodyTokens := tokenSet(retrieval.Tokenize(body))
	if len(queryTokens) == 0 || len(bodyTokens) == 0 {
		return 0
	}

	intersection := 0
	for tok := range queryTokens {
		if bodyTokens[tok] {
			intersection++
		}
	}
	union := len(queryTokens) + len(bodyTokens) - intersection
	jaccard := float64(intersection) / float64(union)

	lengthFactor := float64(len([]rune(body))) / 100
	if lengthFactor > 1 {
		lengthFactor = 1
	}
	return jaccard * lengthFactor
}

// relationshipStrength rewards results backed by many related graph
// entities, log-damped so hub nodes do not dominate.
func relationshipStrength(result *retrieval.Result, qtype QuestionType) float64 {
	weights, ok := relationshipWeights[qtype]
	if !ok {
		weights = relationshipWeights[QuestionGeneral]
	}

	s := 0.0
	for key, w := range weights {
		count := metadataCount(result, key)
		if count <= 0 {
			continue
		}
		damped := math.Log(float64(count)+1) / math.Log(10)
		if damped > 1 {
			damped = 1
		}
		s += w * damped
	}
	return s
}

func completeness(result *retrieval.Result) float64 {
	s := 0.0
	if len([]rune(result.Body)) >= 20 {
		s += 0.3
	}
	if len(result.Metadata) > 0 {
		s += 0.2
	}

	nonZero := 0
	for _, key := range relatedCountKeys {
		if metadataCount(result, key) > 0 {
			nonZero++
		}
	}
	switch {
	case nonZero >= 2:
		s += 0.3
	case nonZero == 1:
		s += 0.2
	}

	if result.Source != "" {
		s += 0.2
	}
	return s
}

func metadataCount(result *retrieval.Result, key string) int {
	if result.Metadata == nil {
		return 0
	}
	switch v := result.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}
