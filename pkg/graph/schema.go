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

// Package graph owns the medical knowledge graph: Cypher execution against
// Neo4j, idempotent writes, and the node/relation schema.
package graph

// Node labels of the medical knowledge graph.
const (
	LabelDisease     = "Disease"
	LabelSymptom     = "Symptom"
	LabelDrug        = "Drug"
	LabelExamination = "Examination"
	LabelDepartment  = "Department"
)

// Relation predicates. ACCOMPANIES (disease-disease) and INTERACTS_WITH
// (drug-drug) are symmetric; queries must fix direction in the MATCH
// pattern rather than assume one.
const (
	RelHasSymptom         = "HAS_SYMPTOM"
	RelTreatedBy          = "TREATED_BY"
	RelRequiresExam       = "REQUIRES_EXAM"
	RelBelongsTo          = "BELONGS_TO"
	RelInteractsWith      = "INTERACTS_WITH"
	RelContraindicatedFor = "CONTRAINDICATED_FOR"
	RelAccompanies        = "ACCOMPANIES"
)

// Labels lists all node labels.
func Labels() []string {
	return []string{LabelDisease, LabelSymptom, LabelDrug, LabelExamination, LabelDepartment}
}

// ValidLabel reports whether label is part of the schema.
func ValidLabel(label string) bool {
	switch label {
	case LabelDisease, LabelSymptom, LabelDrug, LabelExamination, LabelDepartment:
		return true
	}
	return false
}

// ValidPredicate reports whether predicate is part of the schema.
func ValidPredicate(predicate string) bool {
	switch predicate {
	case RelHasSymptom, RelTreatedBy, RelRequiresExam, RelBelongsTo,
		RelInteractsWith, RelContraindicatedFor, RelAccompanies:
		return true
	}
	return false
}

// Entity is a node in the knowledge graph, created at ingestion and
// read-only at query time.
type Entity struct {
	Type       string
	Name       string
	Properties map[string]any
}

// Relation links two entities. Insertion is idempotent on
// (subject, predicate, object).
type Relation struct {
	SubjectType string
	Subject     string
	Predicate   string
	ObjectType  string
	Object      string
	Properties  map[string]any
}

// schemaIndexes are created once at init: name lookups for every linked
// label plus the Disease icd10 code.
var schemaIndexes = []struct {
	Name     string
	Label    string
	Property string
}{
	{"disease_name_idx", LabelDisease, "name"},
	{"disease_icd10_idx", LabelDisease, "icd10"},
	{"symptom_name_idx", LabelSymptom, "name"},
	{"drug_name_idx", LabelDrug, "name"},
	{"examination_name_idx", LabelExamination, "name"},
}
