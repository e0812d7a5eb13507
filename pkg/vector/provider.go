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

// Package vector abstracts the ANN index holding document chunks and the
// semantic cache.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
)

// Metric is the similarity metric of a collection.
type Metric string

const (
	// MetricL2 is Euclidean distance, used for document chunk collections.
	MetricL2 Metric = "L2"

	// MetricCosine is cosine similarity, used for the semantic cache.
	MetricCosine Metric = "COSINE"
)

// Field size limits of the chunk record contract.
const (
	MaxTextBytes     = 65535
	MaxSourceBytes   = 255
	MaxMetadataBytes = 65535
)

// Point is one indexed chunk or cache entry.
type Point struct {
	ID         string
	Vector     []float32
	Text       string
	DocumentID int64
	Source     string

	// Metadata is a JSON object serialized as a string.
	Metadata string
}

// Result is one ANN search hit.
type Result struct {
	ID         string
	Score      float32
	Text       string
	DocumentID int64
	Source     string
	Metadata   string
	Vector     []float32
}

// MetadataMap decodes the metadata JSON; nil when empty or malformed.
func (r *Result) MetadataMap() map[string]any {
	if r.Metadata == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Metadata), &m); err != nil {
		return nil
	}
	return m
}

// CollectionSpec describes a collection to create if absent.
type CollectionSpec struct {
	Name      string
	Dimension int
	Metric    Metric

	// NList is the IVF_FLAT partition count (1024 for documents, 128 for
	// the semantic cache). Backends without IVF indexes ignore it.
	NList int
}

// Provider is the sealed capability of a vector index backend.
type Provider interface {
	Name() string

	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	Upsert(ctx context.Context, collection string, points []Point) error

	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	DeleteByDocument(ctx context.Context, collection string, documentID int64) error

	Close() error
}

// clampPoint enforces the record size limits, truncating oversize fields.
func clampPoint(p *Point) {
	if len(p.Text) > MaxTextBytes {
		p.Text = p.Text[:MaxTextBytes]
	}
	if len(p.Source) > MaxSourceBytes {
		p.Source = p.Source[:MaxSourceBytes]
	}
	if len(p.Metadata) > MaxMetadataBytes {
		p.Metadata = p.Metadata[:MaxMetadataBytes]
	}
}

func validatePoint(p *Point, dim int) error {
	if p.ID == "" {
		return fmt.Errorf("point id is required")
	}
	if dim > 0 && len(p.Vector) != dim {
		return fmt.Errorf("point %s: vector dimension %d, want %d", p.ID, len(p.Vector), dim)
	}
	return nil
}
