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

// Package document covers ingestion: PDF parsing, AI descriptions for
// tables and images, and structure-aware chunking.
package document

// ChunkType identifies what a chunk carries.
type ChunkType string

const (
	ChunkText    ChunkType = "text"
	ChunkTable   ChunkType = "table"
	ChunkImage   ChunkType = "image"
	ChunkHeading ChunkType = "heading"
)

// ChunkMetadata locates a chunk within its source document.
type ChunkMetadata struct {
	DocumentID int64     `json:"document_id"`
	Page       int       `json:"page"`
	Position   int       `json:"position"`
	BBox       []float64 `json:"bbox,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
}

// Chunk is the unit of retrievable evidence.
//
// Invariants: Body is non-empty; table and image chunks carry their
// AIDescription field even when it is the empty string; ChunkIndex is
// assigned monotonically within a document.
type Chunk struct {
	ID          string    `json:"id"`
	Type        ChunkType `json:"chunk_type"`
	Title       string    `json:"title,omitempty"`
	Level       int       `json:"level"`
	ParentTitle string    `json:"parent_title,omitempty"`
	Body        string    `json:"body"`
	HasTitle    bool      `json:"has_title"`

	// TableHTML is set for table chunks.
	TableHTML string `json:"table_html,omitempty"`

	// ImagePath is set for image chunks.
	ImagePath string `json:"image_path,omitempty"`

	// AIDescription is the generated description for table/image chunks.
	AIDescription string `json:"ai_description"`

	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`

	Metadata ChunkMetadata `json:"metadata"`
}

// Table is a parsed table prior to chunking.
type Table struct {
	Title         string    `json:"title"`
	Page          int       `json:"page"`
	BBox          []float64 `json:"bbox,omitempty"`
	HTML          string    `json:"html"`
	AIDescription string    `json:"ai_description"`
	ContextBefore string    `json:"context_before,omitempty"`
	ContextAfter  string    `json:"context_after,omitempty"`
}

// Image is a parsed figure prior to chunking.
type Image struct {
	Title         string    `json:"title"`
	Page          int       `json:"page"`
	BBox          []float64 `json:"bbox,omitempty"`
	Path          string    `json:"path"`
	AIDescription string    `json:"ai_description"`
	ContextBefore string    `json:"context_before,omitempty"`
	ContextAfter  string    `json:"context_after,omitempty"`
}

// ParseResult is the shape every parser returns. On unrecoverable errors
// Error is set and the evidence lists are empty — downstream treats that
// as "no evidence", not as a fault.
type ParseResult struct {
	Text       string         `json:"text"`
	Markdown   string         `json:"markdown"`
	Tables     []Table        `json:"tables"`
	Images     []Image        `json:"images"`
	TotalPages int            `json:"total_pages"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
}
