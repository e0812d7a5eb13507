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

package document

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Export writes the parse artifacts for docID under dir: the main chunk
// CSV, a tables CSV, an images CSV, and a metadata JSON. These sidecars
// exist for human review; ingestion reads the in-memory structures.
func Export(dir string, docID int64, result *ParseResult, chunks []Chunk) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := exportChunks(dir, docID, chunks); err != nil {
		return fmt.Errorf("export chunks: %w", err)
	}
	if err := exportTables(dir, docID, result.Tables); err != nil {
		return fmt.Errorf("export tables: %w", err)
	}
	if err := exportImages(dir, docID, result.Images); err != nil {
		return fmt.Errorf("export images: %w", err)
	}
	if err := exportMetadata(dir, docID, result); err != nil {
		return fmt.Errorf("export metadata: %w", err)
	}
	return nil
}

func exportChunks(dir string, docID int64, chunks []Chunk) error {
	return writeCSV(filepath.Join(dir, fmt.Sprintf("%d_pdf_data.csv", docID)),
		[]string{"chunk_index", "chunk_type", "title", "parent_title", "page", "body"},
		len(chunks), func(i int) []string {
			c := chunks[i]
			return []string{
				strconv.Itoa(c.Metadata.ChunkIndex),
				string(c.Type),
				c.Title,
				c.ParentTitle,
				strconv.Itoa(c.Metadata.Page),
				c.Body,
			}
		})
}

func exportTables(dir string, docID int64, tables []Table) error {
	return writeCSV(filepath.Join(dir, fmt.Sprintf("%d_tables.csv", docID)),
		[]string{"title", "page", "ai_description", "html"},
		len(tables), func(i int) []string {
			t := tables[i]
			return []string{t.Title, strconv.Itoa(t.Page), t.AIDescription, t.HTML}
		})
}

func exportImages(dir string, docID int64, images []Image) error {
	return writeCSV(filepath.Join(dir, fmt.Sprintf("%d_images.csv", docID)),
		[]string{"title", "page", "path", "ai_description"},
		len(images), func(i int) []string {
			img := images[i]
			return []string{img.Title, strconv.Itoa(img.Page), img.Path, img.AIDescription}
		})
}

func exportMetadata(dir string, docID int64, result *ParseResult) error {
	meta := map[string]any{
		"document_id": docID,
		"total_pages": result.TotalPages,
		"num_tables":  len(result.Tables),
		"num_images":  len(result.Images),
	}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d_metadata.json", docID)), data, 0o644)
}

func writeCSV(path string, header []string, n int, row func(int) []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := w.Write(row(i)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
