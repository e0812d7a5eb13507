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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/uniclin/mediq/pkg/config"
)

// LocalParser is the synchronous in-process PDF parser: a page walk
// extracting plain text and image placements. It cannot recover table
// structure; the remote parser exists for that.
type LocalParser struct {
	cfg config.ParserConfig
}

// NewLocalParser creates a local parser.
func NewLocalParser(cfg config.ParserConfig) *LocalParser {
	return &LocalParser{cfg: cfg}
}

// Parse walks every page. Per-page extraction failures are tolerated;
// only a file that cannot be opened at all yields an error result.
func (p *LocalParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return failedResult(fmt.Errorf("open pdf: %w", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return failedResult(fmt.Errorf("stat pdf: %w", err)), nil
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return failedResult(fmt.Errorf("parse pdf: %w", err)), nil
	}

	totalPages := reader.NumPage()
	var (
		parts  []string
		images []Image
	)

	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return failedResult(err), nil
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err == nil && strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}

		images = append(images, p.pageImages(page, pageNum)...)
	}

	text := strings.Join(parts, "\n\n")
	result := &ParseResult{
		Text:       text,
		Markdown:   text,
		Tables:     []Table{},
		Images:     images,
		TotalPages: totalPages,
		Metadata: map[string]any{
			"parser":        "local",
			"source":        filepath.Base(path),
			"file_size":     info.Size(),
			"file_modified": info.ModTime().Format(time.RFC3339),
		},
	}
	return result, nil
}

// pageImages enumerates image XObjects on a page. The library does not
// expose placement coordinates, so the page MediaBox stands in as the
// bounding box.
func (p *LocalParser) pageImages(page pdf.Page, pageNum int) []Image {
	resources := page.V.Key("Resources")
	if resources.IsNull() {
		return nil
	}
	xobjects := resources.Key("XObject")
	if xobjects.IsNull() {
		return nil
	}

	bbox := mediaBox(page)

	var images []Image
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		if obj.IsNull() {
			continue
		}
		if obj.Key("Subtype").Name() != "Image" {
			continue
		}
		images = append(images, Image{
			Title: name,
			Page:  pageNum,
			BBox:  bbox,
			Path:  fmt.Sprintf("page%d/%s", pageNum, name),
		})
	}
	return images
}

func mediaBox(page pdf.Page) []float64 {
	box := page.V.Key("MediaBox")
	if box.IsNull() || box.Len() != 4 {
		return nil
	}
	out := make([]float64, 4)
	for i := 0; i < 4; i++ {
		out[i] = box.Index(i).Float64()
	}
	return out
}
