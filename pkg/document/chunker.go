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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// StructureChunker emits typed chunks in document order, preserving
// heading structure. Tables and images become standalone chunks anchored
// to the nearest enclosing heading; section text is split with a sliding
// window when it exceeds ChunkSize.
type StructureChunker struct {
	chunkSize    int
	chunkOverlap int
}

// ChunkerOutput carries the emitted chunks plus the visited-position
// count, which equals len(Chunks) by construction.
type ChunkerOutput struct {
	Chunks           []Chunk
	PositionsVisited int
}

// NewStructureChunker creates a chunker. Size defaults to 1000, overlap
// to 200.
func NewStructureChunker(chunkSize, chunkOverlap int) *StructureChunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	return &StructureChunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

var (
	mdHeadingRe   = regexp.MustCompile(`(?m)^(#{1,2})\s+(.+)$`)
	htmlHeadingRe = regexp.MustCompile(`(?is)<h([12])[^>]*>(.*?)</h[12]>`)
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
)

type markKind int

const (
	markHeading markKind = iota
	markTable
	markImage
)

// mark is a structural element pinned to a character position.
type mark struct {
	pos   int
	kind  markKind
	level int    // headings only
	title string // plain heading text
	raw   string // heading line including markers
	span  int    // characters consumed in the source (headings only)
	table *Table
	image *Image
}

// Chunk runs the structure-aware walk.
func (c *StructureChunker) Chunk(content string, documentID int64, tables []Table, images []Image) *ChunkerOutput {
	marks := c.collectMarks(content, tables, images)

	out := &ChunkerOutput{}
	// Visited positions are tracked per chunk type: a table estimated at
	// an offset must not shadow the text that lives there.
	type visit struct {
		typ ChunkType
		pos int
	}
	visited := make(map[visit]bool)
	nextIndex := 0

	emit := func(ch Chunk) {
		if strings.TrimSpace(ch.Body) == "" {
			return
		}
		key := visit{typ: ch.Type, pos: ch.Metadata.Position}
		if visited[key] {
			return
		}
		visited[key] = true

		ch.ID = uuid.NewString()
		ch.Metadata.DocumentID = documentID
		ch.Metadata.ChunkIndex = nextIndex
		nextIndex++
		out.Chunks = append(out.Chunks, ch)
	}

	hasHeadings := false
	for _, m := range marks {
		if m.kind == markHeading {
			hasHeadings = true
			break
		}
	}

	if !hasHeadings {
		// Fallback path for unstructured content: tables and images first,
		// then sliding-window over all text.
		c.emitElements(marks, "", emit)
		c.emitWindowed(content, 0, "", "", 0, false, emit)
		out.PositionsVisited = len(visited)
		return out
	}

	// Linear walk. Text between marks accumulates into the open section;
	// a heading closes the previous section.
	var (
		sectionTitleRaw string
		sectionTitle    string
		sectionLevel    int
		sectionParent   string
		sectionStart    int
		lastH1          string
	)

	flushSection := func(end int) {
		if end <= sectionStart {
			return
		}
		body := content[sectionStart:end]
		c.emitWindowed(body, sectionStart, sectionTitleRaw, sectionParent, sectionLevel, sectionTitle != "", emit)
	}

	for _, m := range marks {
		if m.pos > len(content) {
			m.pos = len(content)
		}

		switch m.kind {
		case markHeading:
			flushSection(m.pos)

			if m.level == 1 {
				lastH1 = m.title
				sectionParent = ""
			} else {
				sectionParent = lastH1
			}
			sectionTitleRaw = m.raw
			sectionTitle = m.title
			sectionLevel = m.level
			sectionStart = m.pos + m.span

		case markTable:
			parent := sectionTitle
			t := m.table
			body := tableBody(t)
			emit(Chunk{
				Type:          ChunkTable,
				Title:         t.Title,
				ParentTitle:   parent,
				Body:          body,
				HasTitle:      t.Title != "",
				TableHTML:     t.HTML,
				AIDescription: t.AIDescription,
				ContextBefore: t.ContextBefore,
				ContextAfter:  t.ContextAfter,
				Metadata:      ChunkMetadata{Page: t.Page, Position: m.pos, BBox: t.BBox},
			})

		case markImage:
			parent := sectionTitle
			img := m.image
			emit(Chunk{
				Type:          ChunkImage,
				Title:         img.Title,
				ParentTitle:   parent,
				Body:          imageBody(img),
				HasTitle:      img.Title != "",
				ImagePath:     img.Path,
				AIDescription: img.AIDescription,
				ContextBefore: img.ContextBefore,
				ContextAfter:  img.ContextAfter,
				Metadata:      ChunkMetadata{Page: img.Page, Position: m.pos, BBox: img.BBox},
			})
		}
	}

	flushSection(len(content))

	out.PositionsVisited = len(visited)
	return out
}

// collectMarks finds headings and maps each table/image to a character
// position, then sorts everything into one sequence. The position
// fallback chain (title substring, leading keyword, page estimate) is
// deterministic on purpose; do not reorder it.
func (c *StructureChunker) collectMarks(content string, tables []Table, images []Image) []mark {
	var marks []mark

	for _, loc := range mdHeadingRe.FindAllStringSubmatchIndex(content, -1) {
		hashes := content[loc[2]:loc[3]]
		title := strings.TrimSpace(content[loc[4]:loc[5]])
		marks = append(marks, mark{
			pos:   loc[0],
			kind:  markHeading,
			level: len(hashes),
			title: title,
			raw:   strings.TrimSpace(content[loc[0]:loc[1]]),
			span:  loc[1] - loc[0],
		})
	}

	for _, loc := range htmlHeadingRe.FindAllStringSubmatchIndex(content, -1) {
		levelStr := content[loc[2]:loc[3]]
		inner := htmlTagRe.ReplaceAllString(content[loc[4]:loc[5]], "")
		title := strings.TrimSpace(inner)
		level := 1
		if levelStr == "2" {
			level = 2
		}
		marks = append(marks, mark{
			pos:   loc[0],
			kind:  markHeading,
			level: level,
			title: title,
			raw:   fmt.Sprintf("%s %s", strings.Repeat("#", level), title),
			span:  loc[1] - loc[0],
		})
	}

	for i := range tables {
		marks = append(marks, mark{
			pos:   c.elementPosition(content, tables[i].Title, tables[i].Page),
			kind:  markTable,
			table: &tables[i],
		})
	}
	for i := range images {
		marks = append(marks, mark{
			pos:   c.elementPosition(content, images[i].Title, images[i].Page),
			kind:  markImage,
			image: &images[i],
		})
	}

	sort.SliceStable(marks, func(i, j int) bool { return marks[i].pos < marks[j].pos })
	return marks
}

// elementPosition resolves where a table or image sits in the text:
// exact title substring, then a leading keyword of the title, then the
// page-based estimate (page-1)*2000.
func (c *StructureChunker) elementPosition(content, title string, page int) int {
	if title != "" {
		if idx := strings.Index(content, title); idx >= 0 {
			return idx
		}
		if kw := leadingKeyword(title); kw != "" {
			if idx := strings.Index(content, kw); idx >= 0 {
				return idx
			}
		}
	}

	if page < 1 {
		page = 1
	}
	est := (page - 1) * 2000
	if est > len(content) {
		est = len(content)
	}
	return est
}

// leadingKeyword takes the first run of the title: up to the first
// whitespace or, for unsegmented text, the first four runes.
func leadingKeyword(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	if idx := strings.IndexAny(title, " \t："); idx > 0 {
		return title[:idx]
	}
	runes := []rune(title)
	if len(runes) > 4 {
		return string(runes[:4])
	}
	return ""
}

// emitWindowed splits text with the sliding window and emits text chunks.
func (c *StructureChunker) emitWindowed(text string, basePos int, title, parent string, level int, hasTitle bool, emit func(Chunk)) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	runes := []rune(text)
	if len(runes) <= c.chunkSize {
		emit(Chunk{
			Type:        ChunkText,
			Title:       title,
			Level:       level,
			ParentTitle: parent,
			Body:        trimmed,
			HasTitle:    hasTitle,
			Metadata:    ChunkMetadata{Position: basePos},
		})
		return
	}

	step := c.chunkSize - c.chunkOverlap
	for start := 0; start < len(runes); start += step {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		emit(Chunk{
			Type:        ChunkText,
			Title:       title,
			Level:       level,
			ParentTitle: parent,
			Body:        piece,
			HasTitle:    hasTitle,
			Metadata:    ChunkMetadata{Position: basePos + start},
		})
		if end == len(runes) {
			break
		}
	}
}

// emitElements emits all tables and images in position order (fallback
// path, no heading context).
func (c *StructureChunker) emitElements(marks []mark, parent string, emit func(Chunk)) {
	for _, m := range marks {
		switch m.kind {
		case markTable:
			t := m.table
			emit(Chunk{
				Type:          ChunkTable,
				Title:         t.Title,
				ParentTitle:   parent,
				Body:          tableBody(t),
				HasTitle:      t.Title != "",
				TableHTML:     t.HTML,
				AIDescription: t.AIDescription,
				ContextBefore: t.ContextBefore,
				ContextAfter:  t.ContextAfter,
				Metadata:      ChunkMetadata{Page: t.Page, Position: m.pos, BBox: t.BBox},
			})
		case markImage:
			img := m.image
			emit(Chunk{
				Type:          ChunkImage,
				Title:         img.Title,
				ParentTitle:   parent,
				Body:          imageBody(img),
				HasTitle:      img.Title != "",
				ImagePath:     img.Path,
				AIDescription: img.AIDescription,
				ContextBefore: img.ContextBefore,
				ContextAfter:  img.ContextAfter,
				Metadata:      ChunkMetadata{Page: img.Page, Position: m.pos, BBox: img.BBox},
			})
		}
	}
}

// tableBody builds retrievable text for a table chunk: title, AI
// description, then the HTML stripped to text.
func tableBody(t *Table) string {
	var parts []string
	if t.Title != "" {
		parts = append(parts, t.Title)
	}
	if t.AIDescription != "" {
		parts = append(parts, t.AIDescription)
	}
	if plain := strings.TrimSpace(htmlTagRe.ReplaceAllString(t.HTML, " ")); plain != "" {
		parts = append(parts, plain)
	}
	if len(parts) == 0 {
		return "[table]"
	}
	return strings.Join(parts, "\n")
}

// imageBody builds retrievable text for an image chunk.
func imageBody(img *Image) string {
	var parts []string
	if img.Title != "" {
		parts = append(parts, img.Title)
	}
	if img.AIDescription != "" {
		parts = append(parts, img.AIDescription)
	}
	if img.ContextBefore != "" {
		parts = append(parts, img.ContextBefore)
	}
	if img.ContextAfter != "" {
		parts = append(parts, img.ContextAfter)
	}
	if len(parts) == 0 {
		return "[image] " + img.Path
	}
	return strings.Join(parts, "\n")
}
