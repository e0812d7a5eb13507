package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksByType(chunks []Chunk, t ChunkType) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func TestChunkHeadingStructure(t *testing.T) {
	content := "# A\n\npara1\n\n## B\n\npara2 表1\n"
	tables := []Table{{Title: "表1", Page: 1, HTML: "<table><tr><td>x</td></tr></table>"}}

	c := NewStructureChunker(1000, 200)
	out := c.Chunk(content, 42, tables, nil)

	texts := chunksByType(out.Chunks, ChunkText)
	require.Len(t, texts, 2)

	assert.Equal(t, "# A", texts[0].Title)
	assert.Equal(t, "para1", texts[0].Body)
	assert.Equal(t, "", texts[0].ParentTitle)
	assert.True(t, texts[0].HasTitle)

	assert.Equal(t, "## B", texts[1].Title)
	assert.Equal(t, "para2 表1", texts[1].Body)
	assert.Equal(t, "A", texts[1].ParentTitle)

	tabs := chunksByType(out.Chunks, ChunkTable)
	require.Len(t, tabs, 1)
	assert.Equal(t, "B", tabs[0].ParentTitle)
	assert.Equal(t, tables[0].HTML, tabs[0].TableHTML)
	assert.Equal(t, int64(42), tabs[0].Metadata.DocumentID)
}

func TestChunkHTMLHeadings(t *testing.T) {
	content := "<h1>概述</h1>\n高血压是常见慢性病。\n<h2>诊断</h2>\n测量血压确诊。\n"

	c := NewStructureChunker(1000, 200)
	out := c.Chunk(content, 1, nil, nil)

	texts := chunksByType(out.Chunks, ChunkText)
	require.Len(t, texts, 2)
	assert.Equal(t, "# 概述", texts[0].Title)
	assert.Equal(t, "## 诊断", texts[1].Title)
	assert.Equal(t, "概述", texts[1].ParentTitle)
}

func TestChunkVisitedPositions(t *testing.T) {
	content := "# A\n\npara1\n\n## B\n\npara2 表1\n"
	tables := []Table{{Title: "表1", Page: 1, HTML: "<table></table>"}}
	images := []Image{{Title: "图1", Page: 1, Path: "images/fig1.jpg", AIDescription: "示意图"}}

	c := NewStructureChunker(1000, 200)
	out := c.Chunk(content, 1, tables, images)

	// Each emitted chunk owns exactly one distinct position.
	assert.Equal(t, len(out.Chunks), out.PositionsVisited)

	type visit struct {
		typ ChunkType
		pos int
	}
	seen := map[visit]bool{}
	for _, ch := range out.Chunks {
		key := visit{typ: ch.Type, pos: ch.Metadata.Position}
		assert.False(t, seen[key], "position emitted twice: %v", key)
		seen[key] = true
	}
}

func TestChunkIndexMonotone(t *testing.T) {
	content := "# A\n\npara1\n\n# B\n\npara2\n\n# C\n\npara3\n"

	c := NewStructureChunker(1000, 200)
	out := c.Chunk(content, 1, nil, nil)

	require.NotEmpty(t, out.Chunks)
	for i, ch := range out.Chunks {
		assert.Equal(t, i, ch.Metadata.ChunkIndex)
		assert.NotEmpty(t, ch.Body)
		assert.NotEmpty(t, ch.ID)
	}
}

func TestChunkSlidingWindow(t *testing.T) {
	body := strings.Repeat("血压管理要点。", 100) // 700 runes
	content := "# 慢病\n\n" + body

	c := NewStructureChunker(300, 60)
	out := c.Chunk(content, 1, nil, nil)

	texts := chunksByType(out.Chunks, ChunkText)
	require.Greater(t, len(texts), 1)

	for _, ch := range texts {
		assert.LessOrEqual(t, len([]rune(ch.Body)), 300)
		assert.Equal(t, "# 慢病", ch.Title)
	}

	// Overlap: the tail of one window reappears at the head of the next.
	first := []rune(texts[0].Body)
	tail := string(first[len(first)-20:])
	assert.Contains(t, texts[1].Body, strings.TrimSpace(tail))
}

func TestChunkNoHeadingsFallback(t *testing.T) {
	content := "没有标题的纯文本段落，第一段。\n\n第二段继续描述症状。\n"
	tables := []Table{{Title: "体检参考值", Page: 1, HTML: "<table></table>"}}

	c := NewStructureChunker(1000, 200)
	out := c.Chunk(content, 7, tables, nil)

	tabs := chunksByType(out.Chunks, ChunkTable)
	require.Len(t, tabs, 1)

	texts := chunksByType(out.Chunks, ChunkText)
	require.NotEmpty(t, texts)
	for _, ch := range texts {
		assert.False(t, ch.HasTitle)
		assert.Empty(t, ch.Title)
	}
}

func TestChunkEmptyContent(t *testing.T) {
	c := NewStructureChunker(1000, 200)
	out := c.Chunk("", 1, nil, nil)
	assert.Empty(t, out.Chunks)
	assert.Zero(t, out.PositionsVisited)
}

func TestElementPositionFallbacks(t *testing.T) {
	c := NewStructureChunker(1000, 200)
	content := "前言内容 常用药物清单 更多内容"

	// Exact title substring.
	pos := c.elementPosition(content, "常用药物清单", 3)
	assert.Equal(t, strings.Index(content, "常用药物清单"), pos)

	// Leading keyword of a longer title.
	pos = c.elementPosition(content, "常用药物详细清单补充说明", 3)
	assert.Equal(t, strings.Index(content, "常用药物"), pos)

	// Page estimate, clamped to content length.
	pos = c.elementPosition(content, "不存在的标题someveryuniquetitle", 2)
	assert.Equal(t, len(content), pos)

	long := strings.Repeat("x", 5000)
	pos = c.elementPosition(long, "", 2)
	assert.Equal(t, 2000, pos)
}

func TestTableBodyComposition(t *testing.T) {
	body := tableBody(&Table{
		Title:         "用药剂量表",
		AIDescription: "常见降压药的推荐剂量",
		HTML:          "<table><tr><td>氨氯地平</td><td>5mg</td></tr></table>",
	})
	assert.Contains(t, body, "用药剂量表")
	assert.Contains(t, body, "常见降压药的推荐剂量")
	assert.Contains(t, body, "氨氯地平")
	assert.NotContains(t, body, "<table>")
}
