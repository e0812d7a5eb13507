package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
)

func resultZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	model := []modelPage{{
		LayoutDets: []modelElement{
			{CategoryID: categoryTitle, Poly: []float64{10, 100, 200, 100, 200, 120, 10, 120}, Text: "表1 用药剂量"},
			{CategoryID: categoryTable, Poly: []float64{10, 150, 300, 150, 300, 400, 10, 400}, HTML: "<table><tr><td>5mg</td></tr></table>"},
		},
	}}
	content := []contentEntry{
		{Type: "text", Text: "高血压患者的用药原则。", PageIdx: 0},
		{Type: "image", ImgPath: "images/fig1.jpg", Caption: []any{"图1 血压分级"}, PageIdx: 0},
	}

	files := map[string][]byte{}
	data, err := json.Marshal(model)
	require.NoError(t, err)
	files["model.json"] = data
	data, err = json.Marshal(content)
	require.NoError(t, err)
	files["content_list.json"] = data
	files["full.md"] = []byte("# 用药\n\n高血压患者的用药原则。\n")
	files["images/fig1.jpg"] = []byte{0xFF, 0xD8, 0xFF}

	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRemoteParserLifecycle(t *testing.T) {
	blob := resultZip(t)
	polls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotEmpty(t, body["file"])
			json.NewEncoder(w).Encode(submitResponse{TaskID: "t1"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/t1":
			polls++
			state := "processing"
			if polls >= 2 {
				state = "completed"
			}
			json.NewEncoder(w).Encode(statusResponse{State: state})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/t1/result":
			w.Write(blob)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	pdfPath := dir + "/report.pdf"
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4 fake"), 0o644))

	parser, err := NewRemoteParser(config.ParserConfig{
		Mode:         "remote",
		Endpoint:     server.URL,
		PollInterval: 1,
		MaxPolls:     5,
		OutputDir:    dir,
	})
	require.NoError(t, err)

	result, err := parser.Parse(context.Background(), pdfPath)
	require.NoError(t, err)
	require.Empty(t, result.Error)

	assert.Contains(t, result.Text, "高血压患者的用药原则")
	assert.Contains(t, result.Markdown, "# 用药")

	require.Len(t, result.Tables, 1)
	assert.Equal(t, "表1 用药剂量", result.Tables[0].Title)
	assert.Equal(t, 1, result.Tables[0].Page)

	require.Len(t, result.Images, 1)
	assert.Equal(t, "图1 血压分级", result.Images[0].Title)
	assert.FileExists(t, result.Images[0].Path)

	assert.GreaterOrEqual(t, polls, 2)
}

func TestRemoteParserFailedTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(submitResponse{TaskID: "t2"})
		default:
			json.NewEncoder(w).Encode(statusResponse{State: "failed", Message: "corrupt pdf"})
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	pdfPath := dir + "/bad.pdf"
	require.NoError(t, os.WriteFile(pdfPath, []byte("not a pdf"), 0o644))

	parser, err := NewRemoteParser(config.ParserConfig{
		Mode:         "remote",
		Endpoint:     server.URL,
		PollInterval: 1,
		MaxPolls:     3,
		OutputDir:    dir,
	})
	require.NoError(t, err)

	result, err := parser.Parse(context.Background(), pdfPath)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "corrupt pdf")
	assert.Empty(t, result.Tables)
	assert.Empty(t, result.Images)
}

func TestRemoteParserRequiresEndpoint(t *testing.T) {
	_, err := NewRemoteParser(config.ParserConfig{Mode: "remote"})
	assert.Error(t, err)
}

func TestBindTablesNearestTitle(t *testing.T) {
	pages := []modelPage{{
		LayoutDets: []modelElement{
			{CategoryID: categoryTitle, Poly: []float64{0, 10, 100, 10, 100, 30, 0, 30}, Text: "远处的标题"},
			{CategoryID: categoryTitle, Poly: []float64{0, 90, 100, 90, 100, 110, 0, 110}, Text: "紧邻的标题"},
			{CategoryID: categoryTitle, Poly: []float64{0, 200, 100, 200, 100, 220, 0, 220}, Text: "表格下方的标题"},
			{CategoryID: categoryTable, Poly: []float64{0, 120, 100, 120, 100, 180, 0, 180}},
		},
	}}

	tables := bindTables(pages)
	require.Len(t, tables, 1)
	assert.Equal(t, "紧邻的标题", tables[0].Title)
}

func TestResolveImagesByNamePattern(t *testing.T) {
	docDir := filepath.Join(t.TempDir(), "report")
	imgDir := filepath.Join(docDir, "images")
	require.NoError(t, os.MkdirAll(imgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "report_2_0.png"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "page3_img0.jpg"), []byte{1}, 0o644))

	// The reported paths do not exist, so resolution falls through to
	// the {doc}_{page}_{idx} and page{page}_img{idx} patterns.
	entries := []contentEntry{
		{Type: "image", ImgPath: "gone/fig9.jpg", PageIdx: 1},
		{Type: "image", ImgPath: "gone/fig10.jpg", PageIdx: 2},
	}
	images := resolveImages(entries, docDir)

	require.Len(t, images, 2)
	assert.Equal(t, filepath.Join(imgDir, "report_2_0.png"), images[0].Path)
	assert.Equal(t, filepath.Join(imgDir, "page3_img0.jpg"), images[1].Path)
}

func TestCaptionText(t *testing.T) {
	assert.Equal(t, "图1", captionText("图1"))
	assert.Equal(t, "图1 分级", captionText([]any{"图1", "分级"}))
	assert.Equal(t, "", captionText(nil))
	assert.Equal(t, "", captionText(42))
}

func TestUnzipRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../evil.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = unzipTo(buf.Bytes(), t.TempDir())
	assert.Error(t, err)
}

func TestDescriberRetriesThenGivesUp(t *testing.T) {
	calls := 0
	d := NewDescriber(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "", errors.New("provider down")
	})
	d.delay = 0
	d.backoff = 0
	d.retries = 2

	result := &ParseResult{Tables: []Table{{Title: "表1", HTML: "<table></table>"}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Describe(ctx, result)

	// One initial call plus two retries, description left empty.
	assert.Equal(t, 3, calls)
	assert.Empty(t, result.Tables[0].AIDescription)
}

func TestDescriberFillsDescriptions(t *testing.T) {
	d := NewDescriber(func(ctx context.Context, prompt string) (string, error) {
		return "描述", nil
	})
	d.delay = 0

	result := &ParseResult{
		Tables: []Table{{Title: "表1", HTML: "<table></table>"}},
		Images: []Image{{Title: "图1", Path: "images/fig1.jpg"}},
	}
	d.Describe(context.Background(), result)

	assert.Equal(t, "描述", result.Tables[0].AIDescription)
	assert.Equal(t, "描述", result.Images[0].AIDescription)
}

func TestParseResultMemoization(t *testing.T) {
	dir := t.TempDir()
	in := &ParseResult{Text: "正文", TotalPages: 3, Tables: []Table{}, Images: []Image{}}

	require.NoError(t, SaveMemoized(dir, 9, in))
	out := LoadMemoized(dir, 9)
	require.NotNil(t, out)
	assert.Equal(t, in.Text, out.Text)
	assert.Equal(t, in.TotalPages, out.TotalPages)

	assert.Nil(t, LoadMemoized(dir, 10))
}
