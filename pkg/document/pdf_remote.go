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
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/httpclient"
)

// Layout element categories produced by the remote parsing service.
const (
	categoryTable = 5
	categoryTitle = 6
)

// RemoteParser drives the asynchronous layout-analysis service: submit
// the PDF as base64, poll the task, download the result ZIP, and read
// the layout JSON out of it. It recovers table structure and figure
// crops the local parser cannot.
type RemoteParser struct {
	cfg    config.ParserConfig
	client *httpclient.Client
}

// NewRemoteParser creates a remote parser. Endpoint is required.
func NewRemoteParser(cfg config.ParserConfig) (*RemoteParser, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote parser requires an endpoint")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 150
	}
	return &RemoteParser{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithMaxRetries(3),
			httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
		),
	}, nil
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// modelElement is one layout element from model.json. Poly is the
// quadrilateral [x0,y0, x1,y0, x1,y1, x0,y1].
type modelElement struct {
	CategoryID int       `json:"category_id"`
	Poly       []float64 `json:"poly"`
	Text       string    `json:"text,omitempty"`
	HTML       string    `json:"html,omitempty"`
	Score      float64   `json:"score,omitempty"`
}

type modelPage struct {
	LayoutDets []modelElement `json:"layout_dets"`
	PageInfo   struct {
		PageNo int `json:"page_no"`
	} `json:"page_info"`
}

// contentEntry is one entry from content_list.json.
type contentEntry struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	ImgPath string `json:"img_path,omitempty"`
	Caption any    `json:"img_caption,omitempty"`
	PageIdx int    `json:"page_idx"`
}

// Parse runs the full remote lifecycle. Unrecoverable failures come
// back as a shape-correct result with Error set.
func (p *RemoteParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	taskID, err := p.submit(ctx, path)
	if err != nil {
		return failedResult(fmt.Errorf("submit: %w", err)), nil
	}
	slog.Info("Remote parse task submitted", "task_id", taskID, "path", path)

	if err := p.await(ctx, taskID); err != nil {
		return failedResult(fmt.Errorf("task %s: %w", taskID, err)), nil
	}

	blob, err := p.download(ctx, taskID)
	if err != nil {
		return failedResult(fmt.Errorf("download %s: %w", taskID, err)), nil
	}

	docDir := filepath.Join(p.cfg.OutputDir, docIDFromPath(path))
	if err := unzipTo(blob, docDir); err != nil {
		return failedResult(fmt.Errorf("unzip: %w", err)), nil
	}

	return p.assemble(docDir)
}

func (p *RemoteParser) submit(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"file":      base64.StdEncoding.EncodeToString(raw),
		"file_name": filepath.Base(path),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint+"/api/v1/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	p.auth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sub.TaskID == "" {
		return "", fmt.Errorf("service returned no task id")
	}
	return sub.TaskID, nil
}

// await polls until the task completes, fails, or the poll budget is
// exhausted.
func (p *RemoteParser) await(ctx context.Context, taskID string) error {
	interval := time.Duration(p.cfg.PollInterval) * time.Second

	for i := 0; i < p.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		status, err := p.status(ctx, taskID)
		if err != nil {
			// Transient poll failures burn a poll but not the task.
			slog.Warn("Poll failed", "task_id", taskID, "error", err)
			continue
		}

		switch status.State {
		case "completed", "done":
			return nil
		case "failed", "error":
			return fmt.Errorf("remote parse failed: %s", status.Message)
		}
	}
	return fmt.Errorf("not completed after %d polls", p.cfg.MaxPolls)
}

func (p *RemoteParser) status(ctx context.Context, taskID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/tasks/%s", p.cfg.Endpoint, taskID), nil)
	if err != nil {
		return nil, err
	}
	p.auth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (p *RemoteParser) download(ctx context.Context, taskID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/tasks/%s/result", p.cfg.Endpoint, taskID), nil)
	if err != nil {
		return nil, err
	}
	p.auth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (p *RemoteParser) auth(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

// assemble reads model.json and content_list.json from the unzipped
// result directory and builds the ParseResult.
func (p *RemoteParser) assemble(docDir string) (*ParseResult, error) {
	pages, err := readModel(docDir)
	if err != nil {
		return failedResult(fmt.Errorf("model.json: %w", err)), nil
	}

	entries, err := readContentList(docDir)
	if err != nil {
		return failedResult(fmt.Errorf("content_list.json: %w", err)), nil
	}

	result := &ParseResult{
		Tables:     bindTables(pages),
		Images:     resolveImages(entries, docDir),
		TotalPages: len(pages),
		Metadata:   map[string]any{"parser": "remote", "dir": docDir},
	}

	var text strings.Builder
	for _, e := range entries {
		if e.Type == "text" && strings.TrimSpace(e.Text) != "" {
			text.WriteString(e.Text)
			text.WriteString("\n\n")
		}
	}
	result.Text = strings.TrimSpace(text.String())

	if md, err := os.ReadFile(filepath.Join(docDir, "full.md")); err == nil {
		result.Markdown = string(md)
	} else {
		result.Markdown = result.Text
	}
	return result, nil
}

func readModel(docDir string) ([]modelPage, error) {
	data, err := os.ReadFile(filepath.Join(docDir, "model.json"))
	if err != nil {
		return nil, err
	}
	var pages []modelPage
	if err := json.Unmarshal(data, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

func readContentList(docDir string) ([]contentEntry, error) {
	data, err := os.ReadFile(filepath.Join(docDir, "content_list.json"))
	if err != nil {
		return nil, err
	}
	var entries []contentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// bindTables associates each table element with the nearest preceding
// title on the same page: the title whose bottom edge (y1) sits at or
// above the table's top edge (y0), closest wins.
func bindTables(pages []modelPage) []Table {
	tables := []Table{}

	for _, page := range pages {
		pageNo := page.PageInfo.PageNo

		var titles []modelElement
		for _, el := range page.LayoutDets {
			if el.CategoryID == categoryTitle {
				titles = append(titles, el)
			}
		}

		for _, el := range page.LayoutDets {
			if el.CategoryID != categoryTable {
				continue
			}
			tableTop := polyY0(el.Poly)

			title := ""
			bestGap := -1.0
			for _, t := range titles {
				titleBottom := polyY1(t.Poly)
				if titleBottom > tableTop {
					continue
				}
				gap := tableTop - titleBottom
				if bestGap < 0 || gap < bestGap {
					bestGap = gap
					title = strings.TrimSpace(t.Text)
				}
			}

			tables = append(tables, Table{
				Title: title,
				Page:  pageNo + 1,
				BBox:  polyToBBox(el.Poly),
				HTML:  el.HTML,
			})
		}
	}
	return tables
}

// resolveImages locates each figure on disk by trying the conventional
// locations in rank order; matching by directory-listing index is the
// last resort.
func resolveImages(entries []contentEntry, docDir string) []Image {
	var listing []string
	if files, err := os.ReadDir(filepath.Join(docDir, "images")); err == nil {
		for _, f := range files {
			if !f.IsDir() {
				listing = append(listing, f.Name())
			}
		}
		sort.Strings(listing)
	}

	docName := filepath.Base(docDir)
	images := []Image{}
	listIdx := 0
	perPage := map[int]int{}
	for _, e := range entries {
		if e.Type != "image" {
			continue
		}

		idx := perPage[e.PageIdx]
		perPage[e.PageIdx]++
		path := resolveImagePath(docDir, docName, e.ImgPath, e.PageIdx+1, idx, listing, listIdx)
		listIdx++
		if path == "" {
			continue
		}

		images = append(images, Image{
			Title: captionText(e.Caption),
			Page:  e.PageIdx + 1,
			Path:  path,
		})
	}
	return images
}

// resolveImagePath tries, in rank order: the path the service reported,
// the conventional images/ and flat locations, the {doc}_{page}_{idx}
// and page{page}_img{idx} naming patterns, and last the directory
// listing by position. page is one-based, idx counts figures within the
// page.
func resolveImagePath(docDir, docName, imgPath string, page, idx int, listing []string, listIdx int) string {
	base := filepath.Base(imgPath)
	candidates := []string{
		imgPath,
		filepath.Join("images", base),
		base,
	}
	for _, c := range candidates {
		if c == "" || c == "." {
			continue
		}
		full := filepath.Join(docDir, c)
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}

	stems := []string{
		fmt.Sprintf("%s_%d_%d", docName, page, idx),
		fmt.Sprintf("page%d_img%d", page, idx),
	}
	for _, stem := range stems {
		for _, name := range listing {
			if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
				return filepath.Join(docDir, "images", name)
			}
		}
	}

	if listIdx < len(listing) {
		return filepath.Join(docDir, "images", listing[listIdx])
	}
	return ""
}

// captionText flattens the caption field, which the service emits as
// either a string or a list of strings.
func captionText(caption any) string {
	switch v := caption.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func polyY0(poly []float64) float64 {
	if len(poly) < 8 {
		return 0
	}
	return poly[1]
}

func polyY1(poly []float64) float64 {
	if len(poly) < 8 {
		return 0
	}
	return poly[5]
}

func polyToBBox(poly []float64) []float64 {
	if len(poly) < 8 {
		return nil
	}
	return []float64{poly[0], poly[1], poly[4], poly[5]}
}

// docIDFromPath derives the deterministic output directory name.
func docIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// unzipTo extracts a ZIP blob, refusing entries that escape dir.
func unzipTo(blob []byte, dir string) error {
	reader, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, f := range reader.File {
		target := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry escapes output dir: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
