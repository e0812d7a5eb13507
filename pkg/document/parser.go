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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/uniclin/mediq/pkg/config"
)

// Parser extracts text, tables, and images from a PDF. Implementations
// must not panic on malformed input; unrecoverable failures are reported
// through ParseResult.Error with empty evidence lists.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
}

// NewParser selects the parser implementation from config.
func NewParser(cfg config.ParserConfig) (Parser, error) {
	switch cfg.Mode {
	case "local", "":
		return NewLocalParser(cfg), nil
	case "remote":
		return NewRemoteParser(cfg)
	default:
		return nil, fmt.Errorf("unknown parser mode: %s", cfg.Mode)
	}
}

// failedResult builds the shape-correct result for unrecoverable errors.
func failedResult(err error) *ParseResult {
	return &ParseResult{
		Tables: []Table{},
		Images: []Image{},
		Error:  err.Error(),
	}
}

// DescribeFunc produces a short description for a prompt. Backed by the
// LLM client in production; tests substitute a stub.
type DescribeFunc func(ctx context.Context, prompt string) (string, error)

// Describer fills in AI descriptions for tables and images before
// chunking. Calls are sequential with an inter-call delay so a large
// document does not burst the provider.
type Describer struct {
	generate DescribeFunc
	delay    time.Duration
	backoff  time.Duration
	retries  int
}

// NewDescriber creates a describer with the standard pacing: 0.5s
// between calls, up to 3 retries with exponential backoff from 1s.
func NewDescriber(generate DescribeFunc) *Describer {
	return &Describer{
		generate: generate,
		delay:    500 * time.Millisecond,
		backoff:  time.Second,
		retries:  3,
	}
}

// Describe annotates result in place. A failed description leaves the
// field empty and moves on; the document is still usable without it.
func (d *Describer) Describe(ctx context.Context, result *ParseResult) {
	if d == nil || d.generate == nil {
		return
	}

	for i := range result.Tables {
		t := &result.Tables[i]
		if t.AIDescription != "" {
			continue
		}
		prompt := fmt.Sprintf(
			"请用一段简洁的中文描述下面表格的内容和关键信息。\n标题：%s\n表格：\n%s",
			t.Title, t.HTML)
		desc, err := d.describeOne(ctx, prompt)
		if err != nil {
			slog.Warn("Table description failed", "title", t.Title, "error", err)
			continue
		}
		t.AIDescription = desc
	}

	for i := range result.Images {
		img := &result.Images[i]
		if img.AIDescription != "" {
			continue
		}
		prompt := fmt.Sprintf(
			"请根据图片的上下文推断并用一段简洁的中文描述该插图的内容。\n标题：%s\n上文：%s\n下文：%s",
			img.Title, img.ContextBefore, img.ContextAfter)
		desc, err := d.describeOne(ctx, prompt)
		if err != nil {
			slog.Warn("Image description failed", "path", img.Path, "error", err)
			continue
		}
		img.AIDescription = desc
	}
}

func (d *Describer) describeOne(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			backoff := d.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		desc, err := d.generate(ctx, prompt)
		if err == nil {
			d.pace(ctx)
			return desc, nil
		}
		lastErr = err
	}
	d.pace(ctx)
	return "", lastErr
}

func (d *Describer) pace(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.delay):
	}
}

// LoadMemoized returns the cached parse result for docID under dir, or
// nil when absent or unreadable.
func LoadMemoized(dir string, docID int64) *ParseResult {
	path := filepath.Join(dir, fmt.Sprintf("%d_parsed.json", docID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var result ParseResult
	if err := json.Unmarshal(data, &result); err != nil {
		slog.Warn("Discarding corrupt parse cache", "path", path, "error", err)
		return nil
	}
	return &result
}

// SaveMemoized writes the parse result cache file for docID.
func SaveMemoized(dir string, docID int64, result *ParseResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_parsed.json", docID))
	return os.WriteFile(path, data, 0o644)
}
