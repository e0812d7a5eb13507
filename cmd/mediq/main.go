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

// Command mediq is the medical-consultation RAG backend.
//
// Usage:
//
//	mediq serve --config config.yaml
//	mediq ingest --config config.yaml --id 42 docs/hypertension.pdf
//	mediq ask --config config.yaml "高血压患者饮食应注意什么"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the consultation server."`
	Ingest  IngestCmd  `cmd:"" help:"Ingest a PDF document into the indexes."`
	Ask     AskCmd     `cmd:"" help:"Run a single consultation turn."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel string `help:"Log level override (debug, info, warn, error)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mediq %s\n", version)
	return nil
}

// ServeCmd starts the HTTP consultation server.
type ServeCmd struct {
	Port int `help:"Port override." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port > 0 {
		cfg.Server.Port = c.Port
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	return app.Serve(ctx)
}

// IngestCmd ingests one PDF.
type IngestCmd struct {
	Path string `arg:"" help:"Path to the PDF file." type:"path"`
	ID   string `help:"Document id; derived from the file name when empty."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	documentID, err := resolveDocumentID(c.ID, c.Path)
	if err != nil {
		return err
	}

	stats, err := app.ingestor.Ingest(ctx, c.Path, documentID)
	if err != nil {
		return err
	}
	fmt.Printf("document %d: %d chunks, %d tables, %d images, %d graph entities (%s)\n",
		stats.DocumentID, stats.Chunks, stats.Tables, stats.Images,
		stats.GraphEntities, stats.Elapsed)
	return nil
}

// AskCmd runs one consultation turn and prints the answer.
type AskCmd struct {
	Query string `arg:"" help:"The question to ask."`
}

func (c *AskCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	result := app.orchestrator.Handle(ctx, c.Query)
	fmt.Println(result.Answer)
	if result.RiskLevel != "" {
		fmt.Printf("\n[risk_level: %s]\n", result.RiskLevel)
	}
	if len(result.Sources) > 0 {
		fmt.Println("\n参考来源：")
		for _, s := range result.Sources {
			fmt.Printf("- %s\n", s)
		}
	}
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveDocumentID(raw, path string) (int64, error) {
	if raw == "" {
		// Stable id from the file name so re-ingestion overwrites.
		h := int64(0)
		for _, r := range path {
			h = h*31 + int64(r)
		}
		if h < 0 {
			h = -h
		}
		return h, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid document id %q: %w", raw, err)
	}
	return id, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("mediq"),
		kong.Description("Medical consultation RAG backend"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
