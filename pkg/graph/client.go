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

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/uniclin/mediq/pkg/config"
)

// Client executes parameterized Cypher against Neo4j.
//
// The driver is created lazily on first use and re-created on connectivity
// failure. Reconnection is mutex-protected so concurrent callers hitting a
// dead connection trigger a single dial rather than a thundering herd.
type Client struct {
	cfg config.GraphConfig

	mu     sync.Mutex
	driver neo4j.DriverWithContext
}

// Record is one row of a Cypher result.
type Record map[string]any

// NewClient creates a graph client. No connection is made until first use.
func NewClient(cfg config.GraphConfig) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) getDriver(ctx context.Context) (neo4j.DriverWithContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver != nil {
		return c.driver, nil
	}

	driver, err := neo4j.NewDriverWithContext(
		c.cfg.URI,
		neo4j.BasicAuth(c.cfg.Username, c.cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity check failed: %w", err)
	}

	c.driver = driver
	slog.Info("Connected to graph store", "uri", c.cfg.URI)
	return driver, nil
}

// invalidate drops the cached driver so the next call reconnects.
func (c *Client) invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver != nil {
		_ = c.driver.Close(ctx)
		c.driver = nil
	}
}

// Run executes a parameterized Cypher query and materializes all rows.
// On a connection-level failure it reconnects once and retries.
func (c *Client) Run(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	records, err := c.run(ctx, cypher, params)
	if err == nil {
		return records, nil
	}

	if ctx.Err() != nil {
		return nil, err
	}

	slog.Warn("Graph query failed, reconnecting", "error", err)
	c.invalidate(ctx)

	return c.run(ctx, cypher, params)
}

func (c *Client) run(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	driver, err := c.getDriver(ctx)
	if err != nil {
		return nil, err
	}

	result, err := neo4j.ExecuteQuery(ctx, driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(c.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("cypher execution failed: %w", err)
	}

	records := make([]Record, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, Record(rec.AsMap()))
	}
	return records, nil
}

// InitSchema creates the name/icd10 indexes. Index creation is idempotent.
func (c *Client) InitSchema(ctx context.Context) error {
	for _, idx := range schemaIndexes {
		cypher := fmt.Sprintf(
			"CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
			idx.Name, idx.Label, idx.Property)
		if _, err := c.Run(ctx, cypher, nil); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
		}
	}
	return nil
}

// MergeEntity upserts a node keyed by name. Properties are set on create
// and updated on match.
func (c *Client) MergeEntity(ctx context.Context, e Entity) error {
	if !ValidLabel(e.Type) {
		return fmt.Errorf("invalid entity type %q", e.Type)
	}
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}

	props := e.Properties
	if props == nil {
		props = map[string]any{}
	}

	cypher := fmt.Sprintf(
		"MERGE (n:%s {name: $name}) SET n += $props",
		e.Type)
	_, err := c.Run(ctx, cypher, map[string]any{"name": e.Name, "props": props})
	if err != nil {
		return fmt.Errorf("failed to merge %s %q: %w", e.Type, e.Name, err)
	}
	return nil
}

// MergeRelation upserts a relation. MERGE on both endpoints and the edge
// makes the write idempotent on (subject, predicate, object).
func (c *Client) MergeRelation(ctx context.Context, r Relation) error {
	if !ValidLabel(r.SubjectType) || !ValidLabel(r.ObjectType) {
		return fmt.Errorf("invalid relation endpoint types %q/%q", r.SubjectType, r.ObjectType)
	}
	if !ValidPredicate(r.Predicate) {
		return fmt.Errorf("invalid predicate %q", r.Predicate)
	}

	props := r.Properties
	if props == nil {
		props = map[string]any{}
	}

	cypher := fmt.Sprintf(
		"MERGE (s:%s {name: $subject}) MERGE (o:%s {name: $object}) MERGE (s)-[r:%s]->(o) SET r += $props",
		r.SubjectType, r.ObjectType, r.Predicate)
	_, err := c.Run(ctx, cypher, map[string]any{
		"subject": r.Subject,
		"object":  r.Object,
		"props":   props,
	})
	if err != nil {
		return fmt.Errorf("failed to merge relation %s-[%s]->%s: %w",
			r.Subject, r.Predicate, r.Object, err)
	}
	return nil
}

// EntityExists checks whether a node of the given label contains name.
// Used by the entity recognizer's KG validation pass.
func (c *Client) EntityExists(ctx context.Context, label, name string) (bool, error) {
	if !ValidLabel(label) {
		return false, fmt.Errorf("invalid label %q", label)
	}

	cypher := fmt.Sprintf(
		"MATCH (n:%s) WHERE n.name CONTAINS $name RETURN n.name LIMIT 1", label)
	records, err := c.Run(ctx, cypher, map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// Close shuts the driver down. Safe to call when never connected.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver == nil {
		return nil
	}
	err := c.driver.Close(ctx)
	c.driver = nil
	return err
}
