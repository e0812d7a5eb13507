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

package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/uniclin/mediq/pkg/config"
)

// QdrantProvider implements Provider using the Qdrant gRPC client.
type QdrantProvider struct {
	client *qdrant.Client
}

// NewQdrantProvider creates a Qdrant provider from config.
func NewQdrantProvider(cfg config.QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334 // gRPC port
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &QdrantProvider{client: client}, nil
}

func (p *QdrantProvider) Name() string {
	return "qdrant"
}

func (p *QdrantProvider) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	exists, err := p.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	distance := qdrant.Distance_Euclid
	if spec.Metric == MetricCosine {
		distance = qdrant.Distance_Cosine
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(spec.Dimension),
			Distance: distance,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection %s: %w", spec.Name, err)
	}
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for i := range points {
		clampPoint(&points[i])
		if err := validatePoint(&points[i], 0); err != nil {
			return err
		}

		payload := map[string]*qdrant.Value{
			"text":        qdrant.NewValueString(points[i].Text),
			"document_id": qdrant.NewValueInt(points[i].DocumentID),
			"source":      qdrant.NewValueString(points[i].Source),
			"metadata":    qdrant.NewValueString(points[i].Metadata),
		}

		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(points[i].ID),
			Vectors: qdrant.NewVectors(points[i].Vector...),
			Payload: payload,
		})
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	pointsClient := p.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]Result, 0, len(searchResult.Result))
	for _, hit := range searchResult.Result {
		r := Result{Score: hit.Score}

		if id := hit.Id.GetUuid(); id != "" {
			r.ID = id
		} else {
			r.ID = fmt.Sprintf("%d", hit.Id.GetNum())
		}

		if payload := hit.Payload; payload != nil {
			if v, ok := payload["text"]; ok {
				r.Text = v.GetStringValue()
			}
			if v, ok := payload["document_id"]; ok {
				r.DocumentID = v.GetIntegerValue()
			}
			if v, ok := payload["source"]; ok {
				r.Source = v.GetStringValue()
			}
			if v, ok := payload["metadata"]; ok {
				r.Metadata = v.GetStringValue()
			}
		}

		results = append(results, r)
	}
	return results, nil
}

func (p *QdrantProvider) DeleteByDocument(ctx context.Context, collection string, documentID int64) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "document_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Integer{Integer: documentID},
						},
					},
				},
			},
		},
	}

	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %d: %w", documentID, err)
	}
	return nil
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}
