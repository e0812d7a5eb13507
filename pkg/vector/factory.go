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
	"fmt"

	"github.com/uniclin/mediq/pkg/config"
)

// NewProvider builds the configured vector backend.
func NewProvider(cfg config.VectorConfig) (Provider, error) {
	switch cfg.Type {
	case "milvus":
		return NewMilvusProvider(cfg.Milvus)
	case "qdrant":
		return NewQdrantProvider(cfg.Qdrant)
	case "chromem":
		return NewChromemProvider(ChromemConfig{
			PersistPath: cfg.Chromem.PersistPath,
			Compress:    cfg.Chromem.Compress,
		})
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Type)
	}
}
