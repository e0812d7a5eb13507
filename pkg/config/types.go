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

package config

import "fmt"

// Config is the root configuration for the mediq backend.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Logging   LoggingConfig         `yaml:"logging"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Embedder  EmbedderConfig        `yaml:"embedder"`
	Vector    VectorConfig          `yaml:"vector"`
	Graph     GraphConfig           `yaml:"graph"`
	Redis     RedisConfig           `yaml:"redis"`
	LLMs      map[string]*LLMConfig `yaml:"llms"`
	Chunker   ChunkerConfig         `yaml:"chunker"`
	Parser    ParserConfig          `yaml:"parser"`
	Retrieval RetrievalConfig       `yaml:"retrieval"`
	Rerank    RerankConfig          `yaml:"rerank"`
	Cache     SemanticCacheConfig   `yaml:"semantic_cache"`
	Agents    AgentsConfig          `yaml:"agents"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RequestTimeout bounds a consultation turn, in seconds.
	RequestTimeout int `yaml:"request_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type EmbedderConfig struct {
	Host      string `yaml:"host"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
	Timeout   int    `yaml:"timeout"`
}

// VectorConfig selects and configures the vector index backend.
type VectorConfig struct {
	// Type is the backend: "milvus", "qdrant", or "chromem".
	Type string `yaml:"type"`

	Milvus  MilvusConfig  `yaml:"milvus"`
	Qdrant  QdrantConfig  `yaml:"qdrant"`
	Chromem ChromemConfig `yaml:"chromem"`

	// DocCollection holds document chunks (L2 metric).
	DocCollection string `yaml:"doc_collection"`

	// CacheCollection holds the semantic cache (cosine metric).
	CacheCollection string `yaml:"cache_collection"`
}

type MilvusConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key,omitempty"`
	UseTLS  bool   `yaml:"use_tls,omitempty"`
	Timeout int    `yaml:"timeout,omitempty"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

type ChromemConfig struct {
	PersistPath string `yaml:"persist_path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
}

type GraphConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type LLMConfig struct {
	// Type is the provider kind: "openai" (chat-completions compatible)
	// or "dashscope".
	Type        string  `yaml:"type"`
	Host        string  `yaml:"host"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"`

	MaxRetries int `yaml:"max_retries"`
	RetryDelay int `yaml:"retry_delay"`

	// Breaker settings. The breaker wraps the retry loop.
	FailureThreshold int `yaml:"failure_threshold"`
	RecoveryTimeout  int `yaml:"recovery_timeout"`
}

type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

type ParserConfig struct {
	// Mode is "local" or "remote".
	Mode string `yaml:"mode"`

	// Remote parser endpoint (submit/status/download).
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	// PollInterval between status checks, in seconds.
	PollInterval int `yaml:"poll_interval"`
	MaxPolls     int `yaml:"max_polls"`

	// OutputDir receives per-document parse artifacts.
	OutputDir string `yaml:"output_dir"`

	// Describe enables AI descriptions for tables and images.
	Describe bool `yaml:"describe"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`

	EnableVector   *bool `yaml:"enable_vector,omitempty"`
	EnableBM25     *bool `yaml:"enable_bm25,omitempty"`
	EnableSemantic *bool `yaml:"enable_semantic,omitempty"`
	EnableKG       *bool `yaml:"enable_kg,omitempty"`

	VectorWeight   float64 `yaml:"vector_weight"`
	BM25Weight     float64 `yaml:"bm25_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	KGWeight       float64 `yaml:"kg_weight"`

	// RRFK is the rank-fusion dampening constant.
	RRFK int `yaml:"rrf_k"`
}

type RerankConfig struct {
	// CrossEncoderURL points at a BGE-style scoring service. Empty disables
	// the cross-encoder pass.
	CrossEncoderURL string `yaml:"cross_encoder_url,omitempty"`

	// ModelDir holds learned model weights (svm.json, tree.json,
	// optimizer.json). Empty disables the learned passes.
	ModelDir string `yaml:"model_dir,omitempty"`

	EnableCrossEncoder bool `yaml:"enable_cross_encoder"`
	EnableLearned      bool `yaml:"enable_learned"`
	EnableOptimizer    bool `yaml:"enable_optimizer"`
}

type SemanticCacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is the cosine similarity needed for a hit.
	Threshold float64 `yaml:"threshold"`

	// TTLDays bounds the age of cached generations.
	TTLDays int `yaml:"ttl_days"`
}

type AgentsConfig struct {
	// DefaultLLM names the provider in Config.LLMs used by the agents.
	DefaultLLM string `yaml:"default_llm"`

	// FastLLM names a cheaper provider for classification and NER;
	// falls back to DefaultLLM when empty.
	FastLLM string `yaml:"fast_llm,omitempty"`

	// OpsLogging enables the finalize-step ops record.
	OpsLogging bool `yaml:"ops_logging"`
}

// boolOrDefault dereferences an optional flag.
func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// VectorEnabled reports whether the vector retrieval path is on.
func (c *RetrievalConfig) VectorEnabled() bool { return boolOrDefault(c.EnableVector, true) }

// BM25Enabled reports whether the lexical retrieval path is on.
func (c *RetrievalConfig) BM25Enabled() bool { return boolOrDefault(c.EnableBM25, true) }

// SemanticEnabled reports whether the semantic-rewrite path is on.
func (c *RetrievalConfig) SemanticEnabled() bool { return boolOrDefault(c.EnableSemantic, true) }

// KGEnabled reports whether the knowledge-graph path is on.
func (c *RetrievalConfig) KGEnabled() bool { return boolOrDefault(c.EnableKG, true) }

func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "text-embedding-v3"
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1024
	}
	if c.Embedder.BatchSize == 0 {
		c.Embedder.BatchSize = 16
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30
	}
	if c.Vector.Type == "" {
		c.Vector.Type = "milvus"
	}
	if c.Vector.DocCollection == "" {
		c.Vector.DocCollection = "medical_chunks"
	}
	if c.Vector.CacheCollection == "" {
		c.Vector.CacheCollection = "semantic_cache"
	}
	if c.Chunker.ChunkSize == 0 {
		c.Chunker.ChunkSize = 1000
	}
	if c.Chunker.ChunkOverlap == 0 {
		c.Chunker.ChunkOverlap = 200
	}
	if c.Parser.Mode == "" {
		c.Parser.Mode = "local"
	}
	if c.Parser.PollInterval == 0 {
		c.Parser.PollInterval = 2
	}
	if c.Parser.MaxPolls == 0 {
		c.Parser.MaxPolls = 150
	}
	if c.Parser.OutputDir == "" {
		c.Parser.OutputDir = "data/parsed"
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 10
	}
	if c.Retrieval.VectorWeight == 0 {
		c.Retrieval.VectorWeight = 0.4
	}
	if c.Retrieval.BM25Weight == 0 {
		c.Retrieval.BM25Weight = 0.3
	}
	if c.Retrieval.SemanticWeight == 0 {
		c.Retrieval.SemanticWeight = 0.2
	}
	if c.Retrieval.KGWeight == 0 {
		c.Retrieval.KGWeight = 0.1
	}
	if c.Retrieval.RRFK == 0 {
		c.Retrieval.RRFK = 60
	}
	if c.Cache.Threshold == 0 {
		c.Cache.Threshold = 0.95
	}
	if c.Cache.TTLDays == 0 {
		c.Cache.TTLDays = 7
	}
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
}

func (c *LLMConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60
	}
}

func (c *Config) Validate() error {
	switch c.Vector.Type {
	case "milvus", "qdrant", "chromem":
	default:
		return fmt.Errorf("invalid vector backend %q", c.Vector.Type)
	}

	switch c.Parser.Mode {
	case "local":
	case "remote":
		if c.Parser.Endpoint == "" {
			return fmt.Errorf("parser endpoint is required in remote mode")
		}
	default:
		return fmt.Errorf("invalid parser mode %q", c.Parser.Mode)
	}

	if c.Embedder.Dimension <= 0 {
		return fmt.Errorf("embedder dimension must be positive, got %d", c.Embedder.Dimension)
	}

	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("semantic cache threshold must be in [0,1], got %f", c.Cache.Threshold)
	}

	for name, llm := range c.LLMs {
		switch llm.Type {
		case "openai", "dashscope":
		default:
			return fmt.Errorf("llm %q: invalid provider type %q", name, llm.Type)
		}
	}

	if c.Agents.DefaultLLM != "" {
		if _, ok := c.LLMs[c.Agents.DefaultLLM]; !ok {
			return fmt.Errorf("agents.default_llm %q not defined in llms", c.Agents.DefaultLLM)
		}
	}

	if c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be less than chunk_size (%d)",
			c.Chunker.ChunkOverlap, c.Chunker.ChunkSize)
	}

	return nil
}
