package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("vector:\n  type: chromem\n"))
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Embedder.Dimension)
	assert.Equal(t, "medical_chunks", cfg.Vector.DocCollection)
	assert.Equal(t, "semantic_cache", cfg.Vector.CacheCollection)
	assert.Equal(t, 0.4, cfg.Retrieval.VectorWeight)
	assert.Equal(t, 0.3, cfg.Retrieval.BM25Weight)
	assert.Equal(t, 0.2, cfg.Retrieval.SemanticWeight)
	assert.Equal(t, 0.1, cfg.Retrieval.KGWeight)
	assert.Equal(t, 60, cfg.Retrieval.RRFK)
	assert.Equal(t, 0.95, cfg.Cache.Threshold)
	assert.Equal(t, 7, cfg.Cache.TTLDays)
	assert.Equal(t, 2, cfg.Parser.PollInterval)
	assert.Equal(t, 150, cfg.Parser.MaxPolls)
}

func TestParseInvalidVectorBackend(t *testing.T) {
	_, err := Parse([]byte("vector:\n  type: pinecone\n"))
	assert.Error(t, err)
}

func TestParseRemoteParserRequiresEndpoint(t *testing.T) {
	_, err := Parse([]byte("vector:\n  type: chromem\nparser:\n  mode: remote\n"))
	assert.Error(t, err)
}

func TestParseLLMValidation(t *testing.T) {
	yaml := `
vector:
  type: chromem
llms:
  main:
    type: openai
    model: gpt-4o-mini
agents:
  default_llm: main
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.LLMs["main"].MaxRetries)
	assert.Equal(t, 5, cfg.LLMs["main"].FailureThreshold)
	assert.Equal(t, 60, cfg.LLMs["main"].RecoveryTimeout)

	_, err = Parse([]byte("vector:\n  type: chromem\nagents:\n  default_llm: missing\n"))
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	os.Setenv("MEDIQ_TEST_KEY", "sk-123")
	defer os.Unsetenv("MEDIQ_TEST_KEY")

	assert.Equal(t, "sk-123", ExpandEnv("${MEDIQ_TEST_KEY}"))
	assert.Equal(t, "fallback", ExpandEnv("${MEDIQ_TEST_UNSET:-fallback}"))
	assert.Equal(t, "", ExpandEnv("${MEDIQ_TEST_UNSET}"))
	assert.Equal(t, "host=sk-123 port=6379", ExpandEnv("host=${MEDIQ_TEST_KEY} port=${P:-6379}"))
}
