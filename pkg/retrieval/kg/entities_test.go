package kg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/graph"
)

type stubGraph struct {
	records []graph.Record
	runErr  error
	known   map[string]bool
	queries []string
}

func (s *stubGraph) Run(ctx context.Context, cypher string, params map[string]any) ([]graph.Record, error) {
	s.queries = append(s.queries, cypher)
	return s.records, s.runErr
}

func (s *stubGraph) EntityExists(ctx context.Context, label, name string) (bool, error) {
	return s.known[label+":"+name], nil
}

func TestExtractFromLLMJSON(t *testing.T) {
	gen := func(ctx context.Context, prompt string) (string, error) {
		return "好的，结果如下：\n{\"diseases\": [\" 高血压 \", \"高血压\"], \"symptoms\": [\"头晕\"], \"drugs\": [], \"examinations\": [], \"departments\": [\"\"]}", nil
	}
	r := NewEntityRecognizer(gen, nil)

	e := r.Extract(context.Background(), "高血压头晕吃什么药", false)
	assert.Equal(t, []string{"高血压"}, e.Diseases)
	assert.Equal(t, []string{"头晕"}, e.Symptoms)
	assert.Empty(t, e.Departments)
}

func TestExtractFallsBackToPatterns(t *testing.T) {
	gen := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("provider down")
	}
	r := NewEntityRecognizer(gen, nil)

	e := r.Extract(context.Background(), "高血压患者头晕，需要做心电图吗", false)
	assert.Contains(t, e.Diseases, "高血压")
	assert.Contains(t, e.Symptoms, "头晕")
	assert.Contains(t, e.Examinations, "心电图")
}

func TestExtractUnparseableFallsBack(t *testing.T) {
	gen := func(ctx context.Context, prompt string) (string, error) {
		return "抱歉，我无法按要求输出。", nil
	}
	r := NewEntityRecognizer(gen, nil)

	e := r.Extract(context.Background(), "咳嗽发热", false)
	assert.Contains(t, e.Symptoms, "咳嗽")
	assert.Contains(t, e.Symptoms, "发热")
}

func TestExtractMemoizes(t *testing.T) {
	calls := 0
	gen := func(ctx context.Context, prompt string) (string, error) {
		calls++
		return `{"diseases": ["糖尿病"], "symptoms": [], "drugs": [], "examinations": [], "departments": []}`, nil
	}
	r := NewEntityRecognizer(gen, nil)

	first := r.Extract(context.Background(), "糖尿病饮食", false)
	second := r.Extract(context.Background(), "糖尿病饮食", false)

	assert.Equal(t, 1, calls)
	assert.Same(t, first, second)
}

func TestExtractKGValidationDropsUnknown(t *testing.T) {
	gen := func(ctx context.Context, prompt string) (string, error) {
		return `{"diseases": ["高血压", "不存在的病"], "symptoms": [], "drugs": [], "examinations": [], "departments": []}`, nil
	}
	g := &stubGraph{known: map[string]bool{graph.LabelDisease + ":高血压": true}}
	r := NewEntityRecognizer(gen, g)

	e := r.Extract(context.Background(), "高血压", true)
	assert.Equal(t, []string{"高血压"}, e.Diseases)
}

func TestFirstBalancedObject(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, firstBalancedObject(`text {"a": 1} trailing`))
	assert.Equal(t, `{"a": {"b": 2}}`, firstBalancedObject(`{"a": {"b": 2}} {"c": 3}`))
	assert.Equal(t, `{"s": "va}lue"}`, firstBalancedObject(`{"s": "va}lue"}`))
	assert.Empty(t, firstBalancedObject("no json here"))
	assert.Empty(t, firstBalancedObject(`{"unclosed": 1`))
}

func TestNormalize(t *testing.T) {
	got := normalize([]string{" a ", "", "b", "a", "  "})
	require.Equal(t, []string{"a", "b"}, got)
}
