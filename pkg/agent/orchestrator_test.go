package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/retrieval"
)

type stubGenerator struct {
	response string
	err      error
	calls    int
}

func (s *stubGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	s.calls++
	return s.response, s.err
}

type stubSearcher struct {
	results []*retrieval.Result
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, query string, topK int) ([]*retrieval.Result, error) {
	return s.results, s.err
}

type stubGraph struct {
	results []*retrieval.Result
	err     error
}

func (s *stubGraph) Retrieve(ctx context.Context, query string, topK int) ([]*retrieval.Result, error) {
	return s.results, s.err
}

func newTestOrchestrator(gen Generator) *Orchestrator {
	searcher := &stubSearcher{results: []*retrieval.Result{
		{ID: "1", Title: "急性胸痛诊疗指南", Body: "胸痛伴呼吸困难需警惕急性冠脉综合征。"},
	}}
	graph := &stubGraph{results: []*retrieval.Result{
		{ID: "kg:1", Title: "胸痛", Body: "症状「胸痛」可能与以下疾病相关：心绞痛、心肌梗死", Source: "knowledge_graph"},
	}}

	return NewOrchestrator(config.AgentsConfig{},
		NewIntentClassifier(nil),
		NewDoctorAgent(searcher, graph, gen),
		NewHealthManagerAgent(searcher, graph, nil, gen),
		NewCustomerServiceAgent(searcher, gen),
		NewOpsAgent(nil, gen),
	)
}

func TestHighRiskDiagnosisPath(t *testing.T) {
	gen := &stubGenerator{response: "建议尽快完善心电图检查。"}
	o := newTestOrchestrator(gen)

	result := o.Handle(context.Background(), "我突然胸痛伴呼吸困难")

	require.Empty(t, result.Error)
	assert.Equal(t, RiskHigh, result.RiskLevel)
	assert.Contains(t, result.Answer, "立即")
	assert.Contains(t, result.Answer, disclaimer)
	assert.True(t, result.UsedTool(ToolDiagnosis))
	assert.True(t, result.UsedTool(ToolRAGSearch))
	assert.True(t, result.UsedTool(ToolKGQuery))
	assert.NotEmpty(t, result.Sources)
}

func TestLowRiskConsultationHasNoAdvisory(t *testing.T) {
	gen := &stubGenerator{response: "轻微咳嗽可先观察，多饮水。"}
	o := newTestOrchestrator(gen)

	result := o.Handle(context.Background(), "咳嗽两声要紧吗")

	require.Empty(t, result.Error)
	assert.Equal(t, RiskLow, result.RiskLevel)
	assert.NotContains(t, result.Answer, urgentCareAdvisory)
	assert.Contains(t, result.Answer, disclaimer)
}

func TestIntentRouting(t *testing.T) {
	cases := []struct {
		input  string
		intent string
	}{
		{"我突然胸痛伴呼吸困难", IntentMedicalConsultation},
		{"帮我制定一个减肥饮食计划", IntentHealthManagement},
		{"挂号费可以退款吗", IntentCustomerService},
		{"昨天的接口错误率是多少", IntentOpsQuery},
		{"你好", IntentMedicalConsultation},
	}

	c := NewIntentClassifier(nil)
	for _, tc := range cases {
		intent, confidence := c.Classify(context.Background(), tc.input)
		assert.Equal(t, tc.intent, intent, "input %q", tc.input)
		assert.Greater(t, confidence, 0.0)
		assert.LessOrEqual(t, confidence, 0.95)
	}
}

func TestMLScorerOverridesKeywords(t *testing.T) {
	ml := func(ctx context.Context, query string) (string, float64, error) {
		return IntentOpsQuery, 0.9, nil
	}
	c := NewIntentClassifier(ml)

	intent, confidence := c.Classify(context.Background(), "我头痛")
	assert.Equal(t, IntentOpsQuery, intent)
	assert.Equal(t, 0.9, confidence)
}

func TestMLScorerLowConfidenceFallsBack(t *testing.T) {
	ml := func(ctx context.Context, query string) (string, float64, error) {
		return IntentOpsQuery, 0.4, nil
	}
	c := NewIntentClassifier(ml)

	intent, _ := c.Classify(context.Background(), "我头痛")
	assert.Equal(t, IntentMedicalConsultation, intent)
}

func TestDiagnoseRiskLevels(t *testing.T) {
	assert.Equal(t, RiskHigh, Diagnose("我突然胸痛伴呼吸困难").RiskLevel)
	assert.Equal(t, RiskHigh, Diagnose("家人昏迷了").RiskLevel)
	assert.Equal(t, RiskMedium, Diagnose("咳嗽持续两周不见好").RiskLevel)
	assert.Equal(t, RiskLow, Diagnose("偶尔有点头晕").RiskLevel)
}

func TestFAQHitSkipsGeneration(t *testing.T) {
	gen := &stubGenerator{response: "不应该被调用"}
	agent := NewCustomerServiceAgent(&stubSearcher{}, gen)

	result, err := agent.Process(context.Background(), "请问怎么挂号")
	require.NoError(t, err)
	assert.Contains(t, result.Answer, "预约挂号")
	assert.Equal(t, []string{ToolStaticFAQ}, result.ToolsUsed)
	assert.Zero(t, gen.calls)
}

type cachedGenerator struct {
	response   string
	similarity float64
}

func (s *cachedGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	if status := llm.CacheStatusFrom(ctx); status != nil {
		status.Hit = true
		status.Similarity = s.similarity
	}
	return s.response, nil
}

func TestCachedAnswerAnnotated(t *testing.T) {
	o := newTestOrchestrator(&cachedGenerator{response: "缓存的建议。", similarity: 0.97})

	result := o.Handle(context.Background(), "我头痛")
	require.Empty(t, result.Error)
	assert.True(t, result.CacheHit)
	assert.InDelta(t, 0.97, result.Similarity, 1e-9)
}

func TestFreshAnswerNotAnnotated(t *testing.T) {
	o := newTestOrchestrator(&stubGenerator{response: "新生成的建议。"})

	result := o.Handle(context.Background(), "我头痛")
	require.Empty(t, result.Error)
	assert.False(t, result.CacheHit)
	assert.Zero(t, result.Similarity)
}

// awaitPeers reports whether every participant reached the barrier
// within the deadline. A false return means the calls ran sequentially.
func awaitPeers(wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(time.Second):
		return false
	}
}

type meetingSearcher struct {
	wg  *sync.WaitGroup
	met bool
}

func (s *meetingSearcher) Search(ctx context.Context, query string, topK int) ([]*retrieval.Result, error) {
	s.wg.Done()
	s.met = awaitPeers(s.wg)
	return []*retrieval.Result{{ID: "1", Title: "膳食指南", Body: "低盐低脂饮食。"}}, nil
}

type meetingGraph struct {
	wg  *sync.WaitGroup
	met bool
}

func (s *meetingGraph) Retrieve(ctx context.Context, query string, topK int) ([]*retrieval.Result, error) {
	s.wg.Done()
	s.met = awaitPeers(s.wg)
	return []*retrieval.Result{{ID: "kg:1", Title: "高血压", Body: "疾病「高血压」需要低盐饮食。"}}, nil
}

func TestHealthManagerFansOutInParallel(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	searcher := &meetingSearcher{wg: &wg}
	graph := &meetingGraph{wg: &wg}
	hm := NewHealthManagerAgent(searcher, graph, nil, &stubGenerator{response: "饮食计划。"})

	result, err := hm.Process(context.Background(), "帮我制定高血压饮食计划")
	require.NoError(t, err)
	assert.True(t, searcher.met, "search did not overlap graph enrichment")
	assert.True(t, graph.met, "graph enrichment did not overlap search")
	assert.True(t, result.UsedTool(ToolRAGSearch))
	assert.True(t, result.UsedTool(ToolKGQuery))
}

func TestOrchestratorNeverRaises(t *testing.T) {
	gen := &stubGenerator{err: errors.New("provider down")}
	o := newTestOrchestrator(gen)

	result := o.Handle(context.Background(), "我头痛")
	require.NotNil(t, result)
	assert.Equal(t, genericErrorAnswer, result.Answer)
	assert.NotEmpty(t, result.Error)
}

func TestRetrievalFailureDegrades(t *testing.T) {
	gen := &stubGenerator{response: "一般性的健康建议。"}
	agent := NewDoctorAgent(
		&stubSearcher{err: errors.New("vector store down")},
		&stubGraph{err: errors.New("graph down")},
		gen,
	)

	result, err := agent.Process(context.Background(), "我有点恶心")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Answer)
	assert.False(t, result.UsedTool(ToolRAGSearch))
	assert.False(t, result.UsedTool(ToolKGQuery))
}
