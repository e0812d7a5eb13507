package kg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectStrategySymptomQuery(t *testing.T) {
	entities := &Entities{Symptoms: []string{"头痛", "头晕"}}

	plan := SelectStrategy("头痛 头晕", entities)

	assert.Equal(t, QuestionSymptomDiagnosis, plan.QuestionType)
	assert.Equal(t, "symptom_centric", plan.Strategy)
	assert.Equal(t, []string{CategorySymptoms, CategoryDiseases}, plan.EntityPriority)
	assert.GreaterOrEqual(t, plan.Confidence, 0.55)
}

func TestSelectStrategyByPatterns(t *testing.T) {
	tests := []struct {
		query string
		want  QuestionType
	}{
		{"高血压是什么病？病因是什么", QuestionDiseaseInfo},
		{"阿司匹林怎么吃，剂量多少", QuestionDrugInfo},
		{"阿司匹林和布洛芬能一起吃吗", QuestionDrugInteraction},
		{"怀疑冠心病需要检查什么项目", QuestionExaminationAdvice},
		{"糖尿病如何治疗，治疗方案有哪些", QuestionTreatmentPlan},
	}
	for _, tt := range tests {
		plan := SelectStrategy(tt.query, &Entities{})
		assert.Equal(t, tt.want, plan.QuestionType, "query %q", tt.query)
	}
}

func TestSelectStrategyPromotion(t *testing.T) {
	// No cue patterns: promotion runs off entity evidence.
	plan := SelectStrategy("请介绍", &Entities{Drugs: []string{"阿司匹林"}})
	assert.Equal(t, QuestionDrugInfo, plan.QuestionType)

	plan = SelectStrategy("请介绍", &Entities{Diseases: []string{"高血压"}})
	assert.Equal(t, QuestionDiseaseInfo, plan.QuestionType)

	plan = SelectStrategy("请介绍", &Entities{})
	assert.Equal(t, QuestionGeneral, plan.QuestionType)
	assert.Equal(t, "general", plan.Strategy)
}

func TestSelectStrategyPlanParameters(t *testing.T) {
	plan := SelectStrategy("糖尿病如何治疗", &Entities{Diseases: []string{"糖尿病"}})
	assert.Equal(t, "comprehensive", plan.Strategy)
	assert.Equal(t, 3, plan.Depth)
	assert.Equal(t, 20, plan.MaxResults)

	for _, p := range strategies {
		assert.GreaterOrEqual(t, p.Depth, 1)
		assert.LessOrEqual(t, p.Depth, 3)
		assert.GreaterOrEqual(t, p.MaxResults, 10)
		assert.LessOrEqual(t, p.MaxResults, 20)
	}
}

func TestConfidenceClamps(t *testing.T) {
	assert.InDelta(t, 0.5, confidence(0, 0), 1e-9)
	assert.InDelta(t, 0.8, confidence(2, 2), 1e-9)
	// Both boosts cap: 0.5 + 0.3 + 0.2.
	assert.InDelta(t, 1.0, confidence(10, 10), 1e-9)
}
