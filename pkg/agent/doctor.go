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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/retrieval"
)

// Doctor sub-types.
const (
	doctorGeneral   = "general"
	doctorDiagnosis = "diagnosis"
	doctorDrug      = "drug"
)

const evidenceTopK = 5

// highRiskTriggers indicate a potential emergency; any hit sets the
// risk level to high.
var highRiskTriggers = []string{
	"胸痛", "呼吸困难", "窒息", "大出血", "出血不止", "昏迷", "意识不清",
	"意识模糊", "抽搐", "休克", "剧烈疼痛", "剧痛", "晕倒", "心跳骤停",
	"自杀", "中毒",
}

// mediumRiskTriggers indicate persistence or worsening.
var mediumRiskTriggers = []string{
	"持续", "反复", "加重", "越来越", "好几天", "一周", "长期", "不见好",
	"恶化",
}

var drugKeywords = []string{
	"药", "用药", "服用", "剂量", "副作用", "禁忌", "相互作用", "药物",
	"胶囊", "片剂", "口服",
}

var symptomKeywords = []string{
	"疼", "痛", "晕", "发烧", "发热", "咳嗽", "恶心", "呕吐", "腹泻",
	"乏力", "不舒服", "难受", "出血", "麻木", "心悸", "呼吸困难",
}

// Diagnosis is the keyword diagnosis tool output.
type Diagnosis struct {
	Symptoms  []string
	RiskLevel string
}

// Diagnose extracts symptom keywords and a risk level from free text.
// High-risk triggers dominate; persistence or worsening cues raise the
// level to medium; everything else is low.
func Diagnose(input string) Diagnosis {
	d := Diagnosis{RiskLevel: RiskLow}

	for _, kw := range symptomKeywords {
		if strings.Contains(input, kw) {
			d.Symptoms = append(d.Symptoms, kw)
		}
	}
	for _, trigger := range highRiskTriggers {
		if strings.Contains(input, trigger) {
			d.RiskLevel = RiskHigh
			return d
		}
	}
	for _, trigger := range mediumRiskTriggers {
		if strings.Contains(input, trigger) {
			d.RiskLevel = RiskMedium
			return d
		}
	}
	return d
}

// DoctorAgent answers medical consultations. It classifies the turn
// into general, diagnosis, or drug and composes the retrieval paths
// accordingly.
type DoctorAgent struct {
	searcher Searcher
	kg       GraphSearcher
	llm      Generator
}

// NewDoctorAgent builds the agent. searcher and kg may be nil; the
// missing path contributes no evidence.
func NewDoctorAgent(searcher Searcher, kg GraphSearcher, generator Generator) *DoctorAgent {
	return &DoctorAgent{searcher: searcher, kg: kg, llm: generator}
}

func (a *DoctorAgent) Name() string { return AgentDoctor }

// subType classifies the consultation. Symptom descriptions dominate
// drug wording so that "胸痛吃什么药" still runs the diagnosis path.
func (a *DoctorAgent) subType(input string) string {
	for _, kw := range symptomKeywords {
		if strings.Contains(input, kw) {
			return doctorDiagnosis
		}
	}
	for _, kw := range drugKeywords {
		if strings.Contains(input, kw) {
			return doctorDrug
		}
	}
	return doctorGeneral
}

// Process runs one doctor turn.
func (a *DoctorAgent) Process(ctx context.Context, input string) (*Result, error) {
	start := time.Now()
	result := &Result{RiskLevel: RiskLow}

	sub := a.subType(input)

	var diagnosis Diagnosis
	if sub == doctorDiagnosis {
		diagnosis = Diagnose(input)
		result.RiskLevel = diagnosis.RiskLevel
		result.ToolsUsed = append(result.ToolsUsed, ToolDiagnosis)
	}

	ragResults, kgResults := a.gather(ctx, input)
	if len(ragResults) > 0 {
		result.ToolsUsed = append(result.ToolsUsed, ToolRAGSearch)
	}
	if len(kgResults) > 0 {
		result.ToolsUsed = append(result.ToolsUsed, ToolKGQuery)
	}

	answer, err := a.llm.Generate(ctx, llm.Request{
		System: a.systemPrompt(sub),
		Prompt: a.buildPrompt(sub, input, diagnosis, ragResults, kgResults),
	})
	if err != nil {
		return nil, fmt.Errorf("doctor agent: %w", err)
	}

	if sub == doctorDiagnosis && (result.RiskLevel == RiskHigh || result.RiskLevel == RiskCritical) {
		answer += "\n\n风险提示：您描述的症状可能提示急症，请立即就医或拨打急救电话。"
	}

	result.Answer = answer
	result.Sources = collectSources(append(ragResults, kgResults...), evidenceTopK)
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// gather fans out to RAG search and the knowledge graph in parallel.
// Either path failing degrades to empty evidence.
func (a *DoctorAgent) gather(ctx context.Context, input string) ([]*retrieval.Result, []*retrieval.Result) {
	var ragResults, kgResults []*retrieval.Result

	g, gctx := errgroup.WithContext(ctx)
	if a.searcher != nil {
		g.Go(func() error {
			res, err := a.searcher.Search(gctx, input, evidenceTopK)
			if err != nil {
				slog.Warn("RAG search failed, continuing without", "error", err)
				return nil
			}
			ragResults = res
			return nil
		})
	}
	if a.kg != nil {
		g.Go(func() error {
			res, err := a.kg.Retrieve(gctx, input, evidenceTopK)
			if err != nil {
				slog.Warn("KG retrieval failed, continuing without", "error", err)
				return nil
			}
			kgResults = res
			return nil
		})
	}
	_ = g.Wait()
	return ragResults, kgResults
}

func (a *DoctorAgent) systemPrompt(sub string) string {
	switch sub {
	case doctorDiagnosis:
		return "你是一名谨慎的全科医生助手。根据患者描述的症状和参考资料，分析可能的原因，" +
			"给出就医建议。不要给出确定性诊断。"
	case doctorDrug:
		return "你是一名药学咨询助手。根据参考资料回答用药问题，说明用法用量、注意事项和禁忌。" +
			"提醒用户遵医嘱用药。"
	default:
		return "你是一名医疗咨询助手。结合参考资料，用通俗的语言回答用户的健康问题。"
	}
}

func (a *DoctorAgent) buildPrompt(sub, input string, diagnosis Diagnosis, ragResults, kgResults []*retrieval.Result) string {
	var b strings.Builder

	if block := evidenceBlock(ragResults, evidenceTopK); block != "" {
		b.WriteString("资料检索结果：\n")
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	if block := evidenceBlock(kgResults, evidenceTopK); block != "" {
		b.WriteString("知识图谱信息：\n")
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	if sub == doctorDiagnosis && len(diagnosis.Symptoms) > 0 {
		fmt.Fprintf(&b, "识别到的症状：%s（初步风险等级：%s）\n\n",
			strings.Join(diagnosis.Symptoms, "、"), diagnosis.RiskLevel)
	}

	fmt.Fprintf(&b, "用户问题：%s", input)
	return b.String()
}
