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

	"github.com/google/uuid"

	"github.com/uniclin/mediq/pkg/config"
	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/observability"
	"github.com/uniclin/mediq/pkg/registry"
)

// urgentCareAdvisory is appended by the risk gate for high or critical
// risk. The literal "立即" is part of the product contract with the
// mobile clients, which highlight it.
const urgentCareAdvisory = "请立即前往最近的急诊科就诊或拨打 120 急救电话。"

// disclaimer is appended to every medical answer at finalize.
const disclaimer = "以上内容仅供参考，不能替代执业医师的诊断和处方，具体诊疗请遵医嘱。"

// genericErrorAnswer is the stable failure shape; the orchestrator
// never raises to its caller.
const genericErrorAnswer = "抱歉，系统暂时无法处理您的请求，请稍后再试。"

// intentToAgent routes each intent class to its specialist.
var intentToAgent = map[string]string{
	IntentMedicalConsultation: AgentDoctor,
	IntentHealthManagement:    AgentHealthManager,
	IntentCustomerService:     AgentCustomerService,
	IntentOpsQuery:            AgentOps,
}

// Orchestrator drives the per-turn state machine:
//
//	start → classify_intent → route → specialist
//	      → (doctor only) risk_assess → finalize
type Orchestrator struct {
	classifier *IntentClassifier
	agents     *registry.Registry[Agent]
	opsLogging bool
}

// NewOrchestrator wires the classifier and specialists.
func NewOrchestrator(cfg config.AgentsConfig, classifier *IntentClassifier, agents ...Agent) *Orchestrator {
	reg := registry.New[Agent]()
	for _, a := range agents {
		if a == nil {
			continue
		}
		if err := reg.Register(a.Name(), a); err != nil {
			slog.Warn("Duplicate agent registration ignored", "agent", a.Name())
		}
	}
	return &Orchestrator{
		classifier: classifier,
		agents:     reg,
		opsLogging: cfg.OpsLogging,
	}
}

// Handle runs one consultation turn. It always returns a usable
// result; failures of any stage collapse into the generic error shape.
func (o *Orchestrator) Handle(ctx context.Context, input string) (out *Result) {
	start := time.Now()
	state := NewState(input)

	traceID := observability.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = observability.WithTraceID(ctx, traceID)
	}
	state.Context["trace_id"] = traceID

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator panic recovered", "trace_id", traceID, "panic", r)
			out = o.errorResult(start, fmt.Errorf("panic: %v", r))
		}
	}()

	o.classifyIntent(ctx, state)

	ctx, cacheStatus := llm.WithCacheStatus(ctx)
	result, err := o.route(ctx, state)
	if err != nil {
		slog.Error("Specialist agent failed", "trace_id", traceID,
			"agent", state.AgentType, "error", err)
		return o.errorResult(start, err)
	}
	state.Result = result
	state.Context["tools_used"] = result.ToolsUsed
	if cacheStatus.Hit {
		result.CacheHit = true
		result.Similarity = cacheStatus.Similarity
		state.Context["cache_hit"] = true
		state.Context["similarity"] = cacheStatus.Similarity
	}

	if state.AgentType == AgentDoctor {
		o.riskAssess(state)
	}

	o.finalize(ctx, state, start)
	return state.Result
}

// classifyIntent emits intent, agent_type, and intent_confidence.
func (o *Orchestrator) classifyIntent(ctx context.Context, state *State) {
	stageStart := time.Now()
	intent, confidence := o.classifier.Classify(ctx, state.UserInput)

	state.Intent = intent
	state.AgentType = intentToAgent[intent]
	state.Context["intent_confidence"] = confidence

	observability.EmitStage(ctx, observability.StageRecord{
		Stage:     "classify_intent",
		LatencyMS: time.Since(stageStart).Milliseconds(),
	})
	slog.Info("Intent classified", "trace_id", state.Context["trace_id"],
		"intent", intent, "agent", state.AgentType, "confidence", confidence)
}

// route dispatches to the specialist agent.
func (o *Orchestrator) route(ctx context.Context, state *State) (*Result, error) {
	agent, ok := o.agents.Get(state.AgentType)
	if !ok {
		return nil, fmt.Errorf("no agent registered for %q", state.AgentType)
	}

	stageStart := time.Now()
	result, err := agent.Process(ctx, state.UserInput)

	rec := observability.StageRecord{
		Stage:     "agent_" + state.AgentType,
		LatencyMS: time.Since(stageStart).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	observability.EmitStage(ctx, rec)
	return result, err
}

// riskAssess appends the urgent-care advisory when the doctor agent
// reports high or critical risk.
func (o *Orchestrator) riskAssess(state *State) {
	result := state.Result
	state.Context["risk_level"] = result.RiskLevel

	if result.RiskLevel != RiskHigh && result.RiskLevel != RiskCritical {
		return
	}
	if !strings.Contains(result.Answer, "立即") {
		result.Answer += "\n\n" + urgentCareAdvisory
	}
	slog.Warn("High-risk consultation", "trace_id", state.Context["trace_id"],
		"risk_level", result.RiskLevel)
}

// finalize appends the medical disclaimer and closes out the turn.
func (o *Orchestrator) finalize(ctx context.Context, state *State, start time.Time) {
	result := state.Result

	if state.AgentType == AgentDoctor || state.AgentType == AgentHealthManager {
		if result.Answer != "" && !strings.Contains(result.Answer, disclaimer) {
			result.Answer += "\n\n" + disclaimer
		}
	}
	result.ExecutionTime = time.Since(start)

	observability.EmitStage(ctx, observability.StageRecord{
		Stage:     "finalize",
		LatencyMS: result.ExecutionTime.Milliseconds(),
	})
	if o.opsLogging {
		slog.Info("Turn complete", "trace_id", state.Context["trace_id"],
			"intent", state.Intent, "agent", state.AgentType,
			"risk_level", result.RiskLevel, "tools_used", result.ToolsUsed,
			"execution_ms", result.ExecutionTime.Milliseconds())
	}
}

func (o *Orchestrator) errorResult(start time.Time, err error) *Result {
	return &Result{
		Answer:        genericErrorAnswer,
		Error:         err.Error(),
		ExecutionTime: time.Since(start),
	}
}
