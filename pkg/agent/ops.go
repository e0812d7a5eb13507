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
	"sort"
	"strings"
	"time"

	"github.com/uniclin/mediq/pkg/llm"
)

// MetricsSource supplies the current operational snapshot the ops agent
// reasons over.
type MetricsSource func(ctx context.Context) map[string]any

// OpsAgent answers operational questions from a metrics snapshot. No
// retrieval is involved.
type OpsAgent struct {
	metrics MetricsSource
	llm     Generator
}

// NewOpsAgent builds the agent; metrics may be nil.
func NewOpsAgent(metrics MetricsSource, generator Generator) *OpsAgent {
	return &OpsAgent{metrics: metrics, llm: generator}
}

func (a *OpsAgent) Name() string { return AgentOps }

// Process runs one ops turn.
func (a *OpsAgent) Process(ctx context.Context, input string) (*Result, error) {
	start := time.Now()

	var b strings.Builder
	if a.metrics != nil {
		snapshot := a.metrics(ctx)
		if len(snapshot) > 0 {
			b.WriteString("当前系统指标：\n")
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %v\n", k, snapshot[k])
			}
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "问题：%s", input)

	answer, err := a.llm.Generate(ctx, llm.Request{
		System: "你是系统运维助手。根据给出的指标回答运营和运维问题，指出异常并给出排查建议。",
		Prompt: b.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("ops agent: %w", err)
	}

	return &Result{
		Answer:        answer,
		ExecutionTime: time.Since(start),
	}, nil
}
