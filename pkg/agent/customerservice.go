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

	"github.com/uniclin/mediq/pkg/llm"
	"github.com/uniclin/mediq/pkg/retrieval"
)

// faqEntry answers a frequent question without retrieval or generation.
type faqEntry struct {
	patterns []string
	answer   string
}

var staticFAQ = []faqEntry{
	{
		patterns: []string{"怎么挂号", "如何挂号", "怎么预约", "如何预约"},
		answer:   "您可以在首页选择科室和医生后在线预约挂号，预约成功后会收到短信确认。",
	},
	{
		patterns: []string{"退款", "怎么退号", "取消预约"},
		answer:   "已支付的挂号费可在就诊前 2 小时在「我的订单」中申请取消，费用原路退回，1-3 个工作日到账。",
	},
	{
		patterns: []string{"发票", "开票"},
		answer:   "电子发票在就诊完成后 24 小时内生成，可在「我的订单」中下载。",
	},
	{
		patterns: []string{"营业时间", "几点上班", "几点开门"},
		answer:   "在线问诊服务时间为每天 8:00-22:00，药师咨询为工作日 9:00-18:00。",
	},
	{
		patterns: []string{"忘记密码", "修改密码"},
		answer:   "请在登录页点击「忘记密码」，通过注册手机号验证后重置。",
	},
}

// lookupFAQ returns the canned answer for a frequent question.
func lookupFAQ(input string) (string, bool) {
	for _, entry := range staticFAQ {
		for _, p := range entry.patterns {
			if strings.Contains(input, p) {
				return entry.answer, true
			}
		}
	}
	return "", false
}

// CustomerServiceAgent answers platform-usage questions. The static
// FAQ is consulted first; retrieval and generation run only on a miss.
type CustomerServiceAgent struct {
	searcher Searcher
	llm      Generator
}

// NewCustomerServiceAgent builds the agent; searcher may be nil.
func NewCustomerServiceAgent(searcher Searcher, generator Generator) *CustomerServiceAgent {
	return &CustomerServiceAgent{searcher: searcher, llm: generator}
}

func (a *CustomerServiceAgent) Name() string { return AgentCustomerService }

// Process runs one customer-service turn.
func (a *CustomerServiceAgent) Process(ctx context.Context, input string) (*Result, error) {
	start := time.Now()

	if answer, ok := lookupFAQ(input); ok {
		return &Result{
			Answer:        answer,
			ToolsUsed:     []string{ToolStaticFAQ},
			ExecutionTime: time.Since(start),
		}, nil
	}

	result := &Result{}
	var ragResults []*retrieval.Result
	if a.searcher != nil {
		res, err := a.searcher.Search(ctx, input, evidenceTopK)
		if err != nil {
			slog.Warn("RAG search failed, continuing without", "error", err)
		} else {
			ragResults = res
		}
	}
	if len(ragResults) > 0 {
		result.ToolsUsed = append(result.ToolsUsed, ToolRAGSearch)
	}

	var b strings.Builder
	if block := evidenceBlock(ragResults, evidenceTopK); block != "" {
		b.WriteString("参考资料：\n")
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "用户问题：%s", input)

	answer, err := a.llm.Generate(ctx, llm.Request{
		System: "你是平台客服助手。回答用户关于挂号、订单、账号等平台使用问题，语气友好简洁。" +
			"无法确定的问题引导用户联系人工客服。",
		Prompt: b.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("customer service agent: %w", err)
	}

	result.Answer = answer
	result.Sources = collectSources(ragResults, evidenceTopK)
	result.ExecutionTime = time.Since(start)
	return result, nil
}
