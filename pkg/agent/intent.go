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
	"log/slog"
	"strings"
)

// MLScorer is an optional trained intent model. The keyword rules take
// over when it is absent, fails, or is not confident enough.
type MLScorer func(ctx context.Context, query string) (intent string, confidence float64, err error)

// mlConfidenceFloor is the minimum ML confidence before falling back
// to keyword scoring.
const mlConfidenceFloor = 0.7

// intentKeywords drives the rule-based classifier. Hits are counted
// per class; the class with the most hits wins.
var intentKeywords = map[string][]string{
	IntentMedicalConsultation: {
		"症状", "疼", "痛", "发烧", "发热", "咳嗽", "头晕", "恶心", "呕吐",
		"腹泻", "出血", "呼吸困难", "心悸", "麻木", "不舒服", "难受",
		"诊断", "疾病", "吃什么药", "用药", "剂量", "副作用", "禁忌",
		"高血压", "糖尿病", "冠心病", "治疗", "怎么办",
	},
	IntentHealthManagement: {
		"减肥", "体重", "锻炼", "运动", "饮食", "食谱", "营养", "作息",
		"睡眠", "养生", "保健", "康复", "体检报告", "健康计划", "戒烟",
		"血压管理", "血糖管理",
	},
	IntentCustomerService: {
		"挂号", "预约", "退款", "发票", "收费", "价格", "多少钱",
		"营业时间", "地址", "怎么注册", "账号", "密码", "登录",
		"投诉", "客服", "会员",
	},
	IntentOpsQuery: {
		"系统状态", "服务状态", "接口", "延迟", "qps", "日志", "监控",
		"指标", "错误率", "运维", "可用性", "慢查询",
	},
}

// intentOrder fixes the tie-break: earlier classes win on equal hits.
var intentOrder = []string{
	IntentMedicalConsultation,
	IntentHealthManagement,
	IntentCustomerService,
	IntentOpsQuery,
}

// IntentClassifier resolves a user turn to one of the four intent
// classes.
type IntentClassifier struct {
	ml MLScorer
}

// NewIntentClassifier builds the classifier; ml may be nil.
func NewIntentClassifier(ml MLScorer) *IntentClassifier {
	return &IntentClassifier{ml: ml}
}

// Classify returns the intent and a confidence in (0, 1].
func (c *IntentClassifier) Classify(ctx context.Context, query string) (string, float64) {
	if c.ml != nil {
		intent, confidence, err := c.ml(ctx, query)
		if err == nil && confidence >= mlConfidenceFloor && validIntent(intent) {
			return intent, confidence
		}
		if err != nil {
			slog.Warn("ML intent scorer failed, using keyword rules", "error", err)
		}
	}
	return classifyByKeywords(query)
}

func classifyByKeywords(query string) (string, float64) {
	lower := strings.ToLower(query)

	best := IntentMedicalConsultation
	bestHits := 0
	for _, intent := range intentOrder {
		hits := 0
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = intent
			bestHits = hits
		}
	}

	// Medical consultation is the default for unmatched input, at low
	// confidence.
	confidence := 0.3 + 0.2*float64(bestHits)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, confidence
}

func validIntent(intent string) bool {
	for _, known := range intentOrder {
		if intent == known {
			return true
		}
	}
	return false
}
