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

package rerank

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/uniclin/mediq/pkg/retrieval"
)

// Pointwise feature vector, 12 dimensions. Order is the contract with
// the exported model weights; never reorder.
//
//	0  body length / 1000 (clamped to 1)
//	1  title length / 100 (clamped to 1)
//	2  query-token overlap ratio
//	3  rrf_score
//	4  relevance_score
//	5  raw retriever score
//	6  method == vector
//	7  method == bm25
//	8  method == semantic
//	9  method == knowledge_graph
//	10 keyword match count / 10 (clamped to 1)
//	11 chunk_index / 100 (clamped to 1)
const featureDim = 12

// Features extracts the pointwise feature vector for one result.
func Features(query string, r *retrieval.Result) []float64 {
	f := make([]float64, featureDim)

	f[0] = clamp01(float64(len([]rune(r.Body))) / 1000)
	f[1] = clamp01(float64(len([]rune(r.Title))) / 100)

	queryTokens := retrieval.Tokenize(query)
	overlap := 0
	matches := 0
	for _, tok := range dedupTokens(queryTokens) {
		if strings.Contains(r.Body, tok) || strings.Contains(strings.ToLower(r.Body), tok) {
			overlap++
		}
	}
	for _, tok := range queryTokens {
		matches += strings.Count(r.Body, tok)
	}
	if n := len(dedupTokens(queryTokens)); n > 0 {
		f[2] = float64(overlap) / float64(n)
	}

	f[3] = r.Score("rrf_score")
	f[4] = r.Score("relevance_score")
	f[5] = r.RawScore

	switch r.Method {
	case retrieval.MethodVector:
		f[6] = 1
	case retrieval.MethodBM25:
		f[7] = 1
	case retrieval.MethodSemantic:
		f[8] = 1
	case retrieval.MethodKG:
		f[9] = 1
	}

	f[10] = clamp01(float64(matches) / 10)
	if r.Metadata != nil {
		if idx, ok := r.Metadata["chunk_index"].(float64); ok {
			f[11] = clamp01(idx / 100)
		}
	}
	return f
}

// SVMModel is a linear SVM with a sigmoid calibration.
type SVMModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// Probability returns the calibrated score in (0,1).
func (m *SVMModel) Probability(features []float64) float64 {
	margin := m.Bias
	for i, w := range m.Weights {
		if i < len(features) {
			margin += w * features[i]
		}
	}
	return 1 / (1 + math.Exp(-margin))
}

// TreeNode is one node of an exported decision tree. Leaf nodes have
// Left == -1.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// TreeModel scores by walking to a leaf.
type TreeModel struct {
	Nodes []TreeNode `json:"nodes"`
}

// Predict walks the tree; malformed trees score zero.
func (m *TreeModel) Predict(features []float64) float64 {
	idx := 0
	for steps := 0; steps <= len(m.Nodes); steps++ {
		if idx < 0 || idx >= len(m.Nodes) {
			return 0
		}
		node := m.Nodes[idx]
		if node.Left < 0 {
			return node.Value
		}
		v := 0.0
		if node.Feature >= 0 && node.Feature < len(features) {
			v = features[node.Feature]
		}
		if v <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return 0
}

// LearnedReranker fuses SVM and tree predictions into ml_score: the
// mean when both models are present, the single prediction otherwise.
type LearnedReranker struct {
	svm  *SVMModel
	tree *TreeModel
}

// NewLearnedReranker loads svm.json and tree.json from modelDir.
// Missing files disable the respective model; both missing returns a
// nil Stage so the chain skips the pass.
func NewLearnedReranker(modelDir string) Stage {
	if modelDir == "" {
		return nil
	}
	r := &LearnedReranker{}

	var svm SVMModel
	if loadModel(filepath.Join(modelDir, "svm.json"), &svm) && len(svm.Weights) > 0 {
		r.svm = &svm
	}
	var tree TreeModel
	if loadModel(filepath.Join(modelDir, "tree.json"), &tree) && len(tree.Nodes) > 0 {
		r.tree = &tree
	}

	if r.svm == nil && r.tree == nil {
		return nil
	}
	return r
}

func loadModel(path string, out any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (r *LearnedReranker) Name() string { return "learned" }

// Rerank annotates ml_score and reorders by it.
func (r *LearnedReranker) Rerank(ctx context.Context, query string, results []*retrieval.Result) []*retrieval.Result {
	for _, res := range results {
		features := Features(query, res)

		var scores []float64
		if r.svm != nil {
			scores = append(scores, r.svm.Probability(features))
		}
		if r.tree != nil {
			scores = append(scores, r.tree.Predict(features))
		}
		if len(scores) == 0 {
			continue
		}

		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		res.SetScore("ml_score", sum/float64(len(scores)))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score("ml_score") > results[j].Score("ml_score")
	})
	return results
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
