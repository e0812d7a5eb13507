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

package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25Retriever is an in-memory lexical index. Read-mostly: queries take
// a read lock, ingestion takes the write lock. CJK text is indexed as
// character bigrams, latin text as lowercased word tokens.
type BM25Retriever struct {
	mu sync.RWMutex

	docs     []bm25Doc
	df       map[string]int
	totalLen int
}

type bm25Doc struct {
	id         string
	body       string
	title      string
	source     string
	documentID int64

	terms map[string]int
	n     int
}

// NewBM25Retriever creates an empty index.
func NewBM25Retriever() *BM25Retriever {
	return &BM25Retriever{df: make(map[string]int)}
}

func (r *BM25Retriever) Name() Method { return MethodBM25 }

// IndexDoc adds one document to the index. Indexed text is title+body
// so heading terms are searchable.
func (r *BM25Retriever) IndexDoc(id, title, body, source string, documentID int64) {
	terms := termCounts(Tokenize(title + " " + body))
	n := 0
	for _, c := range terms {
		n += c
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.docs = append(r.docs, bm25Doc{
		id:         id,
		body:       body,
		title:      title,
		source:     source,
		documentID: documentID,
		terms:      terms,
		n:          n,
	})
	for term := range terms {
		r.df[term]++
	}
	r.totalLen += n
}

// Len reports the number of indexed documents.
func (r *BM25Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Retrieve scores every indexed document against the query terms.
func (r *BM25Retriever) Retrieve(ctx context.Context, query string, topK int) ([]*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		return []*Result{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.docs)
	if n == 0 {
		return []*Result{}, nil
	}
	avgLen := float64(r.totalLen) / float64(n)

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored

	for i := range r.docs {
		doc := &r.docs[i]
		score := 0.0
		for _, term := range queryTerms {
			tf := float64(doc.terms[term])
			if tf == 0 {
				continue
			}
			df := float64(r.df[term])
			idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(doc.n)/avgLen))
			score += idf * norm
		}
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	results := make([]*Result, 0, len(hits))
	for _, h := range hits {
		doc := &r.docs[h.idx]
		results = append(results, &Result{
			ID:         doc.id,
			Body:       doc.body,
			Title:      doc.title,
			Source:     doc.source,
			DocumentID: doc.documentID,
			Method:     MethodBM25,
			RawScore:   h.score,
		})
	}
	return results, nil
}

// Tokenize splits text into CJK character bigrams and lowercased latin
// word tokens. A CJK run of length one is kept as a unigram so
// single-character mentions remain searchable.
func Tokenize(text string) []string {
	var (
		tokens []string
		cjk    []rune
		latin  strings.Builder
	)

	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			tokens = append(tokens, string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}
	flushLatin := func() {
		if latin.Len() > 0 {
			tokens = append(tokens, strings.ToLower(latin.String()))
			latin.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			latin.WriteRune(r)
		default:
			flushCJK()
			flushLatin()
		}
	}
	flushCJK()
	flushLatin()
	return tokens
}

func termCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}
