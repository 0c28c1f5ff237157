package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	applog "maia/internal/platform/log"
)

// DefaultTopK 默认返回条数
const DefaultTopK = 3

// Scored 带相似度分数的候选
type Scored struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Index int     `json:"index"` // 在候选列表中的原始位置
}

// Retriever 余弦相似度 top-K 检索。同输入同权重下结果确定。
type Retriever struct {
	embedder Embedder
	topK     int
}

// NewRetriever 创建检索器，topK <= 0 时使用 DefaultTopK
func NewRetriever(embedder Embedder, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, topK: topK}
}

// TopK 返回 K
func (r *Retriever) TopK() int { return r.topK }

// RetrieveTopSummaries 返回与 query 最相似的至多 K 条候选，按相似度降序，同分保持原顺序。
func (r *Retriever) RetrieveTopSummaries(ctx context.Context, query string, candidates []string) ([]string, error) {
	ranked, err := r.Rank(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	if len(ranked) > r.topK {
		ranked = ranked[:r.topK]
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.Text
	}
	return out, nil
}

// Rank 对全部候选打分排序（不截断）
func (r *Retriever) Rank(ctx context.Context, query string, candidates []string) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	start := time.Now()

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	texts = append(texts, candidates...)

	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed candidates: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	q := vectors[0]
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		s, err := cosine(q, vectors[i+1])
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		scored[i] = Scored{Text: c, Score: s, Index: i}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	applog.Debug("[Retrieval/Retriever] Ranked",
		"candidates", len(candidates),
		"top_score", scored[0].Score,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return scored, nil
}

// cosine 零向量得分为 0
func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
