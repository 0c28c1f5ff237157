package retrieval

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	applog "maia/internal/platform/log"
)

// VectorCache 向量缓存；GetVectors 对未命中的 key 返回 nil 元素。
type VectorCache interface {
	GetVectors(ctx context.Context, keys []string) ([][]float32, error)
	SetVectors(ctx context.Context, keys []string, vectors [][]float32) error
}

// CachedEmbedder 为任意 Embedder 加一层缓存，缓存故障时直接回源。
type CachedEmbedder struct {
	inner     Embedder
	cache     VectorCache
	namespace string
}

// NewCachedEmbedder namespace 用于区分不同模型/维度的向量
func NewCachedEmbedder(inner Embedder, cache VectorCache, namespace string) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache, namespace: namespace}
}

func (c *CachedEmbedder) Dims() int { return c.inner.Dims() }

// Embed 先查缓存，只对未命中的文本调用底层 Embedder。
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	out, err := c.cache.GetVectors(ctx, keys)
	if err != nil || len(out) != len(texts) {
		if err != nil {
			applog.Warn("[Retrieval/Cache] Lookup failed, embedding all", "error", err)
		}
		out = make([][]float32, len(texts))
	}

	// 同一文本只回源一次
	missIdx := make(map[string][]int)
	var missTexts, missKeys []string
	for i, v := range out {
		if v != nil {
			continue
		}
		if _, seen := missIdx[keys[i]]; !seen {
			missTexts = append(missTexts, texts[i])
			missKeys = append(missKeys, keys[i])
		}
		missIdx[keys[i]] = append(missIdx[keys[i]], i)
	}
	if len(missTexts) == 0 {
		applog.Debug("[Retrieval/Cache] All hits", "count", len(texts))
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missTexts))
	}
	for j, k := range missKeys {
		for _, i := range missIdx[k] {
			out[i] = fresh[j]
		}
	}

	if err := c.cache.SetVectors(ctx, missKeys, fresh); err != nil {
		applog.Warn("[Retrieval/Cache] Store failed", "error", err)
	}
	applog.Debug("[Retrieval/Cache] Embedded", "hits", len(texts)-countIdx(missIdx), "misses", len(missKeys))
	return out, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := blake3.Sum256([]byte(c.namespace + "\x00" + text))
	return hex.EncodeToString(sum[:16])
}

func countIdx(m map[string][]int) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}
