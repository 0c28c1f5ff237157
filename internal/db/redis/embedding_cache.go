package redisdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	applog "maia/internal/platform/log"
)

// EmbeddingCache 向量 Redis 缓存，值为小端 float32 序列
type EmbeddingCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewEmbeddingCache 创建向量缓存
func NewEmbeddingCache(rdb *redis.Client, ttlSeconds int) *EmbeddingCache {
	ttl := 24 * time.Hour
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &EmbeddingCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "maia:emb:",
	}
}

// GetVectors MGET 批量读取，未命中或损坏的条目为 nil
func (c *EmbeddingCache) GetVectors(ctx context.Context, keys []string) ([][]float32, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	vals, err := c.redis.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET: %w", err)
	}

	out := make([][]float32, len(keys))
	hits := 0
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector([]byte(s))
		if err != nil {
			applog.Warn("[Embedding/Cache] Dropping corrupt entry", "key", full[i], "error", err)
			continue
		}
		out[i] = vec
		hits++
	}
	applog.Debug("[Embedding/Cache] Lookup", "keys", len(keys), "hits", hits)
	return out, nil
}

// SetVectors 管道批量写入
func (c *EmbeddingCache) SetVectors(ctx context.Context, keys []string, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return fmt.Errorf("keys/vectors length mismatch: %d vs %d", len(keys), len(vectors))
	}
	pipe := c.redis.Pipeline()
	for i, k := range keys {
		pipe.Set(ctx, c.prefix+k, encodeVector(vectors[i]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
