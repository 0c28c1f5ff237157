package retrieval

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

const (
	unigramWeight = 1.0
	bigramWeight  = 0.5
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {}, "on": {},
	"at": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "do": {}, "does": {}, "did": {},
	"i": {}, "me": {}, "my": {}, "you": {}, "your": {}, "it": {}, "this": {}, "that": {}, "what": {},
	"for": {}, "with": {}, "as": {}, "by": {}, "so": {}, "but": {},
}

// HashingEmbedder 基于特征哈希的确定性词袋向量（一元词 + 二元词），离线可用。
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder 创建哈希向量器
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 512
	}
	return &HashingEmbedder{dims: dims}
}

func (e *HashingEmbedder) Dims() int { return e.dims }

// Embed 不会失败；ctx 仅为满足接口。
func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashingEmbedder) vector(text string) []float32 {
	vec := make([]float64, e.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok, unigramWeight)
		if i+1 < len(tokens) {
			e.add(vec, tok+" "+tokens[i+1], bigramWeight)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (e *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	sum := blake3.Sum256([]byte(feature))
	bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(e.dims)
	if sum[8]&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f == "" {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
