package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 补全后端注册表，由 bootstrap 构建后显式传递。
type Registry struct {
	mu        sync.RWMutex
	providers map[Backend]LLMProvider
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Backend]LLMProvider)}
}

// Register 注册后端，同名覆盖
func (r *Registry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Backend()] = p
}

// Get 获取后端
func (r *Registry) Get(b Backend) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[b]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, b)
	}
	return p, nil
}

// Backends 列出已注册后端
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.providers))
	for b := range r.providers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
