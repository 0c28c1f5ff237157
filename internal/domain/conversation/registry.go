package conversation

import (
	"context"
	"sort"
	"sync"

	"maia/internal/domain/memory"
	applog "maia/internal/platform/log"
)

// Registry 按参与者管理会话，首次访问时创建。不同会话可并发，同一会话由其 prompter 串行。
type Registry struct {
	deps Deps
	opts Options

	mu        sync.RWMutex
	prompters map[string]*AugmentedPrompter
}

// NewRegistry 创建会话注册表
func NewRegistry(deps Deps, opts Options) *Registry {
	return &Registry{
		deps:      deps,
		opts:      opts,
		prompters: make(map[string]*AugmentedPrompter),
	}
}

// Get 获取或创建会话的 prompter，创建时加载已存储的会话
func (r *Registry) Get(ctx context.Context, participantID string) (*AugmentedPrompter, error) {
	if participantID == "" {
		return nil, memory.ErrConversationIDRequired
	}

	r.mu.RLock()
	p, ok := r.prompters[participantID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	created, err := NewAugmentedPrompter(ctx, participantID, r.deps, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.prompters[participantID]; ok {
		return p, nil
	}
	r.prompters[participantID] = created
	applog.Info("[Conversation/Registry] Conversation opened", "participant_id", participantID, "open", len(r.prompters))
	return created, nil
}

// Reset 清空会话记忆
func (r *Registry) Reset(ctx context.Context, participantID string) error {
	p, err := r.Get(ctx, participantID)
	if err != nil {
		return err
	}
	return p.Reset(ctx)
}

// Close 等待进行中的回合结束后释放内存中的 prompter，存储中的会话保留
func (r *Registry) Close(participantID string) {
	r.mu.Lock()
	p, ok := r.prompters[participantID]
	delete(r.prompters, participantID)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.Wait()
	applog.Info("[Conversation/Registry] Conversation closed", "participant_id", participantID)
}

// Len 当前打开的会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prompters)
}

// IDs 当前打开的会话 ID（排序）
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.prompters))
	for id := range r.prompters {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll 关闭全部会话
func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		r.Close(id)
	}
}
