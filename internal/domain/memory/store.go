package memory

import (
	"context"
	"sync"
)

// CommitRequest 一次原子提交：追加的对话与摘要
type CommitRequest struct {
	ExpectedVersion int64
	Turns           []Turn
	Summaries       []string
}

// Empty 是否没有任何内容
func (r CommitRequest) Empty() bool {
	return len(r.Turns) == 0 && len(r.Summaries) == 0
}

// Store 会话持久化。Commit 在版本不匹配时返回 ErrVersionConflict 且不做任何修改。
type Store interface {
	// Load 加载会话，不存在时返回空会话（Version=0）
	Load(ctx context.Context, conversationID string) (*Session, error)
	// Commit 原子追加，返回提交后的会话
	Commit(ctx context.Context, conversationID string, req CommitRequest) (*Session, error)
	// Clear 清空会话
	Clear(ctx context.Context, conversationID string) error
}

// ApplyCommit 校验版本并在副本上应用提交，供各 Store 实现共用
func ApplyCommit(current *Session, req CommitRequest) (*Session, error) {
	if current.Version != req.ExpectedVersion {
		return nil, ErrVersionConflict
	}
	next := current.Clone()
	next.apply(req)
	return next, nil
}

// MemoryStore 进程内 Store，单机部署与测试使用
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore 创建进程内 Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Load(_ context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conversationID]; ok {
		return s.Clone(), nil
	}
	return NewSession(conversationID), nil
}

func (m *MemoryStore) Commit(_ context.Context, conversationID string, req CommitRequest) (*Session, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[conversationID]
	if !ok {
		current = NewSession(conversationID)
	}
	next, err := ApplyCommit(current, req)
	if err != nil {
		return nil, err
	}
	m.sessions[conversationID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Clear(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
	return nil
}
