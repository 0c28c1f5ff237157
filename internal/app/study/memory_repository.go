package study

import (
	"context"
	"sync"

	"maia/internal/domain/conversation"
)

// MemoryRepository 进程内 Repository，未配置数据库时使用
type MemoryRepository struct {
	mu       sync.RWMutex
	likert   []LikertRating
	pairwise []PairwiseJudgment
	traces   []conversation.TurnTrace
}

func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (m *MemoryRepository) SaveLikert(_ context.Context, r *LikertRating) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.likert = append(m.likert, *r)
	return nil
}

// SavePairwise 同 ID 再次写入时只更新评判结果，与 SQL 实现一致
func (m *MemoryRepository) SavePairwise(_ context.Context, j *PairwiseJudgment) error {
	if err := j.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pairwise {
		if m.pairwise[i].ID == j.ID {
			m.pairwise[i].Preferred = j.Preferred
			m.pairwise[i].Comment = j.Comment
			m.pairwise[i].Criterion = j.Criterion
			return nil
		}
	}
	m.pairwise = append(m.pairwise, *j)
	return nil
}

func (m *MemoryRepository) ListLikert(_ context.Context, f Filter) ([]LikertRating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterNewest(m.likert, f, func(r LikertRating) string { return r.ParticipantID }), nil
}

func (m *MemoryRepository) ListPairwise(_ context.Context, f Filter) ([]PairwiseJudgment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterNewest(m.pairwise, f, func(j PairwiseJudgment) string { return j.ParticipantID }), nil
}

func (m *MemoryRepository) RecordTurn(_ context.Context, t *conversation.TurnTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, *t)
	return nil
}

// Traces 已记录的回合轨迹
func (m *MemoryRepository) Traces() []conversation.TurnTrace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]conversation.TurnTrace(nil), m.traces...)
}

func (m *MemoryRepository) Close() error { return nil }

// filterNewest 按参与者过滤，新记录在前
func filterNewest[T any](items []T, f Filter, participant func(T) string) []T {
	var out []T
	for i := len(items) - 1; i >= 0; i-- {
		if f.ParticipantID != "" && participant(items[i]) != f.ParticipantID {
			continue
		}
		out = append(out, items[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
