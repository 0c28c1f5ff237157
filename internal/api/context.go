package api

import (
	"context"
	"fmt"
	"slices"
)

// RoleResearcher 可跨参与者查看评价
const RoleResearcher = "researcher"

// Participant 鉴权后的调用方（注入到 context）
type Participant struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole 判断是否持有角色
func (p *Participant) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

type participantContextKey struct{}

// WithParticipant 注入调用方到 context
func WithParticipant(ctx context.Context, p *Participant) context.Context {
	return context.WithValue(ctx, participantContextKey{}, p)
}

// ParticipantFrom 从 context 提取调用方
func ParticipantFrom(ctx context.Context) (*Participant, error) {
	p, ok := ctx.Value(participantContextKey{}).(*Participant)
	if !ok || p == nil {
		return nil, fmt.Errorf("participant not found in context")
	}
	return p, nil
}
