package memory

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role 发言方
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn 一条对话记录，创建后不可变
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn 创建带 ULID 的对话记录
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Session 单个会话的记忆。History 与 Summaries 只追加，Version 每次提交加一。
type Session struct {
	ConversationID string   `json:"conversation_id"`
	History        []Turn   `json:"history"`
	Summaries      []string `json:"history_summaries"`
	Version        int64    `json:"version"`
}

// NewSession 创建空会话
func NewSession(conversationID string) *Session {
	return &Session{ConversationID: conversationID}
}

// Clone 深拷贝，用于每次尝试的快照
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{ConversationID: s.ConversationID, Version: s.Version}
	if len(s.History) > 0 {
		out.History = append([]Turn(nil), s.History...)
	}
	if len(s.Summaries) > 0 {
		out.Summaries = append([]string(nil), s.Summaries...)
	}
	return out
}

// HistoryText 以 "role: content" 逐行序列化历史
func (s *Session) HistoryText() string {
	return FormatTurns(s.History)
}

// FormatTurns 序列化任意对话片段，空片段返回空串
func FormatTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

// apply 把一次提交追加到会话上
func (s *Session) apply(req CommitRequest) {
	s.History = append(s.History, req.Turns...)
	s.Summaries = append(s.Summaries, req.Summaries...)
	s.Version++
}
