package memory

import "errors"

var (
	// ErrConversationIDRequired 缺少 conversation_id
	ErrConversationIDRequired = errors.New("conversation_id is required")

	// ErrVersionConflict 乐观锁版本冲突
	ErrVersionConflict = errors.New("session version conflict")
)
