package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"maia/internal/domain/memory"
	applog "maia/internal/platform/log"
)

// SessionStore Redis Hash 实现的会话记忆，提交走 WATCH/MULTI 版本 CAS
type SessionStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// SessionStoreConfig Redis 会话存储配置
type SessionStoreConfig struct {
	Client    *redis.Client
	KeyPrefix string        // 默认 "maia:session:"
	TTL       time.Duration // 0 表示不过期
}

// NewSessionStore 创建 Redis 会话存储
func NewSessionStore(cfg SessionStoreConfig) *SessionStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "maia:session:"
	}
	return &SessionStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}
}

func (s *SessionStore) key(conversationID string) string {
	return s.keyPrefix + conversationID
}

// Load 加载会话（HGETALL），不存在时返回空会话
func (s *SessionStore) Load(ctx context.Context, conversationID string) (*memory.Session, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}
	vals, err := s.client.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		applog.Error("[Session/Redis] HGETALL failed", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}
	sess, err := decodeSession(conversationID, vals)
	if err != nil {
		return nil, err
	}
	applog.Debug("[Session/Redis] Loaded",
		"conversation_id", conversationID,
		"turns", len(sess.History),
		"summaries", len(sess.Summaries),
		"version", sess.Version,
	)
	return sess, nil
}

// Commit 仅当当前版本等于 req.ExpectedVersion 时写入（CAS）
func (s *SessionStore) Commit(ctx context.Context, conversationID string, req memory.CommitRequest) (*memory.Session, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}
	key := s.key(conversationID)

	var committed *memory.Session
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, err := decodeSession(conversationID, vals)
		if err != nil {
			return err
		}
		next, err := memory.ApplyCommit(current, req)
		if err != nil {
			return err
		}
		fields, err := encodeSession(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		if err == nil {
			committed = next
		}
		return err
	}, key)

	switch {
	case err == nil:
		applog.Info("[Session/Redis] ✅ Committed",
			"conversation_id", conversationID,
			"turns_added", len(req.Turns),
			"summaries_added", len(req.Summaries),
			"version", committed.Version,
		)
		return committed, nil
	case errors.Is(err, memory.ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		applog.Warn("[Session/Redis] Version conflict",
			"conversation_id", conversationID,
			"expected_version", req.ExpectedVersion,
		)
		return nil, memory.ErrVersionConflict
	default:
		return nil, fmt.Errorf("redis cas commit: %w", err)
	}
}

// Clear 删除会话
func (s *SessionStore) Clear(ctx context.Context, conversationID string) error {
	applog.Info("[Session/Redis] Clearing conversation", "conversation_id", conversationID)
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

func encodeSession(sess *memory.Session) (map[string]interface{}, error) {
	history, err := json.Marshal(sess.History)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	summaries, err := json.Marshal(sess.Summaries)
	if err != nil {
		return nil, fmt.Errorf("marshal summaries: %w", err)
	}
	return map[string]interface{}{
		"conversation_id": sess.ConversationID,
		"history":         string(history),
		"summaries":       string(summaries),
		"version":         strconv.FormatInt(sess.Version, 10),
	}, nil
}

func decodeSession(conversationID string, vals map[string]string) (*memory.Session, error) {
	sess := memory.NewSession(conversationID)
	if len(vals) == 0 {
		return sess, nil
	}
	if raw := vals["history"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.History); err != nil {
			return nil, fmt.Errorf("parse history: %w", err)
		}
	}
	if raw := vals["summaries"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Summaries); err != nil {
			return nil, fmt.Errorf("parse summaries: %w", err)
		}
	}
	if raw, ok := vals["version"]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version %q: %w", raw, err)
		}
		sess.Version = v
	}
	return sess, nil
}
