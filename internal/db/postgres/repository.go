package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"maia/internal/app/study"
	"maia/internal/domain/conversation"
	applog "maia/internal/platform/log"
)

// Repository PostgreSQL 实现的评价与轨迹存储
type Repository struct {
	db *sql.DB
}

// PoolConfig 连接池参数，零值表示使用 database/sql 默认值
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 连接数据库并校验连通性
func Open(ctx context.Context, url string, pool PoolConfig) (*Repository, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewRepository(db), nil
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureTables 确保评价与轨迹表存在
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS likert_ratings (
		id             UUID PRIMARY KEY,
		participant_id VARCHAR(255) NOT NULL,
		turn_id        VARCHAR(64) NOT NULL DEFAULT '',
		arm            VARCHAR(32) NOT NULL,
		criterion      VARCHAR(64) NOT NULL,
		score          SMALLINT NOT NULL CHECK (score BETWEEN 1 AND 5),
		comment        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_likert_participant ON likert_ratings(participant_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS pairwise_judgments (
		id             UUID PRIMARY KEY,
		participant_id VARCHAR(255) NOT NULL,
		utterance      TEXT NOT NULL,
		reply_a        TEXT NOT NULL,
		reply_b        TEXT NOT NULL,
		arm_a          VARCHAR(32) NOT NULL,
		arm_b          VARCHAR(32) NOT NULL,
		preferred      VARCHAR(8) NOT NULL DEFAULT '',
		criterion      VARCHAR(64) NOT NULL DEFAULT '',
		comment        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_pairwise_participant ON pairwise_judgments(participant_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS turn_traces (
		id              UUID PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL DEFAULT '',
		turn_id         VARCHAR(64) NOT NULL DEFAULT '',
		arm             VARCHAR(32) NOT NULL,
		failed          BOOLEAN NOT NULL DEFAULT FALSE,
		attempts        INT NOT NULL DEFAULT 0,
		elapsed_ms      BIGINT NOT NULL DEFAULT 0,
		payload         JSONB NOT NULL,
		created_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_turn_traces_conv ON turn_traces(conversation_id, created_at);
	`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure tables: %w", err)
	}
	applog.Info("[Storage/Postgres] ✅ Tables ready")
	return nil
}

// SaveLikert 写入 Likert 评价
func (r *Repository) SaveLikert(ctx context.Context, rt *study.LikertRating) error {
	if err := rt.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO likert_ratings (id, participant_id, turn_id, arm, criterion, score, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rt.ID, rt.ParticipantID, rt.TurnID, string(rt.Arm), rt.Criterion, rt.Score, rt.Comment, rt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert likert rating: %w", err)
	}
	return nil
}

// SavePairwise 写入成对评判；同 ID 再次写入时更新评判结果
func (r *Repository) SavePairwise(ctx context.Context, j *study.PairwiseJudgment) error {
	if err := j.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pairwise_judgments
		   (id, participant_id, utterance, reply_a, reply_b, arm_a, arm_b, preferred, criterion, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET preferred = EXCLUDED.preferred, comment = EXCLUDED.comment, criterion = EXCLUDED.criterion`,
		j.ID, j.ParticipantID, j.Utterance, j.ReplyA, j.ReplyB, string(j.ArmA), string(j.ArmB),
		string(j.Preferred), j.Criterion, j.Comment, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert pairwise judgment: %w", err)
	}
	return nil
}

// ListLikert 按参与者查询，新记录在前
func (r *Repository) ListLikert(ctx context.Context, f study.Filter) ([]study.LikertRating, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, participant_id, turn_id, arm, criterion, score, comment, created_at
		 FROM likert_ratings
		 WHERE ($1::text = '' OR participant_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		f.ParticipantID, limitArg(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query likert ratings: %w", err)
	}
	defer rows.Close()

	var out []study.LikertRating
	for rows.Next() {
		var rt study.LikertRating
		var arm string
		if err := rows.Scan(&rt.ID, &rt.ParticipantID, &rt.TurnID, &arm, &rt.Criterion, &rt.Score, &rt.Comment, &rt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan likert rating: %w", err)
		}
		rt.Arm = conversation.Arm(arm)
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ListPairwise 按参与者查询，新记录在前
func (r *Repository) ListPairwise(ctx context.Context, f study.Filter) ([]study.PairwiseJudgment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, participant_id, utterance, reply_a, reply_b, arm_a, arm_b, preferred, criterion, comment, created_at
		 FROM pairwise_judgments
		 WHERE ($1::text = '' OR participant_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		f.ParticipantID, limitArg(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query pairwise judgments: %w", err)
	}
	defer rows.Close()

	var out []study.PairwiseJudgment
	for rows.Next() {
		var j study.PairwiseJudgment
		var armA, armB, pref string
		if err := rows.Scan(&j.ID, &j.ParticipantID, &j.Utterance, &j.ReplyA, &j.ReplyB,
			&armA, &armB, &pref, &j.Criterion, &j.Comment, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pairwise judgment: %w", err)
		}
		j.ArmA, j.ArmB, j.Preferred = conversation.Arm(armA), conversation.Arm(armB), study.Preference(pref)
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecordTurn 记录回合轨迹（完整内容存 JSONB）
func (r *Repository) RecordTurn(ctx context.Context, t *conversation.TurnTrace) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	created := t.StartedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO turn_traces (id, conversation_id, turn_id, arm, failed, attempts, elapsed_ms, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), t.ConversationID, t.TurnID, string(t.Arm), t.Failed, t.Attempts, t.ElapsedMs, payload, created,
	)
	if err != nil {
		return fmt.Errorf("insert turn trace: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (r *Repository) Close() error { return r.db.Close() }

// limitArg LIMIT NULL 表示不限
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
