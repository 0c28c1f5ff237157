package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"maia/internal/app/study"
	"maia/internal/db/sqlite/migrations"
	"maia/internal/domain/conversation"
	applog "maia/internal/platform/log"
)

// DefaultFileName 数据目录下的默认库文件名
const DefaultFileName = "study.db"

// Repository 单机 SQLite 实现的评价与轨迹存储，适合本地实验与 bench。
// 时间以 UTC 纳秒整数存储。
type Repository struct {
	db   *sql.DB
	path string
}

// Open 打开（必要时创建）数据库并执行迁移。path 以 .db 结尾时视为文件，否则视为目录。
func Open(path string) (*Repository, error) {
	dbPath := path
	if !strings.HasSuffix(path, ".db") {
		dbPath = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	r := &Repository{db: db, path: dbPath}
	if err := r.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	applog.Info("[Storage/SQLite] ✅ Opened", "path", dbPath)
	return r, nil
}

// Path 数据库文件路径
func (r *Repository) Path() string { return r.path }

func (r *Repository) migrate(fsys fs.FS) error {
	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := r.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var ups []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	for _, name := range ups {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := r.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC().UnixNano()); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		applog.Debug("[Storage/SQLite] Migration applied", "version", version)
	}
	return nil
}

func (r *Repository) SaveLikert(ctx context.Context, rt *study.LikertRating) error {
	if err := rt.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO likert_ratings (id, participant_id, turn_id, arm, criterion, score, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.ParticipantID, rt.TurnID, string(rt.Arm), rt.Criterion, rt.Score, rt.Comment, toNanos(rt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert likert rating: %w", err)
	}
	return nil
}

// SavePairwise 同 ID 再次写入时只更新评判结果
func (r *Repository) SavePairwise(ctx context.Context, j *study.PairwiseJudgment) error {
	if err := j.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pairwise_judgments
		   (id, participant_id, utterance, reply_a, reply_b, arm_a, arm_b, preferred, criterion, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   preferred = excluded.preferred,
		   comment = excluded.comment,
		   criterion = excluded.criterion`,
		j.ID, j.ParticipantID, j.Utterance, j.ReplyA, j.ReplyB, string(j.ArmA), string(j.ArmB),
		string(j.Preferred), j.Criterion, j.Comment, toNanos(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert pairwise judgment: %w", err)
	}
	return nil
}

func (r *Repository) ListLikert(ctx context.Context, f study.Filter) ([]study.LikertRating, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, participant_id, turn_id, arm, criterion, score, comment, created_at
		 FROM likert_ratings
		 WHERE (? = '' OR participant_id = ?)
		 ORDER BY created_at DESC
		 LIMIT ?`,
		f.ParticipantID, f.ParticipantID, limitArg(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query likert ratings: %w", err)
	}
	defer rows.Close()

	var out []study.LikertRating
	for rows.Next() {
		var rt study.LikertRating
		var arm string
		var created int64
		if err := rows.Scan(&rt.ID, &rt.ParticipantID, &rt.TurnID, &arm, &rt.Criterion, &rt.Score, &rt.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan likert rating: %w", err)
		}
		rt.Arm = conversation.Arm(arm)
		rt.CreatedAt = fromNanos(created)
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (r *Repository) ListPairwise(ctx context.Context, f study.Filter) ([]study.PairwiseJudgment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, participant_id, utterance, reply_a, reply_b, arm_a, arm_b, preferred, criterion, comment, created_at
		 FROM pairwise_judgments
		 WHERE (? = '' OR participant_id = ?)
		 ORDER BY created_at DESC
		 LIMIT ?`,
		f.ParticipantID, f.ParticipantID, limitArg(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query pairwise judgments: %w", err)
	}
	defer rows.Close()

	var out []study.PairwiseJudgment
	for rows.Next() {
		var j study.PairwiseJudgment
		var armA, armB, pref string
		var created int64
		if err := rows.Scan(&j.ID, &j.ParticipantID, &j.Utterance, &j.ReplyA, &j.ReplyB,
			&armA, &armB, &pref, &j.Criterion, &j.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan pairwise judgment: %w", err)
		}
		j.ArmA, j.ArmB, j.Preferred = conversation.Arm(armA), conversation.Arm(armB), study.Preference(pref)
		j.CreatedAt = fromNanos(created)
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecordTurn 完整轨迹以 JSON 文本存入 payload
func (r *Repository) RecordTurn(ctx context.Context, t *conversation.TurnTrace) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	failed := 0
	if t.Failed {
		failed = 1
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO turn_traces (id, conversation_id, turn_id, arm, failed, attempts, elapsed_ms, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), t.ConversationID, t.TurnID, string(t.Arm), failed, t.Attempts, t.ElapsedMs,
		string(payload), toNanos(t.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert turn trace: %w", err)
	}
	return nil
}

// Traces 按时间顺序读取某会话的轨迹
func (r *Repository) Traces(ctx context.Context, conversationID string) ([]conversation.TurnTrace, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM turn_traces WHERE conversation_id = ? ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turn traces: %w", err)
	}
	defer rows.Close()

	var out []conversation.TurnTrace
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan turn trace: %w", err)
		}
		var t conversation.TurnTrace
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode turn trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) Close() error { return r.db.Close() }

// limitArg SQLite 中 LIMIT -1 表示不限
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
