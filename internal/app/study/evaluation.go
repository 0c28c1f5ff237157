package study

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"maia/internal/domain/conversation"
)

// ErrInvalidEvaluation 评价记录不合法
var ErrInvalidEvaluation = errors.New("invalid evaluation")

// Likert 分值范围
const (
	MinLikertScore = 1
	MaxLikertScore = 5
)

// LikertRating 对单条回复的 1-5 分评价
type LikertRating struct {
	ID            string           `json:"id"`
	ParticipantID string           `json:"participant_id"`
	TurnID        string           `json:"turn_id"`
	Arm           conversation.Arm `json:"arm"`
	Criterion     string           `json:"criterion"`
	Score         int              `json:"score"`
	Comment       string           `json:"comment,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Validate 校验并补齐 ID 与时间
func (r *LikertRating) Validate() error {
	switch {
	case r.ParticipantID == "":
		return fmt.Errorf("%w: participant_id is required", ErrInvalidEvaluation)
	case strings.TrimSpace(r.Criterion) == "":
		return fmt.Errorf("%w: criterion is required", ErrInvalidEvaluation)
	case r.Score < MinLikertScore || r.Score > MaxLikertScore:
		return fmt.Errorf("%w: score %d out of range %d..%d", ErrInvalidEvaluation, r.Score, MinLikertScore, MaxLikertScore)
	}
	if _, err := conversation.ParseArm(string(r.Arm)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
	}
	fillIdentity(&r.ID, &r.CreatedAt)
	return nil
}

// Preference 成对评判结果
type Preference string

const (
	PreferA    Preference = "a"
	PreferB    Preference = "b"
	PreferTie  Preference = "tie"
	PreferNone Preference = "" // 尚未评判
)

// PairwiseJudgment 同一输入下两条回复的比较
type PairwiseJudgment struct {
	ID            string           `json:"id"`
	ParticipantID string           `json:"participant_id"`
	Utterance     string           `json:"utterance"`
	ReplyA        string           `json:"reply_a"`
	ReplyB        string           `json:"reply_b"`
	ArmA          conversation.Arm `json:"arm_a"`
	ArmB          conversation.Arm `json:"arm_b"`
	Preferred     Preference       `json:"preferred"`
	Criterion     string           `json:"criterion"`
	Comment       string           `json:"comment,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// NewPairwiseJudgment 创建待评判记录
func NewPairwiseJudgment(participantID, utterance, criterion string, armA conversation.Arm, replyA string, armB conversation.Arm, replyB string) *PairwiseJudgment {
	j := &PairwiseJudgment{
		ParticipantID: participantID,
		Utterance:     utterance,
		ReplyA:        replyA,
		ReplyB:        replyB,
		ArmA:          armA,
		ArmB:          armB,
		Criterion:     criterion,
	}
	fillIdentity(&j.ID, &j.CreatedAt)
	return j
}

// Validate 校验并补齐 ID 与时间
func (j *PairwiseJudgment) Validate() error {
	if j.ParticipantID == "" {
		return fmt.Errorf("%w: participant_id is required", ErrInvalidEvaluation)
	}
	for _, arm := range []conversation.Arm{j.ArmA, j.ArmB} {
		if _, err := conversation.ParseArm(string(arm)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
		}
	}
	if j.ArmA == j.ArmB {
		return fmt.Errorf("%w: arm_a and arm_b must differ", ErrInvalidEvaluation)
	}
	switch j.Preferred {
	case PreferA, PreferB, PreferTie, PreferNone:
	default:
		return fmt.Errorf("%w: preferred %q (want a|b|tie)", ErrInvalidEvaluation, j.Preferred)
	}
	fillIdentity(&j.ID, &j.CreatedAt)
	return nil
}

// Winner 胜出的对照组；平局或未评判返回 false
func (j *PairwiseJudgment) Winner() (conversation.Arm, bool) {
	switch j.Preferred {
	case PreferA:
		return j.ArmA, true
	case PreferB:
		return j.ArmB, true
	default:
		return "", false
	}
}

// PairwiseTally 成对评判汇总
type PairwiseTally struct {
	Wins     map[conversation.Arm]int `json:"wins"`
	Ties     int                      `json:"ties"`
	Unjudged int                      `json:"unjudged"`
}

// Tally 汇总胜负
func Tally(judgments []PairwiseJudgment) PairwiseTally {
	t := PairwiseTally{Wins: make(map[conversation.Arm]int)}
	for i := range judgments {
		j := &judgments[i]
		if arm, ok := j.Winner(); ok {
			t.Wins[arm]++
			continue
		}
		if j.Preferred == PreferTie {
			t.Ties++
		} else {
			t.Unjudged++
		}
	}
	return t
}

// Filter 查询条件
type Filter struct {
	ParticipantID string
	Limit         int
}

// Repository 评价与回合轨迹存储
type Repository interface {
	SaveLikert(ctx context.Context, r *LikertRating) error
	SavePairwise(ctx context.Context, j *PairwiseJudgment) error
	ListLikert(ctx context.Context, f Filter) ([]LikertRating, error)
	ListPairwise(ctx context.Context, f Filter) ([]PairwiseJudgment, error)
	RecordTurn(ctx context.Context, t *conversation.TurnTrace) error
	Close() error
}

func fillIdentity(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if created.IsZero() {
		*created = time.Now().UTC()
	}
}
