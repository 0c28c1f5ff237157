package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maia/internal/provider"
)

// Arm 研究中的对照组
type Arm string

const (
	ArmBaseline  Arm = "baseline"
	ArmAugmented Arm = "augmented"
)

// Arms 全部对照组，顺序固定
var Arms = []Arm{ArmBaseline, ArmAugmented}

// ParseArm 解析对照组名称
func ParseArm(s string) (Arm, error) {
	switch Arm(strings.ToLower(strings.TrimSpace(s))) {
	case ArmBaseline:
		return ArmBaseline, nil
	case ArmAugmented:
		return ArmAugmented, nil
	default:
		return "", fmt.Errorf("unknown arm %q (want baseline|augmented)", s)
	}
}

func (a Arm) String() string { return string(a) }

// Completer 补全能力，provider.Client 满足该接口
type Completer interface {
	Complete(ctx context.Context, prompt string, opts ...provider.CallOption) (string, error)
}

// SummaryRetriever 从摘要中检索与 query 最相关的若干条
type SummaryRetriever interface {
	RetrieveTopSummaries(ctx context.Context, query string, candidates []string) ([]string, error)
}

// TraceSink 回合轨迹落库
type TraceSink interface {
	RecordTurn(ctx context.Context, trace *TurnTrace) error
}

// Responder 一个对照组的回复者
type Responder interface {
	Arm() Arm
	Respond(ctx context.Context, utterance string) *Reply
}

// Reply 一次回复
type Reply struct {
	Text     string     `json:"text"`
	Arm      Arm        `json:"arm"`
	Failed   bool       `json:"failed"`
	Attempts int        `json:"attempts"`
	TurnID   string     `json:"turn_id,omitempty"`
	Trace    *TurnTrace `json:"-"`
}

// TurnTrace 单回合各阶段产出
type TurnTrace struct {
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Arm            Arm       `json:"arm"`
	Utterance      string    `json:"utterance"`
	Knowledge      []string  `json:"knowledge,omitempty"`
	Query          string    `json:"query,omitempty"`
	Clarified      bool      `json:"clarified,omitempty"`
	Retrieval      []string  `json:"retrieval,omitempty"`
	Conclusion     string    `json:"conclusion,omitempty"`
	Reply          string    `json:"reply"`
	Summaries      []string  `json:"summaries,omitempty"`
	Attempts       int       `json:"attempts"`
	Failed         bool      `json:"failed"`
	FailedStage    Stage     `json:"failed_stage,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedMs      int64     `json:"elapsed_ms"`
}

func (t *TurnTrace) fail(err *StageError) {
	t.Failed = true
	t.FailedStage = err.Stage
	t.Error = err.Error()
}
