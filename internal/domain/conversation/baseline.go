package conversation

import (
	"context"
	"time"

	applog "maia/internal/platform/log"
	"maia/internal/provider"
)

// DefaultBaselineTemperature 对照组采样温度
const DefaultBaselineTemperature = 0.7

// BasePrompter 对照组：原始输入直接交给模型，无记忆、无检索、不重试。
type BasePrompter struct {
	llm         Completer
	temperature float64
	sink        TraceSink
}

// NewBasePrompter 创建对照组 prompter，sink 可为 nil
func NewBasePrompter(llm Completer, temperature float64, sink TraceSink) *BasePrompter {
	return &BasePrompter{llm: llm, temperature: temperature, sink: sink}
}

func (b *BasePrompter) Arm() Arm { return ArmBaseline }

// Prompt 返回回复文本
func (b *BasePrompter) Prompt(ctx context.Context, utterance string) string {
	return b.Respond(ctx, utterance).Text
}

// Respond 以换行为停止符生成单行回复，失败返回 ApologyMessage
func (b *BasePrompter) Respond(ctx context.Context, utterance string) *Reply {
	start := time.Now()
	trace := &TurnTrace{Arm: ArmBaseline, Utterance: utterance, Attempts: 1, StartedAt: start.UTC()}

	out, err := b.llm.Complete(ctx, utterance,
		provider.WithTemperature(b.temperature),
		provider.WithStop("\n"),
	)
	if err != nil {
		trace.fail(stageErr(StageGenerate, err))
		trace.Reply = ApologyMessage
		trace.ElapsedMs = time.Since(start).Milliseconds()
		applog.Error("[Conversation/Baseline] ❌ Completion failed", "error", err)
		b.record(ctx, trace)
		return &Reply{Text: ApologyMessage, Arm: ArmBaseline, Failed: true, Attempts: 1, Trace: trace}
	}

	trace.Reply = out
	trace.ElapsedMs = time.Since(start).Milliseconds()
	b.record(ctx, trace)
	return &Reply{Text: out, Arm: ArmBaseline, Attempts: 1, Trace: trace}
}

func (b *BasePrompter) record(ctx context.Context, trace *TurnTrace) {
	if b.sink == nil {
		return
	}
	if err := b.sink.RecordTurn(context.WithoutCancel(ctx), trace); err != nil {
		applog.Warn("[Conversation/Baseline] Trace not recorded", "error", err)
	}
}
