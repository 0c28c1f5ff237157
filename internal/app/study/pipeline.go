package study

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"maia/internal/domain/conversation"
	applog "maia/internal/platform/log"
)

var (
	ErrNoTranscriber = errors.New("audio input requires a transcriber")
	ErrUnknownArm    = errors.New("arm not configured")
)

// Transcriber 语音转文字
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Input 文本或音频输入，二选一
type Input struct {
	Text   string
	Audio  []byte
	Format string // 音频格式，如 wav / mp3 / pcm
}

// PairwiseResult 同一输入在各对照组下的回复。Order 为盲评展示顺序（A 在前）。
type PairwiseResult struct {
	ParticipantID string                                   `json:"participant_id"`
	Transcript    string                                   `json:"transcript"`
	Replies       map[conversation.Arm]*conversation.Reply `json:"replies"`
	Order         []conversation.Arm                       `json:"order"`
	ElapsedMs     int64                                    `json:"elapsed_ms"`
}

// Judgment 生成待评判的成对记录（Preferred 为空）
func (r *PairwiseResult) Judgment(criterion string) (*PairwiseJudgment, error) {
	if len(r.Order) != 2 {
		return nil, fmt.Errorf("pairwise judgment needs exactly two arms, got %d", len(r.Order))
	}
	a, b := r.Replies[r.Order[0]], r.Replies[r.Order[1]]
	return NewPairwiseJudgment(r.ParticipantID, r.Transcript, criterion,
		r.Order[0], a.Text, r.Order[1], b.Text), nil
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	Arms           []conversation.Arm // 默认全部
	ForcedResponse string             // 非空时所有对照组直接返回该文案
	Shuffle        bool               // 随机化盲评顺序
}

// Pipeline 转写后把同一句话并发交给各对照组
type Pipeline struct {
	baseline    *conversation.BasePrompter
	registry    *conversation.Registry
	transcriber Transcriber
	cfg         PipelineConfig
}

// NewPipeline transcriber 可为 nil（仅文本输入）
func NewPipeline(baseline *conversation.BasePrompter, registry *conversation.Registry, transcriber Transcriber, cfg PipelineConfig) *Pipeline {
	if len(cfg.Arms) == 0 {
		cfg.Arms = append([]conversation.Arm(nil), conversation.Arms...)
	}
	return &Pipeline{baseline: baseline, registry: registry, transcriber: transcriber, cfg: cfg}
}

// Arms 已配置的对照组
func (p *Pipeline) Arms() []conversation.Arm {
	return append([]conversation.Arm(nil), p.cfg.Arms...)
}

// Registry 会话注册表
func (p *Pipeline) Registry() *conversation.Registry { return p.registry }

// Responder 返回参与者在某对照组下的回复者
func (p *Pipeline) Responder(ctx context.Context, participantID string, arm conversation.Arm) (conversation.Responder, error) {
	switch arm {
	case conversation.ArmBaseline:
		if p.baseline == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
		}
		return p.baseline, nil
	case conversation.ArmAugmented:
		if p.registry == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
		}
		return p.registry.Get(ctx, participantID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
	}
}

// Transcript 取文本，或对音频做转写。空文本原样放行，由澄清模板兜底。
func (p *Pipeline) Transcript(ctx context.Context, in Input) (string, error) {
	if len(in.Audio) == 0 {
		return in.Text, nil
	}
	if p.transcriber == nil {
		return "", ErrNoTranscriber
	}
	text, err := p.transcriber.Transcribe(ctx, in.Audio, in.Format)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}

// Respond 单个对照组回复
func (p *Pipeline) Respond(ctx context.Context, participantID string, arm conversation.Arm, in Input) (string, *conversation.Reply, error) {
	transcript, err := p.Transcript(ctx, in)
	if err != nil {
		return "", nil, err
	}
	if p.cfg.ForcedResponse != "" {
		return transcript, &conversation.Reply{Text: p.cfg.ForcedResponse, Arm: arm}, nil
	}
	r, err := p.Responder(ctx, participantID, arm)
	if err != nil {
		return "", nil, err
	}
	return transcript, r.Respond(ctx, transcript), nil
}

// Run 所有对照组并发回答同一输入
func (p *Pipeline) Run(ctx context.Context, participantID string, in Input) (*PairwiseResult, error) {
	start := time.Now()
	transcript, err := p.Transcript(ctx, in)
	if err != nil {
		return nil, err
	}

	result := &PairwiseResult{
		ParticipantID: participantID,
		Transcript:    transcript,
		Replies:       make(map[conversation.Arm]*conversation.Reply, len(p.cfg.Arms)),
		Order:         p.Arms(),
	}
	if p.cfg.Shuffle {
		rand.Shuffle(len(result.Order), func(i, j int) {
			result.Order[i], result.Order[j] = result.Order[j], result.Order[i]
		})
	}

	if p.cfg.ForcedResponse != "" {
		for _, arm := range p.cfg.Arms {
			result.Replies[arm] = &conversation.Reply{Text: p.cfg.ForcedResponse, Arm: arm}
		}
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result, nil
	}

	responders := make([]conversation.Responder, len(p.cfg.Arms))
	for i, arm := range p.cfg.Arms {
		r, err := p.Responder(ctx, participantID, arm)
		if err != nil {
			return nil, err
		}
		responders[i] = r
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, r := range responders {
		wg.Add(1)
		go func(r conversation.Responder) {
			defer wg.Done()
			reply := r.Respond(ctx, transcript)
			mu.Lock()
			result.Replies[r.Arm()] = reply
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	result.ElapsedMs = time.Since(start).Milliseconds()
	applog.Info("[Study/Pipeline] ✅ Pairwise turn done",
		"participant_id", participantID,
		"arms", len(result.Replies),
		"elapsed_ms", result.ElapsedMs,
	)
	return result, nil
}
