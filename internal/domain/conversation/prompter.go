package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"maia/internal/domain/memory"
	"maia/internal/domain/prompt"
	applog "maia/internal/platform/log"
	"maia/internal/provider"
)

// 补全中的段落标题
const (
	sectionKnowledge = "Knowledge"
	sectionQuery     = "Query"
	sectionSummary   = "Summary"
	sectionMemories  = "Memories"
)

var refusalMarkers = []string{"i can't answer", "i cannot answer", "i can’t answer", "i am unable to answer"}

// Options 增强 prompter 参数
type Options struct {
	MaxAttempts         int
	RetryBackoff        time.Duration
	GenerateTemperature float64
	ClarifyTemperature  float64
	NumExamples         int  // few-shot 条数，<= 0 表示全部
	DeferMemorize       bool // 先回复，再在后台摘要与提交（持锁直到提交结束）
	Deduplicate         bool // 存在 deduplicator 模板时对新摘要去重
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		MaxAttempts:         3,
		RetryBackoff:        time.Second,
		GenerateTemperature: 0.7,
		ClarifyTemperature:  0.3,
		NumExamples:         1,
	}
}

// Deps prompter 依赖
type Deps struct {
	LLM       Completer
	Templates *prompt.Store
	Retriever SummaryRetriever
	Store     memory.Store
	Sink      TraceSink // 可为 nil
}

func (d Deps) validate() error {
	switch {
	case d.LLM == nil:
		return errors.New("conversation: completer is required")
	case d.Templates == nil:
		return errors.New("conversation: template store is required")
	case d.Retriever == nil:
		return errors.New("conversation: retriever is required")
	case d.Store == nil:
		return errors.New("conversation: session store is required")
	}
	return nil
}

// AugmentedPrompter 记忆增强的对话者：extract → retrieve → reason → generate → summarize。
// 同一会话的回合由 mu 串行化；每次尝试在会话快照上运行，只有提交成功才改变会话。
type AugmentedPrompter struct {
	id   string
	deps Deps
	opts Options

	mu      sync.Mutex
	session *memory.Session

	sleep func(ctx context.Context, d time.Duration) error
}

// NewAugmentedPrompter 创建并加载已存储的会话
func NewAugmentedPrompter(ctx context.Context, conversationID string, deps Deps, opts Options) (*AugmentedPrompter, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	sess, err := deps.Store.Load(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", conversationID, err)
	}
	return &AugmentedPrompter{
		id:      conversationID,
		deps:    deps,
		opts:    opts,
		session: sess,
		sleep:   sleepCtx,
	}, nil
}

// ID 会话 ID
func (p *AugmentedPrompter) ID() string { return p.id }

func (p *AugmentedPrompter) Arm() Arm { return ArmAugmented }

// Prompt 返回回复文本；失败时为 ApologyMessage
func (p *AugmentedPrompter) Prompt(ctx context.Context, utterance string) string {
	return p.Respond(ctx, utterance).Text
}

type turnResult struct {
	utterance  string
	knowledge  []string
	query      string
	clarified  bool
	retrieval  []string
	conclusion string
	reply      string
	summaries  []string
	user       memory.Turn
	assistant  memory.Turn
}

// Respond 处理一条用户输入。任何阶段失败都不会向外返回错误：
// 可重试的失败按 MaxAttempts 重试，最终失败返回 ApologyMessage 且会话不变。
func (p *AugmentedPrompter) Respond(ctx context.Context, utterance string) *Reply {
	p.mu.Lock()
	held := true
	defer func() {
		if held {
			p.mu.Unlock()
		}
	}()

	start := time.Now()
	trace := &TurnTrace{
		ConversationID: p.id,
		Arm:            ArmAugmented,
		Utterance:      utterance,
		StartedAt:      start.UTC(),
	}

	var res *turnResult
	if p.opts.DeferMemorize {
		attempts, serr := p.retry(ctx, func(snap *memory.Session) *StageError {
			r, err := p.answer(ctx, snap, utterance)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		trace.Attempts = attempts
		if serr != nil {
			return p.failed(ctx, trace, serr, start)
		}

		fillTrace(trace, res)
		reply := p.reply(res, trace)
		held = false
		go p.memorizeDeferred(context.WithoutCancel(ctx), res, trace, start)
		return reply
	}

	attempts, serr := p.retry(ctx, func(snap *memory.Session) *StageError {
		r, err := p.answer(ctx, snap, utterance)
		if err != nil {
			return err
		}
		sess, err := p.memorize(ctx, snap, r)
		if err != nil {
			return err
		}
		p.session = sess
		res = r
		return nil
	})
	trace.Attempts = attempts
	if serr != nil {
		return p.failed(ctx, trace, serr, start)
	}

	fillTrace(trace, res)
	p.finish(ctx, trace, start)
	return p.reply(res, trace)
}

// retry 在会话快照上执行 fn，返回尝试次数与最终错误
func (p *AugmentedPrompter) retry(ctx context.Context, fn func(snap *memory.Session) *StageError) (int, *StageError) {
	var last *StageError
	attempt := 0
	for attempt < p.opts.MaxAttempts {
		attempt++
		last = fn(p.session.Clone())
		if last == nil {
			return attempt, nil
		}

		applog.Warn("[Conversation/Prompter] Attempt failed",
			"conversation_id", p.id,
			"attempt", attempt,
			"max_attempts", p.opts.MaxAttempts,
			"stage", last.Stage,
			"kind", last.Kind,
			"error", last.Err,
		)
		if last.Kind == KindFatal || attempt == p.opts.MaxAttempts {
			break
		}
		if errors.Is(last, memory.ErrVersionConflict) {
			p.reload(ctx)
		}
		if err := p.sleep(ctx, p.opts.RetryBackoff); err != nil {
			return attempt, stageErr(StageBackoff, err)
		}
	}
	return attempt, last
}

func (p *AugmentedPrompter) reload(ctx context.Context) {
	sess, err := p.deps.Store.Load(ctx, p.id)
	if err != nil {
		applog.Warn("[Conversation/Prompter] Reload after conflict failed", "conversation_id", p.id, "error", err)
		return
	}
	p.session = sess
}

// answer 生成回复，不修改会话
func (p *AugmentedPrompter) answer(ctx context.Context, snap *memory.Session, utterance string) (*turnResult, *StageError) {
	res := &turnResult{utterance: utterance}

	knowledge, query, err := p.extract(ctx, utterance)
	if err != nil {
		return nil, stageErr(StageExtract, err)
	}
	res.knowledge = knowledge

	if len(knowledge) == 0 && query == "" {
		reply, err := p.clarify(ctx, utterance)
		if err != nil {
			return nil, stageErr(StageClarify, err)
		}
		res.clarified = true
		res.reply = reply
		res.user = memory.NewTurn(memory.RoleUser, utterance)
		res.assistant = memory.NewTurn(memory.RoleAssistant, reply)
		return res, nil
	}
	if query == "" {
		query = strings.TrimSpace(utterance)
	}
	res.query = query

	if res.retrieval, err = p.retrieve(ctx, snap, query); err != nil {
		return nil, stageErr(StageRetrieve, err)
	}
	if res.conclusion, err = p.reason(ctx, knowledge, res.retrieval, query); err != nil {
		return nil, stageErr(StageReason, err)
	}
	if res.reply, err = p.generate(ctx, res.conclusion, query); err != nil {
		return nil, stageErr(StageGenerate, err)
	}

	res.user = memory.NewTurn(memory.RoleUser, utterance)
	res.assistant = memory.NewTurn(memory.RoleAssistant, res.reply)
	return res, nil
}

// memorize 摘要（+去重）后一次性提交回合
func (p *AugmentedPrompter) memorize(ctx context.Context, snap *memory.Session, res *turnResult) (*memory.Session, *StageError) {
	turns := []memory.Turn{res.user, res.assistant}

	var summaries []string
	if !res.clarified {
		var err error
		if summaries, err = p.summarize(ctx, snap, turns); err != nil {
			return nil, stageErr(StageSummarize, err)
		}
		if p.dedupEnabled() && len(summaries) > 0 {
			if summaries, err = p.deduplicate(ctx, snap.Summaries, summaries); err != nil {
				return nil, stageErr(StageDeduplicate, err)
			}
		}
	}
	res.summaries = summaries

	sess, err := p.deps.Store.Commit(ctx, p.id, memory.CommitRequest{
		ExpectedVersion: snap.Version,
		Turns:           turns,
		Summaries:       summaries,
	})
	if err != nil {
		return nil, stageErr(StageCommit, err)
	}
	return sess, nil
}

func (p *AugmentedPrompter) memorizeDeferred(ctx context.Context, res *turnResult, trace *TurnTrace, start time.Time) {
	defer p.mu.Unlock()

	_, serr := p.retry(ctx, func(snap *memory.Session) *StageError {
		sess, err := p.memorize(ctx, snap, res)
		if err != nil {
			return err
		}
		p.session = sess
		return nil
	})
	if serr != nil {
		applog.Error("[Conversation/Prompter] ❌ Deferred memorize failed, turn not stored",
			"conversation_id", p.id,
			"stage", serr.Stage,
			"error", serr.Err,
		)
		trace.fail(serr)
	}
	trace.Summaries = res.summaries
	p.finish(ctx, trace, start)
}

// ── 阶段 ─────────────────────────────────────────────────────

func (p *AugmentedPrompter) extract(ctx context.Context, utterance string) ([]string, string, error) {
	in, err := p.deps.Templates.Render(prompt.KeyExtractor, map[string]string{
		"input":    utterance,
		"examples": p.examples(prompt.KeyExtractor),
	})
	if err != nil {
		return nil, "", err
	}
	completion, err := p.deps.LLM.Complete(ctx, in, provider.WithTemperature(0))
	if err != nil {
		return nil, "", err
	}
	knowledge := prompt.ParseSection(completion, sectionKnowledge).List()
	query := strings.TrimSpace(prompt.ParseSection(completion, sectionQuery).First())
	return knowledge, query, nil
}

func (p *AugmentedPrompter) clarify(ctx context.Context, utterance string) (string, error) {
	in, err := p.deps.Templates.Render(prompt.KeyClarifier, map[string]string{
		"input":    utterance,
		"examples": p.examples(prompt.KeyClarifier),
	})
	if err != nil {
		return "", err
	}
	out, err := p.deps.LLM.Complete(ctx, in, provider.WithTemperature(p.opts.ClarifyTemperature))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

// retrieve 先让模型从历史中直接回答；拒答时退回全部摘要或原始历史
func (p *AugmentedPrompter) retrieve(ctx context.Context, snap *memory.Session, query string) ([]string, error) {
	history := snap.HistoryText()
	in, err := p.deps.Templates.Render(prompt.KeyRetriever, map[string]string{
		"query":   query,
		"history": history,
	})
	if err != nil {
		return nil, err
	}
	completion, err := p.deps.LLM.Complete(ctx, in, provider.WithTemperature(0))
	if err != nil {
		return nil, err
	}

	if isRefusal(completion) {
		switch {
		case len(snap.Summaries) > 0:
			return append([]string(nil), snap.Summaries...), nil
		case history != "":
			return []string{history}, nil
		default:
			return nil, nil
		}
	}

	var out []string
	if answer := strings.TrimSpace(completion); answer != "" {
		out = append(out, answer)
	}
	top, err := p.deps.Retriever.RetrieveTopSummaries(ctx, query, snap.Summaries)
	if err != nil {
		return nil, err
	}
	return append(out, top...), nil
}

func (p *AugmentedPrompter) reason(ctx context.Context, knowledge, retrieval []string, query string) (string, error) {
	combined := make([]string, 0, len(knowledge)+len(retrieval))
	combined = append(combined, knowledge...)
	combined = append(combined, retrieval...)

	in, err := p.deps.Templates.Render(prompt.KeyReasoner, map[string]string{
		"knowledge": numbered(combined),
		"query":     query,
		"examples":  p.examples(prompt.KeyReasoner),
	})
	if err != nil {
		return "", err
	}
	return p.deps.LLM.Complete(ctx, in, provider.WithTemperature(0))
}

func (p *AugmentedPrompter) generate(ctx context.Context, conclusion, query string) (string, error) {
	in, err := p.deps.Templates.Render(prompt.KeyGenerator, map[string]string{
		"conclusion": conclusion,
		"query":      query,
	})
	if err != nil {
		return "", err
	}
	out, err := p.deps.LLM.Complete(ctx, in, provider.WithTemperature(p.opts.GenerateTemperature))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

func (p *AugmentedPrompter) summarize(ctx context.Context, snap *memory.Session, newTurns []memory.Turn) ([]string, error) {
	all := make([]memory.Turn, 0, len(snap.History)+len(newTurns))
	all = append(all, snap.History...)
	all = append(all, newTurns...)

	in, err := p.deps.Templates.Render(prompt.KeySummarizer, map[string]string{
		"history": memory.FormatTurns(all),
	})
	if err != nil {
		return nil, err
	}
	completion, err := p.deps.LLM.Complete(ctx, in, provider.WithTemperature(0))
	if err != nil {
		return nil, err
	}
	return prompt.ParseSection(completion, sectionSummary).List(), nil
}

// deduplicate 解析不到 Memories 段落时保留原摘要
func (p *AugmentedPrompter) deduplicate(ctx context.Context, existing, fresh []string) ([]string, error) {
	in, err := p.deps.Templates.Render(prompt.KeyDeduplicator, map[string]string{
		"memories":  bulleted(existing),
		"summaries": bulleted(fresh),
	})
	if err != nil {
		return nil, err
	}
	completion, err := p.deps.LLM.Complete(ctx, in, provider.WithTemperature(0))
	if err != nil {
		return nil, err
	}
	sec := prompt.ParseSection(completion, sectionMemories)
	if !sec.Found {
		return fresh, nil
	}
	return sec.List(), nil
}

func (p *AugmentedPrompter) dedupEnabled() bool {
	return p.opts.Deduplicate && p.deps.Templates.Has(prompt.KeyDeduplicator)
}

func (p *AugmentedPrompter) examples(key string) string {
	return p.deps.Templates.Examples(key, p.opts.NumExamples)
}

// ── 结果与轨迹 ───────────────────────────────────────────────

func (p *AugmentedPrompter) reply(res *turnResult, trace *TurnTrace) *Reply {
	snapshot := *trace
	return &Reply{
		Text:     res.reply,
		Arm:      ArmAugmented,
		Attempts: trace.Attempts,
		TurnID:   res.assistant.ID,
		Trace:    &snapshot,
	}
}

func (p *AugmentedPrompter) failed(ctx context.Context, trace *TurnTrace, serr *StageError, start time.Time) *Reply {
	trace.fail(serr)
	trace.Reply = ApologyMessage
	applog.Error("[Conversation/Prompter] ❌ Turn failed",
		"conversation_id", p.id,
		"attempts", trace.Attempts,
		"stage", serr.Stage,
		"kind", serr.Kind,
		"error", serr.Err,
	)
	p.finish(ctx, trace, start)
	snapshot := *trace
	return &Reply{
		Text:     ApologyMessage,
		Arm:      ArmAugmented,
		Failed:   true,
		Attempts: trace.Attempts,
		Trace:    &snapshot,
	}
}

func (p *AugmentedPrompter) finish(ctx context.Context, trace *TurnTrace, start time.Time) {
	trace.ElapsedMs = time.Since(start).Milliseconds()
	if !trace.Failed {
		applog.Info("[Conversation/Prompter] ✅ Turn completed",
			"conversation_id", p.id,
			"attempts", trace.Attempts,
			"clarified", trace.Clarified,
			"retrieved", len(trace.Retrieval),
			"summaries", len(trace.Summaries),
			"elapsed_ms", trace.ElapsedMs,
		)
	}
	if p.deps.Sink == nil {
		return
	}
	if err := p.deps.Sink.RecordTurn(context.WithoutCancel(ctx), trace); err != nil {
		applog.Warn("[Conversation/Prompter] Trace not recorded", "conversation_id", p.id, "error", err)
	}
}

func fillTrace(trace *TurnTrace, res *turnResult) {
	trace.TurnID = res.assistant.ID
	trace.Knowledge = res.knowledge
	trace.Query = res.query
	trace.Clarified = res.clarified
	trace.Retrieval = res.retrieval
	trace.Conclusion = res.conclusion
	trace.Reply = res.reply
	trace.Summaries = res.summaries
}

// ── 会话管理 ─────────────────────────────────────────────────

// Seed 把事实直接追加到摘要记忆
func (p *AugmentedPrompter) Seed(ctx context.Context, facts []string) error {
	var clean []string
	for _, f := range facts {
		if f = strings.TrimSpace(f); f != "" {
			clean = append(clean, f)
		}
	}
	if len(clean) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, serr := p.retry(ctx, func(snap *memory.Session) *StageError {
		sess, err := p.deps.Store.Commit(ctx, p.id, memory.CommitRequest{
			ExpectedVersion: snap.Version,
			Summaries:       clean,
		})
		if err != nil {
			return stageErr(StageCommit, err)
		}
		p.session = sess
		return nil
	})
	if serr != nil {
		return fmt.Errorf("seed %s: %w", p.id, serr)
	}
	applog.Info("[Conversation/Prompter] ✅ Memory seeded", "conversation_id", p.id, "facts", len(clean))
	return nil
}

// Reset 清空存储与内存中的会话
func (p *AugmentedPrompter) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.deps.Store.Clear(ctx, p.id); err != nil {
		return fmt.Errorf("reset %s: %w", p.id, err)
	}
	p.session = memory.NewSession(p.id)
	applog.Info("[Conversation/Prompter] Session reset", "conversation_id", p.id)
	return nil
}

// Wait 等待进行中的回合（包括后台提交）结束
func (p *AugmentedPrompter) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
}

// Snapshot 返回当前会话副本，会等待进行中的回合结束
func (p *AugmentedPrompter) Snapshot() *memory.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Clone()
}

// ── 辅助函数 ─────────────────────────────────────────────────

func isRefusal(completion string) bool {
	lower := strings.ToLower(completion)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// numbered 格式化为 "(1) a\n(2) b"
func numbered(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "(%d) %s", i+1, it)
	}
	return b.String()
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	return "- " + strings.Join(items, "\n- ")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
