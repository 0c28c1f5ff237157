package bench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maia/internal/app/study"
	"maia/internal/domain/conversation"
	applog "maia/internal/platform/log"
)

// DefaultCriterion 基准生成的待评判记录默认标准
const DefaultCriterion = "msc-consistency"

// Config 基准运行参数
type Config struct {
	Concurrency   int    // 同时运行的对话数，<= 0 为 1
	Criterion     string // 待评判记录的标准
	ParticipantNS string // 参与者 ID 前缀，默认 "bench:"
	KeepMemory    bool   // 为 false 时运行前清空同名会话
}

// DialogueReport 单段对话结果
type DialogueReport struct {
	ID        string                   `json:"id"`
	Turns     int                      `json:"turns"`
	Failed    map[conversation.Arm]int `json:"failed"`
	Pending   int                      `json:"pending_judgments"`
	Summaries int                      `json:"summaries"`
	ElapsedMs int64                    `json:"elapsed_ms"`
	Error     string                   `json:"error,omitempty"`
}

// Report 汇总
type Report struct {
	Dialogues []DialogueReport         `json:"dialogues"`
	Turns     int                      `json:"turns"`
	Failed    map[conversation.Arm]int `json:"failed"`
	Pending   int                      `json:"pending_judgments"`
	ElapsedMs int64                    `json:"elapsed_ms"`
}

// Runner 多会话基准：每个会话结束后关闭内存中的会话，下个会话从存储重新加载，
// 检验跨会话记忆。每句话由全部对照组回答，成对结果存为待评判记录。
type Runner struct {
	pipeline *study.Pipeline
	repo     study.Repository
	cfg      Config
}

// NewRunner 创建基准
func NewRunner(pipeline *study.Pipeline, repo study.Repository, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Criterion == "" {
		cfg.Criterion = DefaultCriterion
	}
	if cfg.ParticipantNS == "" {
		cfg.ParticipantNS = "bench:"
	}
	return &Runner{pipeline: pipeline, repo: repo, cfg: cfg}
}

// Run 运行全部对话。单段对话出错只记在其报告里。
func (r *Runner) Run(ctx context.Context, dialogues []Dialogue) *Report {
	start := time.Now()
	reports := make([]DialogueReport, len(dialogues))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				reports[i] = r.runDialogue(ctx, &dialogues[i])
			}
		}()
	}
	for i := range dialogues {
		if ctx.Err() != nil {
			reports[i] = DialogueReport{ID: dialogues[i].ID, Error: ctx.Err().Error()}
			continue
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	rep := &Report{Dialogues: reports, Failed: make(map[conversation.Arm]int)}
	for _, d := range reports {
		rep.Turns += d.Turns
		rep.Pending += d.Pending
		for arm, n := range d.Failed {
			rep.Failed[arm] += n
		}
	}
	rep.ElapsedMs = time.Since(start).Milliseconds()
	applog.Info("[Bench/Runner] ✅ Benchmark finished",
		"dialogues", len(dialogues),
		"turns", rep.Turns,
		"elapsed_ms", rep.ElapsedMs,
	)
	return rep
}

func (r *Runner) runDialogue(ctx context.Context, d *Dialogue) DialogueReport {
	start := time.Now()
	rep := DialogueReport{ID: d.ID, Failed: make(map[conversation.Arm]int)}
	pid := r.cfg.ParticipantNS + d.ID
	registry := r.pipeline.Registry()

	fail := func(err error) DialogueReport {
		rep.Error = err.Error()
		rep.ElapsedMs = time.Since(start).Milliseconds()
		applog.Error("[Bench/Runner] ❌ Dialogue failed", "dialogue", d.ID, "error", err)
		return rep
	}

	if !r.cfg.KeepMemory {
		if err := registry.Reset(ctx, pid); err != nil {
			return fail(fmt.Errorf("reset: %w", err))
		}
	}
	if len(d.Persona) > 0 {
		p, err := registry.Get(ctx, pid)
		if err != nil {
			return fail(err)
		}
		if err := p.Seed(ctx, d.Persona); err != nil {
			return fail(err)
		}
	}

	for si, session := range d.Sessions {
		for _, utterance := range session {
			res, err := r.pipeline.Run(ctx, pid, study.Input{Text: utterance})
			if err != nil {
				return fail(fmt.Errorf("session %d: %w", si, err))
			}
			rep.Turns++
			for arm, reply := range res.Replies {
				if reply.Failed {
					rep.Failed[arm]++
				}
			}
			if len(res.Order) == 2 {
				j, err := res.Judgment(r.cfg.Criterion)
				if err != nil {
					return fail(err)
				}
				if err := r.repo.SavePairwise(ctx, j); err != nil {
					return fail(fmt.Errorf("store judgment: %w", err))
				}
				rep.Pending++
			}
		}
		// 会话边界：释放内存中的会话，下一个会话从存储加载
		registry.Close(pid)
		applog.Debug("[Bench/Runner] Session boundary", "dialogue", d.ID, "session", si)
	}

	if p, err := registry.Get(ctx, pid); err == nil {
		rep.Summaries = len(p.Snapshot().Summaries)
	}
	registry.Close(pid)
	rep.ElapsedMs = time.Since(start).Milliseconds()
	return rep
}
