package conversation

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"maia/internal/domain/memory"
	"maia/internal/domain/prompt"
	"maia/internal/domain/retrieval"
	"maia/internal/provider"
)

// ── 测试桩 ───────────────────────────────────────────────────

type llmCall struct {
	stage       string
	prompt      string
	temperature *float64
	stop        []string
}

// scriptedLLM 按 prompt 前缀分派到各阶段的处理函数
type scriptedLLM struct {
	mu       sync.Mutex
	handlers map[string]func(prompt string) (string, error)
	calls    []llmCall
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{handlers: make(map[string]func(string) (string, error))}
}

func (s *scriptedLLM) on(stage string, h func(prompt string) (string, error)) *scriptedLLM {
	s.handlers[stage] = h
	return s
}

func (s *scriptedLLM) reply(stage, text string) *scriptedLLM {
	return s.on(stage, func(string) (string, error) { return text, nil })
}

func (s *scriptedLLM) Complete(ctx context.Context, p string, opts ...provider.CallOption) (string, error) {
	o := provider.ApplyCallOptions(opts...)
	stage, _, _ := strings.Cut(p, " ")

	s.mu.Lock()
	s.calls = append(s.calls, llmCall{stage: stage, prompt: p, temperature: o.Temperature, stop: o.Stop})
	h := s.handlers[stage]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h == nil {
		return "", errors.New("no handler for " + stage)
	}
	return h(p)
}

func (s *scriptedLLM) callsFor(stage string) []llmCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llmCall
	for _, c := range s.calls {
		if c.stage == stage {
			out = append(out, c)
		}
	}
	return out
}

func testTemplates(t *testing.T, withDedup bool) *prompt.Store {
	t.Helper()
	fsys := fstest.MapFS{
		"extractor.txt":  {Data: []byte("EXTRACT {input}")},
		"retriever.txt":  {Data: []byte("RETRIEVE {query}\n{history}")},
		"reasoner.txt":   {Data: []byte("REASON {knowledge}|{query}")},
		"generator.txt":  {Data: []byte("GENERATE {conclusion}|{query}")},
		"summarizer.txt": {Data: []byte("SUMMARIZE {history}")},
		"clarifier.txt":  {Data: []byte("CLARIFY {input}")},
	}
	if withDedup {
		fsys["deduplicator.txt"] = &fstest.MapFile{Data: []byte("DEDUP {memories}|{summaries}")}
	}
	s, err := prompt.LoadFS(fsys)
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	return s
}

type harness struct {
	llm    *scriptedLLM
	store  *memory.MemoryStore
	sink   *recordingSink
	sleeps int
	p      *AugmentedPrompter
}

func newHarness(t *testing.T, llm *scriptedLLM, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{llm: llm, store: memory.NewMemoryStore(), sink: &recordingSink{}}
	deps := Deps{
		LLM:       llm,
		Templates: testTemplates(t, true),
		Retriever: retrieval.NewRetriever(retrieval.NewHashingEmbedder(128), 3),
		Store:     h.store,
		Sink:      h.sink,
	}
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&deps, &opts)
	}
	p, err := NewAugmentedPrompter(context.Background(), "p1", deps, opts)
	if err != nil {
		t.Fatalf("NewAugmentedPrompter: %v", err)
	}
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		h.sleeps++
		return ctx.Err()
	}
	h.p = p
	return h
}

type recordingSink struct {
	mu     sync.Mutex
	traces []*TurnTrace
}

func (r *recordingSink) RecordTurn(_ context.Context, t *TurnTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
	return nil
}

func (r *recordingSink) last() *TurnTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.traces) == 0 {
		return nil
	}
	return r.traces[len(r.traces)-1]
}

func happyLLM() *scriptedLLM {
	return newScriptedLLM().
		reply("EXTRACT", "#Knowledge\n- User loves tea.\n#Query\nWhat's a good morning drink?").
		reply("RETRIEVE", "I can't answer.").
		reply("REASON", "The user loves tea, so suggest tea.").
		reply("GENERATE", "How about a cup of green tea?").
		reply("SUMMARIZE", "#Summary\n- User loves tea.").
		reply("DEDUP", "#Memories\n- User loves tea.")
}

// ── 测试 ─────────────────────────────────────────────────────

func TestTeaScenarioEndToEnd(t *testing.T) {
	llm := happyLLM()
	h := newHarness(t, llm, nil)
	ctx := context.Background()

	first := h.p.Respond(ctx, "I love tea. What's a good morning drink?")
	if first.Failed || first.Text != "How about a cup of green tea?" {
		t.Fatalf("first reply = %+v", first)
	}
	sess := h.p.Snapshot()
	if len(sess.History) != 2 || !reflect.DeepEqual(sess.Summaries, []string{"User loves tea."}) || sess.Version != 1 {
		t.Fatalf("after first turn = %+v", sess)
	}

	llm.reply("EXTRACT", "#Knowledge\n#Query\nWhat does the user like to drink?").
		reply("RETRIEVE", "The user loves tea.").
		on("REASON", func(p string) (string, error) { return "The user likes tea.", nil }).
		reply("GENERATE", "You like tea!").
		reply("SUMMARIZE", "#Summary\n- User asked about their favourite drink.")

	second := h.p.Respond(ctx, "What do I like to drink?")
	if second.Failed || !strings.Contains(second.Text, "tea") {
		t.Fatalf("second reply = %+v", second)
	}

	reasons := llm.callsFor("REASON")
	wantKnowledge := "(1) The user loves tea.\n(2) User loves tea."
	if got := reasons[len(reasons)-1].prompt; !strings.Contains(got, wantKnowledge) {
		t.Fatalf("reasoner prompt %q does not contain %q", got, wantKnowledge)
	}
	retrieves := llm.callsFor("RETRIEVE")
	if got := retrieves[1].prompt; !strings.Contains(got, "user: I love tea. What's a good morning drink?\nassistant: How about a cup of green tea?") {
		t.Fatalf("retriever prompt missing history: %q", got)
	}

	sess = h.p.Snapshot()
	if len(sess.History) != 4 || len(sess.Summaries) != 2 || sess.Version != 2 {
		t.Fatalf("after second turn = %+v", sess)
	}
}

func TestStageTemperatures(t *testing.T) {
	llm := happyLLM()
	h := newHarness(t, llm, nil)
	h.p.Respond(context.Background(), "I love tea.")

	want := map[string]float64{"EXTRACT": 0, "RETRIEVE": 0, "REASON": 0, "GENERATE": 0.7, "SUMMARIZE": 0}
	for stage, temp := range want {
		calls := llm.callsFor(stage)
		if len(calls) != 1 {
			t.Fatalf("%s called %d times", stage, len(calls))
		}
		if calls[0].temperature == nil || *calls[0].temperature != temp {
			t.Errorf("%s temperature = %v, want %v", stage, calls[0].temperature, temp)
		}
	}
}

func TestFailedTurnLeavesSessionUnchanged(t *testing.T) {
	llm := happyLLM()
	h := newHarness(t, llm, nil)
	ctx := context.Background()
	h.p.Respond(ctx, "I love tea.")
	before := h.p.Snapshot()

	llm.on("GENERATE", func(string) (string, error) {
		return "", &provider.APIError{Backend: provider.BackendOpenAI, StatusCode: 503, Message: "overloaded"}
	})
	reply := h.p.Respond(ctx, "Anything else?")

	if !reply.Failed || reply.Text != ApologyMessage {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Attempts != 3 || h.sleeps != 2 {
		t.Fatalf("attempts = %d, sleeps = %d", reply.Attempts, h.sleeps)
	}
	after := h.p.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("session changed after failed turn:\nbefore %+v\nafter  %+v", before, after)
	}
	stored, _ := h.store.Load(ctx, "p1")
	if stored.Version != before.Version {
		t.Fatalf("store version moved to %d", stored.Version)
	}
	if tr := h.sink.last(); tr == nil || !tr.Failed || tr.FailedStage != StageGenerate {
		t.Fatalf("trace = %+v", tr)
	}
}

func TestFatalErrorsStopRetrying(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth rejected", &provider.APIError{Backend: provider.BackendAnthropic, StatusCode: 401, Message: "bad key"}},
		{"invalid request", &provider.APIError{Backend: provider.BackendOpenAI, StatusCode: 400, Message: "bad"}},
		{"caller cancelled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := happyLLM().on("REASON", func(string) (string, error) { return "", tt.err })
			h := newHarness(t, llm, nil)

			reply := h.p.Respond(context.Background(), "hi")
			if !reply.Failed || reply.Attempts != 1 || h.sleeps != 0 {
				t.Fatalf("reply = %+v, sleeps = %d", reply, h.sleeps)
			}
			if len(llm.callsFor("REASON")) != 1 {
				t.Fatal("fatal error was retried")
			}
		})
	}
}

func TestTransientFailureRetriesThenCommitsOnce(t *testing.T) {
	llm := happyLLM()
	fails := 1
	llm.on("SUMMARIZE", func(string) (string, error) {
		if fails > 0 {
			fails--
			return "", provider.ErrCallTimeout
		}
		return "#Summary\n- User loves tea.", nil
	})
	h := newHarness(t, llm, nil)

	reply := h.p.Respond(context.Background(), "I love tea.")
	if reply.Failed || reply.Attempts != 2 {
		t.Fatalf("reply = %+v", reply)
	}
	sess := h.p.Snapshot()
	if len(sess.History) != 2 || len(sess.Summaries) != 1 || sess.Version != 1 {
		t.Fatalf("turn committed more than once: %+v", sess)
	}
}

func TestAppendOnlyGrowth(t *testing.T) {
	llm := happyLLM()
	h := newHarness(t, llm, nil)
	ctx := context.Background()

	prevSummaries := 0
	for i := 1; i <= 4; i++ {
		h.p.Respond(ctx, "turn")
		sess := h.p.Snapshot()
		if len(sess.History) != 2*i {
			t.Fatalf("turn %d: history = %d", i, len(sess.History))
		}
		if len(sess.Summaries) < prevSummaries {
			t.Fatalf("turn %d: summaries shrank", i)
		}
		prevSummaries = len(sess.Summaries)
	}
}

func TestRetrieveRefusalFallback(t *testing.T) {
	history := []memory.Turn{
		{Role: memory.RoleUser, Content: "I love tea."},
		{Role: memory.RoleAssistant, Content: "Nice."},
	}
	tests := []struct {
		name       string
		completion string
		snap       *memory.Session
		want       []string
	}{
		{
			name:       "refusal returns all summaries",
			completion: "Sorry, I CAN'T ANSWER that.",
			snap:       &memory.Session{History: history, Summaries: []string{"a", "b", "c", "d", "e"}},
			want:       []string{"a", "b", "c", "d", "e"},
		},
		{
			name:       "refusal without summaries returns raw history",
			completion: "I cannot answer.",
			snap:       &memory.Session{History: history},
			want:       []string{"user: I love tea.\nassistant: Nice."},
		},
		{
			name:       "refusal on empty session",
			completion: "I am unable to answer",
			snap:       &memory.Session{},
			want:       nil,
		},
		{
			name:       "answer without summaries",
			completion: " You love tea. ",
			snap:       &memory.Session{History: history},
			want:       []string{"You love tea."},
		},
		{
			name:       "answer plus top-k summaries",
			completion: "You love tea.",
			snap:       &memory.Session{Summaries: []string{"s1", "s2", "s3", "s4"}},
			want:       []string{"You love tea.", "s1", "s2", "s3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := newScriptedLLM().reply("RETRIEVE", tt.completion)
			h := newHarness(t, llm, func(d *Deps, _ *Options) {
				d.Retriever = retrieval.NewRetriever(&zeroEmbedder{}, 3)
			})
			got, err := h.p.retrieve(context.Background(), tt.snap, "q")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// zeroEmbedder 所有文本同分，检索保持候选原顺序
type zeroEmbedder struct{}

func (zeroEmbedder) Dims() int { return 2 }

func (zeroEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0, 0}
	}
	return out, nil
}

func TestIsRefusal(t *testing.T) {
	for text, want := range map[string]bool{
		"I can't answer.":              true,
		"i can’t answer this":          true,
		"Honestly, I cannot answer it": true,
		"I am unable to answer.":       true,
		"You like tea.":                false,
		"":                             false,
	} {
		if got := isRefusal(text); got != want {
			t.Errorf("isRefusal(%q) = %v", text, got)
		}
	}
}

func TestEmptyExtractionUsesClarifier(t *testing.T) {
	llm := happyLLM().
		reply("EXTRACT", "#Knowledge\n#Query\n").
		reply("CLARIFY", "  What would you like to talk about?  ")
	h := newHarness(t, llm, nil)

	reply := h.p.Respond(context.Background(), "   ")
	if reply.Failed || reply.Text != "What would you like to talk about?" {
		t.Fatalf("reply = %+v", reply)
	}
	for _, stage := range []string{"RETRIEVE", "REASON", "GENERATE", "SUMMARIZE"} {
		if n := len(llm.callsFor(stage)); n != 0 {
			t.Errorf("%s called %d times", stage, n)
		}
	}
	if c := llm.callsFor("CLARIFY"); len(c) != 1 || *c[0].temperature != 0.3 {
		t.Fatalf("clarifier calls = %+v", c)
	}
	sess := h.p.Snapshot()
	if len(sess.History) != 2 || len(sess.Summaries) != 0 {
		t.Fatalf("session = %+v", sess)
	}
	if !h.sink.last().Clarified {
		t.Fatal("trace not marked clarified")
	}
}

func TestMissingQueryFallsBackToUtterance(t *testing.T) {
	llm := happyLLM().reply("EXTRACT", "#Knowledge\n- User has a cat.")
	h := newHarness(t, llm, nil)

	h.p.Respond(context.Background(), "  I have a cat.  ")
	gen := llm.callsFor("GENERATE")
	if len(gen) != 1 || !strings.HasSuffix(gen[0].prompt, "|I have a cat.") {
		t.Fatalf("generator prompt = %+v", gen)
	}
}

func TestDeduplication(t *testing.T) {
	tests := []struct {
		name       string
		dedup      string
		enable     bool
		wantSecond []string
	}{
		{"duplicates removed", "#Memories\n- User owns a bike.", true, []string{"User loves tea.", "User owns a bike."}},
		{"parse miss keeps summaries", "nothing useful", true, []string{"User loves tea.", "User loves tea.", "User owns a bike."}},
		{"disabled", "#Memories\n", false, []string{"User loves tea.", "User loves tea.", "User owns a bike."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := happyLLM()
			h := newHarness(t, llm, func(_ *Deps, o *Options) { o.Deduplicate = tt.enable })
			ctx := context.Background()
			h.p.Respond(ctx, "I love tea.")

			llm.reply("SUMMARIZE", "#Summary\n- User loves tea.\n- User owns a bike.").reply("DEDUP", tt.dedup)
			h.p.Respond(ctx, "I love tea and my bike.")

			if got := h.p.Snapshot().Summaries; !reflect.DeepEqual(got, tt.wantSecond) {
				t.Fatalf("summaries = %q, want %q", got, tt.wantSecond)
			}
		})
	}
}

func TestDeferredMemorizeCommitsAfterReply(t *testing.T) {
	llm := happyLLM()
	release := make(chan struct{})
	llm.on("SUMMARIZE", func(string) (string, error) {
		<-release
		return "#Summary\n- User loves tea.", nil
	})
	h := newHarness(t, llm, func(_ *Deps, o *Options) { o.DeferMemorize = true })

	reply := h.p.Respond(context.Background(), "I love tea.")
	if reply.Failed || reply.Text != "How about a cup of green tea?" {
		t.Fatalf("reply = %+v", reply)
	}
	stored, _ := h.store.Load(context.Background(), "p1")
	if stored.Version != 0 {
		t.Fatal("turn committed before summarize finished")
	}

	close(release)
	h.p.Wait()
	sess := h.p.Snapshot()
	if len(sess.History) != 2 || len(sess.Summaries) != 1 {
		t.Fatalf("deferred commit missing: %+v", sess)
	}
}

// conflictingStore 第一次提交返回版本冲突
type conflictingStore struct {
	*memory.MemoryStore
	conflicts int
}

func (c *conflictingStore) Commit(ctx context.Context, id string, req memory.CommitRequest) (*memory.Session, error) {
	if c.conflicts > 0 {
		c.conflicts--
		return nil, memory.ErrVersionConflict
	}
	return c.MemoryStore.Commit(ctx, id, req)
}

func TestVersionConflictIsRetried(t *testing.T) {
	store := &conflictingStore{MemoryStore: memory.NewMemoryStore(), conflicts: 1}
	h := newHarness(t, happyLLM(), func(d *Deps, _ *Options) { d.Store = store })

	reply := h.p.Respond(context.Background(), "I love tea.")
	if reply.Failed || reply.Attempts != 2 {
		t.Fatalf("reply = %+v", reply)
	}
	if v := h.p.Snapshot().Version; v != 1 {
		t.Fatalf("version = %d", v)
	}
}

func TestTeaScenarioFromSeededMemory(t *testing.T) {
	const fact = "User prefers tea over coffee."
	llm := happyLLM().
		reply("EXTRACT", "#Knowledge\n#Query\nWhat does the user like to drink?").
		reply("RETRIEVE", "The history does not mention drinks.").
		on("REASON", func(p string) (string, error) {
			if strings.Contains(p, fact) {
				return "The user prefers tea.", nil
			}
			return "Unknown preference.", nil
		}).
		on("GENERATE", func(p string) (string, error) {
			if strings.Contains(p, "prefers tea") {
				return "You like tea!", nil
			}
			return "I don't know yet.", nil
		}).
		reply("SUMMARIZE", "#Summary")
	h := newHarness(t, llm, nil)
	ctx := context.Background()

	if err := h.p.Seed(ctx, []string{fact}); err != nil {
		t.Fatal(err)
	}
	before := h.p.Snapshot()

	reply := h.p.Respond(ctx, "What do I like to drink?")
	if reply.Failed || !strings.Contains(reply.Text, "tea") {
		t.Fatalf("reply = %+v", reply)
	}

	after := h.p.Snapshot()
	if len(after.History) != len(before.History)+2 {
		t.Fatalf("history grew by %d, want 2", len(after.History)-len(before.History))
	}
	if len(after.Summaries) < len(before.Summaries) || after.Summaries[0] != fact {
		t.Fatalf("summaries = %v", after.Summaries)
	}
	if got := llm.callsFor("REASON")[0].prompt; !strings.Contains(got, "(2) "+fact) {
		t.Fatalf("seeded fact not retrieved into reasoning: %q", got)
	}
}

func TestSeedAndReset(t *testing.T) {
	h := newHarness(t, happyLLM(), nil)
	ctx := context.Background()

	if err := h.p.Seed(ctx, []string{" Has a dog named Rex. ", "", "Lives in Seoul."}); err != nil {
		t.Fatal(err)
	}
	sess := h.p.Snapshot()
	if !reflect.DeepEqual(sess.Summaries, []string{"Has a dog named Rex.", "Lives in Seoul."}) || len(sess.History) != 0 {
		t.Fatalf("seeded session = %+v", sess)
	}

	if err := h.p.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if sess := h.p.Snapshot(); sess.Version != 0 || len(sess.Summaries) != 0 {
		t.Fatalf("reset session = %+v", sess)
	}
	stored, _ := h.store.Load(ctx, "p1")
	if len(stored.Summaries) != 0 {
		t.Fatal("store not cleared")
	}
}

func TestNumbered(t *testing.T) {
	if got := numbered([]string{"a", "b"}); got != "(1) a\n(2) b" {
		t.Fatalf("numbered = %q", got)
	}
	if numbered(nil) != "" {
		t.Fatal("numbered(nil) should be empty")
	}
}
