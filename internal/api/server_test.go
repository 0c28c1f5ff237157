package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/golang-jwt/jwt/v5"

	"maia/internal/app/study"
	"maia/internal/domain/conversation"
	"maia/internal/domain/memory"
	"maia/internal/domain/prompt"
	"maia/internal/domain/retrieval"
	"maia/internal/provider"
)

const testSecret = "test-secret"

// stageLLM 按 prompt 首词给出固定补全
type stageLLM struct {
	mu      sync.Mutex
	prompts []string
}

func (s *stageLLM) Complete(_ context.Context, p string, _ ...provider.CallOption) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
	switch {
	case strings.TrimSpace(p) == "EXTRACT":
		return "", nil
	case strings.HasPrefix(p, "CLARIFY"):
		return "Sorry, could you say that again?", nil
	case strings.HasPrefix(p, "EXTRACT"):
		return "#Knowledge\n- User likes tea.\n#Query\nWhat does the user like?", nil
	case strings.HasPrefix(p, "RETRIEVE"):
		return "The user likes green tea.", nil
	case strings.HasPrefix(p, "REASON"):
		return "They like green tea.", nil
	case strings.HasPrefix(p, "GENERATE"):
		return "You like green tea!", nil
	case strings.HasPrefix(p, "SUMMARIZE"):
		return "#Summary\n- User likes green tea.", nil
	default:
		return "Nice to meet you.", nil
	}
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(_ context.Context, audio []byte, format string) (string, error) {
	return "spoken " + format + " " + string(audio), nil
}

type testServer struct {
	handler http.Handler
	repo    *study.MemoryRepository
	llm     *stageLLM
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()
	templates, err := prompt.LoadFS(fstest.MapFS{
		"extractor.txt":  {Data: []byte("EXTRACT {input}")},
		"retriever.txt":  {Data: []byte("RETRIEVE {query} {history}")},
		"reasoner.txt":   {Data: []byte("REASON {knowledge} {query}")},
		"generator.txt":  {Data: []byte("GENERATE {conclusion} {query}")},
		"summarizer.txt": {Data: []byte("SUMMARIZE {history}")},
		"clarifier.txt":  {Data: []byte("CLARIFY {input}")},
	})
	if err != nil {
		t.Fatal(err)
	}

	llm := &stageLLM{}
	repo := study.NewMemoryRepository()
	registry := conversation.NewRegistry(conversation.Deps{
		LLM:       llm,
		Templates: templates,
		Retriever: retrieval.NewRetriever(retrieval.NewHashingEmbedder(64), 3),
		Store:     memory.NewMemoryStore(),
		Sink:      repo,
	}, conversation.DefaultOptions())
	base := conversation.NewBasePrompter(llm, conversation.DefaultBaselineTemperature, repo)
	pipeline := study.NewPipeline(base, registry, stubTranscriber{}, study.PipelineConfig{})

	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}
	return &testServer{handler: NewServer(cfg, pipeline, repo).Handler(), repo: repo, llm: llm}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// do 以 sub=participant 身份发送请求，返回状态码与 data 字段
func (ts *testServer) do(t *testing.T, participant string, claims jwt.MapClaims, method, path, contentType string, body []byte) (int, json.RawMessage) {
	t.Helper()
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = participant

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", rr.Body.String(), err)
	}
	if env.Code != rr.Code {
		t.Fatalf("envelope code %d != status %d", env.Code, rr.Code)
	}
	return rr.Code, env.Data
}

func (ts *testServer) postJSON(t *testing.T, participant, path, body string) (int, json.RawMessage) {
	return ts.do(t, participant, nil, http.MethodPost, path, "application/json", []byte(body))
}

func TestTurnEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantReply string
		wantArm   conversation.Arm
	}{
		{"augmented by default", `{"text":"I love green tea"}`, http.StatusOK, "You like green tea!", conversation.ArmAugmented},
		{"baseline arm", `{"text":"hi","arm":"baseline"}`, http.StatusOK, "Nice to meet you.", conversation.ArmBaseline},
		{"empty text is clarified", `{"text":""}`, http.StatusOK, "Sorry, could you say that again?", conversation.ArmAugmented},
		{"unknown arm", `{"text":"hi","arm":"control"}`, http.StatusBadRequest, "", ""},
		{"unknown field", `{"text":"hi","mood":"happy"}`, http.StatusBadRequest, "", ""},
		{"not json", `hello`, http.StatusBadRequest, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := ts.postJSON(t, "alice", "/api/v1/conversations/alice/turns", tt.body)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp turnResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Reply.Text != tt.wantReply || resp.Reply.Arm != tt.wantArm || resp.Reply.Failed {
				t.Fatalf("reply = %+v", resp.Reply)
			}
		})
	}
}

func TestTurnGrowsMemory(t *testing.T) {
	ts := newTestServer(t, nil)
	if code, _ := ts.postJSON(t, "alice", "/api/v1/conversations/alice/turns", `{"text":"I love green tea"}`); code != http.StatusOK {
		t.Fatalf("turn status = %d", code)
	}

	code, data := ts.do(t, "alice", nil, http.MethodGet, "/api/v1/conversations/alice/memory", "", nil)
	if code != http.StatusOK {
		t.Fatalf("memory status = %d", code)
	}
	var sess memory.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatal(err)
	}
	if len(sess.History) != 2 || len(sess.Summaries) != 1 || sess.Summaries[0] != "User likes green tea." {
		t.Fatalf("session = %+v", sess)
	}
}

func TestPairwiseAndJudgmentFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	code, data := ts.postJSON(t, "alice", "/api/v1/conversations/alice/pairwise", `{"text":"What do I like?","criterion":"overall"}`)
	if code != http.StatusOK {
		t.Fatalf("pairwise status = %d", code)
	}
	var resp pairwiseResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result.Replies) != 2 || resp.Judgment == nil || resp.Judgment.Preferred != study.PreferNone {
		t.Fatalf("pairwise response = %+v", resp)
	}

	j := resp.Judgment
	verdict, _ := json.Marshal(map[string]string{
		"id":        j.ID,
		"utterance": j.Utterance,
		"reply_a":   j.ReplyA,
		"reply_b":   j.ReplyB,
		"arm_a":     string(j.ArmA),
		"arm_b":     string(j.ArmB),
		"preferred": "b",
		"criterion": "overall",
	})
	if code, _ := ts.postJSON(t, "alice", "/api/v1/evaluations/pairwise", string(verdict)); code != http.StatusCreated {
		t.Fatalf("judgment status = %d", code)
	}

	code, data = ts.do(t, "alice", nil, http.MethodGet, "/api/v1/evaluations", "", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	var list evaluationList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Pairwise) != 1 || list.Pairwise[0].Preferred != study.PreferB {
		t.Fatalf("pairwise = %+v", list.Pairwise)
	}
	if list.Tally.Wins[j.ArmB] != 1 {
		t.Fatalf("tally = %+v", list.Tally)
	}
}

func TestLikertValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"arm":"augmented","criterion":"coherence","score":4,"turn_id":"t1"}`, http.StatusCreated},
		{"score too high", `{"arm":"augmented","criterion":"coherence","score":6}`, http.StatusBadRequest},
		{"fractional score", `{"arm":"augmented","criterion":"coherence","score":3.5}`, http.StatusBadRequest},
		{"missing criterion", `{"arm":"augmented","score":3}`, http.StatusBadRequest},
		{"bad arm", `{"arm":"both","criterion":"x","score":3}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := ts.postJSON(t, "alice", "/api/v1/evaluations/likert", tt.body)
			if code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}

	got, _ := ts.repo.ListLikert(context.Background(), study.Filter{})
	if len(got) != 1 || got[0].ParticipantID != "alice" || got[0].Score != 4 {
		t.Fatalf("stored = %+v", got)
	}
}

func TestListEvaluationsScope(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, pid := range []string{"alice", "bob"} {
		if code, _ := ts.postJSON(t, pid, "/api/v1/evaluations/likert", `{"arm":"baseline","criterion":"c","score":3}`); code != http.StatusCreated {
			t.Fatalf("seed likert for %s: %d", pid, code)
		}
	}

	tests := []struct {
		name   string
		claims jwt.MapClaims
		query  string
		code   int
		count  int
	}{
		{"own only", nil, "", http.StatusOK, 1},
		{"other participant forbidden", nil, "?participant_id=bob", http.StatusForbidden, 0},
		{"researcher sees other", jwt.MapClaims{"roles": []string{RoleResearcher}}, "?participant_id=bob", http.StatusOK, 1},
		{"researcher sees all", jwt.MapClaims{"roles": []string{RoleResearcher}}, "?participant_id=", http.StatusOK, 2},
		{"bad limit", nil, "?limit=x", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := ts.do(t, "alice", tt.claims, http.MethodGet, "/api/v1/evaluations"+tt.query, "", nil)
			if code != tt.code {
				t.Fatalf("status = %d, want %d", code, tt.code)
			}
			if code != http.StatusOK {
				return
			}
			var list evaluationList
			if err := json.Unmarshal(data, &list); err != nil {
				t.Fatal(err)
			}
			if len(list.Likert) != tt.count {
				t.Fatalf("likert = %d, want %d", len(list.Likert), tt.count)
			}
		})
	}
}

func TestAddMemoryAndReset(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.postJSON(t, "alice", "/api/v1/conversations/alice/memory", `{"facts":["User has a cat named Miso.",""]}`)
	if code != http.StatusBadRequest {
		t.Fatalf("blank fact should fail schema validation, got %d", code)
	}
	code, _ = ts.postJSON(t, "alice", "/api/v1/conversations/alice/memory", `{"facts":["User has a cat named Miso."]}`)
	if code != http.StatusCreated {
		t.Fatalf("add memory status = %d", code)
	}

	code, _ = ts.do(t, "alice", nil, http.MethodDelete, "/api/v1/conversations/alice", "", nil)
	if code != http.StatusOK {
		t.Fatalf("reset status = %d", code)
	}
	_, data := ts.do(t, "alice", nil, http.MethodGet, "/api/v1/conversations/alice/memory", "", nil)
	var sess memory.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatal(err)
	}
	if len(sess.Summaries) != 0 || len(sess.History) != 0 {
		t.Fatalf("session after reset = %+v", sess)
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte, extra map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	for k, v := range extra {
		mw.WriteField(k, v)
	}
	mw.Close()
	return buf.Bytes(), mw.FormDataContentType()
}

func TestSeedDocument(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		filename string
		content  string
		want     int
		facts    int
	}{
		{"markdown", "persona.md", "# Persona\n\n- Lives in Lisbon.\n- Works as a nurse.\n", http.StatusCreated, 3},
		{"unsupported", "persona.xlsx", "binary", http.StatusUnsupportedMediaType, 0},
		{"empty", "empty.txt", "   \n", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, "file", tt.filename, []byte(tt.content), nil)
			code, data := ts.do(t, "alice", nil, http.MethodPost, "/api/v1/conversations/alice/memory/seed", ct, body)
			if code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
			if code != http.StatusCreated {
				return
			}
			var resp struct {
				Facts int `json:"facts"`
			}
			json.Unmarshal(data, &resp)
			if resp.Facts != tt.facts {
				t.Fatalf("facts = %d, want %d", resp.Facts, tt.facts)
			}
		})
	}
}

func TestSpeechEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartBody(t, "audio", "clip.wav", []byte("hello"), nil)
	code, data := ts.do(t, "alice", nil, http.MethodPost, "/api/v1/conversations/alice/speech", ct, body)
	if code != http.StatusOK {
		t.Fatalf("speech status = %d", code)
	}
	var resp pairwiseResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Transcript != "spoken wav hello" {
		t.Fatalf("transcript = %q", resp.Result.Transcript)
	}

	code, _ = ts.do(t, "alice", nil, http.MethodPost, "/api/v1/conversations/alice/speech", "application/json", []byte(`{}`))
	if code != http.StatusBadRequest {
		t.Fatalf("non-multipart speech status = %d", code)
	}
}
