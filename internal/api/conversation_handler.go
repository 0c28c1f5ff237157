package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"maia/internal/adapter/speech/tencent"
	"maia/internal/app/study"
	"maia/internal/domain/conversation"
	"maia/internal/domain/document"
	"maia/internal/domain/memory"
	applog "maia/internal/platform/log"
)

// ConversationHandler 参与者对话 API
type ConversationHandler struct {
	pipeline    *study.Pipeline
	repo        study.Repository
	parsers     *document.ParserRegistry
	turnTimeout time.Duration
	maxUploadMB int
}

// NewConversationHandler 创建处理器
func NewConversationHandler(pipeline *study.Pipeline, repo study.Repository, turnTimeout time.Duration, maxUploadMB int) *ConversationHandler {
	if turnTimeout <= 0 {
		turnTimeout = 2 * time.Minute
	}
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	return &ConversationHandler{
		pipeline:    pipeline,
		repo:        repo,
		parsers:     document.NewParserRegistry(),
		turnTimeout: turnTimeout,
		maxUploadMB: maxUploadMB,
	}
}

// RegisterRoutes 注册路由，调用方须已挂载 authMiddleware
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/conversations/{participant_id}", func(r chi.Router) {
		r.Use(participantGuard)
		r.Post("/turns", h.Turn)
		r.Post("/pairwise", h.Pairwise)
		r.Post("/speech", h.Speech)
		r.Get("/memory", h.GetMemory)
		r.Post("/memory", h.AddMemory)
		r.Post("/memory/seed", h.SeedDocument)
		r.Delete("/", h.Reset)
		r.Post("/close", h.Close)
	})
}

type turnRequest struct {
	Text string `json:"text"`
	Arm  string `json:"arm"`
}

type turnResponse struct {
	Transcript string              `json:"transcript"`
	Reply      *conversation.Reply `json:"reply"`
}

// Turn 单个对照组回答一句话（默认增强组）
func (h *ConversationHandler) Turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeValidated(w, r, turnSchema, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	arm := conversation.ArmAugmented
	if req.Arm != "" {
		parsed, err := conversation.ParseArm(req.Arm)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		arm = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.turnTimeout)
	defer cancel()

	pid := chi.URLParam(r, "participant_id")
	transcript, reply, err := h.pipeline.Respond(ctx, pid, arm, study.Input{Text: req.Text})
	if err != nil {
		writeStudyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &turnResponse{Transcript: transcript, Reply: reply})
}

type pairwiseTurnRequest struct {
	Text      string `json:"text"`
	Criterion string `json:"criterion"`
}

type pairwiseResponse struct {
	Result   *study.PairwiseResult   `json:"result"`
	Judgment *study.PairwiseJudgment `json:"judgment"`
}

// Pairwise 各对照组回答同一句话，并生成待评判记录
func (h *ConversationHandler) Pairwise(w http.ResponseWriter, r *http.Request) {
	var req pairwiseTurnRequest
	if err := decodeValidated(w, r, pairwiseTurnSchema, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	h.runPairwise(w, r, study.Input{Text: req.Text}, req.Criterion)
}

// Speech 语音输入：multipart 字段 audio（文件）与 format（可选，默认取扩展名）
func (h *ConversationHandler) Speech(w http.ResponseWriter, r *http.Request) {
	limitBytes := int64(h.maxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limitBytes+(1<<20))
	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio field is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, limitBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audio")
		return
	}
	if int64(len(audio)) > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds limit (%dMB)", h.maxUploadMB))
		return
	}

	format := strings.TrimSpace(r.FormValue("format"))
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	}
	h.runPairwise(w, r, study.Input{Audio: audio, Format: format}, r.FormValue("criterion"))
}

func (h *ConversationHandler) runPairwise(w http.ResponseWriter, r *http.Request, in study.Input, criterion string) {
	ctx, cancel := context.WithTimeout(r.Context(), h.turnTimeout)
	defer cancel()

	pid := chi.URLParam(r, "participant_id")
	res, err := h.pipeline.Run(ctx, pid, in)
	if err != nil {
		writeStudyError(w, err)
		return
	}

	resp := &pairwiseResponse{Result: res}
	if len(res.Order) == 2 {
		j, err := res.Judgment(criterion)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := h.repo.SavePairwise(r.Context(), j); err != nil {
			applog.Error("[API/Conversation] Save pending judgment failed", "participant_id", pid, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to store pairwise judgment")
			return
		}
		resp.Judgment = j
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMemory 返回当前会话（历史与摘要）
func (h *ConversationHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipeline.Registry().Get(r.Context(), chi.URLParam(r, "participant_id"))
	if err != nil {
		writeStudyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

type factsRequest struct {
	Facts []string `json:"facts"`
}

// AddMemory 直接追加事实到摘要记忆
func (h *ConversationHandler) AddMemory(w http.ResponseWriter, r *http.Request) {
	var req factsRequest
	if err := decodeValidated(w, r, factsSchema, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	h.seed(w, r, req.Facts)
}

// SeedDocument 上传文档（txt/md/pdf/docx），拆分为事实后写入记忆
func (h *ConversationHandler) SeedDocument(w http.ResponseWriter, r *http.Request) {
	limitBytes := int64(h.maxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limitBytes+(1<<20))
	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxUploadMB))
		return
	}

	parsed, err := h.parsers.Parse(file, header.Filename)
	if err != nil {
		if errors.Is(err, document.ErrUnsupportedType) {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		applog.Error("[API/Conversation] Document parse failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusUnprocessableEntity, "failed to parse document")
		return
	}

	facts := document.SplitFacts(parsed.Text, document.DefaultMaxFactRunes)
	if len(facts) == 0 {
		writeError(w, http.StatusBadRequest, "no text content extracted from file")
		return
	}
	h.seed(w, r, facts)
}

func (h *ConversationHandler) seed(w http.ResponseWriter, r *http.Request, facts []string) {
	pid := chi.URLParam(r, "participant_id")
	p, err := h.pipeline.Registry().Get(r.Context(), pid)
	if err != nil {
		writeStudyError(w, err)
		return
	}
	if err := p.Seed(r.Context(), facts); err != nil {
		applog.Error("[API/Conversation] Seed failed", "participant_id", pid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to seed memory")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"facts":   len(facts),
		"session": p.Snapshot(),
	})
}

// Reset 清空参与者的会话
func (h *ConversationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "participant_id")
	if err := h.pipeline.Registry().Reset(r.Context(), pid); err != nil {
		writeStudyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"participant_id": pid, "status": "reset"})
}

// Close 释放内存中的会话，存储保留
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "participant_id")
	h.pipeline.Registry().Close(pid)
	writeJSON(w, http.StatusOK, map[string]string{"participant_id": pid, "status": "closed"})
}

// writeStudyError 领域错误到 HTTP 状态码
func writeStudyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, study.ErrUnknownArm),
		errors.Is(err, memory.ErrConversationIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tencent.ErrAudioTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, tencent.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, study.ErrNoTranscriber):
		writeError(w, http.StatusServiceUnavailable, "speech input is not configured")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "turn timed out")
	default:
		applog.Error("[API/Conversation] Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
