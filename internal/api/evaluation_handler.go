package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"maia/internal/app/study"
	"maia/internal/domain/conversation"
	applog "maia/internal/platform/log"
)

const defaultListLimit = 100

// EvaluationHandler Likert 与成对评判 API
type EvaluationHandler struct {
	repo study.Repository
}

// NewEvaluationHandler 创建处理器
func NewEvaluationHandler(repo study.Repository) *EvaluationHandler {
	return &EvaluationHandler{repo: repo}
}

// RegisterRoutes 注册路由
func (h *EvaluationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/evaluations", func(r chi.Router) {
		r.Post("/likert", h.SaveLikert)
		r.Post("/pairwise", h.SavePairwise)
		r.Get("/", h.List)
	})
}

type likertRequest struct {
	TurnID    string `json:"turn_id"`
	Arm       string `json:"arm"`
	Criterion string `json:"criterion"`
	Score     int    `json:"score"`
	Comment   string `json:"comment"`
}

// SaveLikert 参与者即 token 的 sub
func (h *EvaluationHandler) SaveLikert(w http.ResponseWriter, r *http.Request) {
	p, err := ParticipantFrom(r.Context())
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var req likertRequest
	if err := decodeValidated(w, r, likertSchema, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	rating := &study.LikertRating{
		ParticipantID: p.Subject,
		TurnID:        req.TurnID,
		Arm:           conversation.Arm(req.Arm),
		Criterion:     req.Criterion,
		Score:         req.Score,
		Comment:       req.Comment,
	}
	if err := h.repo.SaveLikert(r.Context(), rating); err != nil {
		writeEvaluationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

type pairwiseJudgmentRequest struct {
	ID        string `json:"id"`
	Utterance string `json:"utterance"`
	ReplyA    string `json:"reply_a"`
	ReplyB    string `json:"reply_b"`
	ArmA      string `json:"arm_a"`
	ArmB      string `json:"arm_b"`
	Preferred string `json:"preferred"`
	Criterion string `json:"criterion"`
	Comment   string `json:"comment"`
}

// SavePairwise 提交评判；带 id 时更新 /pairwise 回合生成的待评判记录
func (h *EvaluationHandler) SavePairwise(w http.ResponseWriter, r *http.Request) {
	p, err := ParticipantFrom(r.Context())
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var req pairwiseJudgmentRequest
	if err := decodeValidated(w, r, pairwiseJudgmentSchema, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	j := &study.PairwiseJudgment{
		ID:            req.ID,
		ParticipantID: p.Subject,
		Utterance:     req.Utterance,
		ReplyA:        req.ReplyA,
		ReplyB:        req.ReplyB,
		ArmA:          conversation.Arm(req.ArmA),
		ArmB:          conversation.Arm(req.ArmB),
		Preferred:     study.Preference(req.Preferred),
		Criterion:     req.Criterion,
		Comment:       req.Comment,
	}
	if err := h.repo.SavePairwise(r.Context(), j); err != nil {
		writeEvaluationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

type evaluationList struct {
	Likert   []study.LikertRating     `json:"likert"`
	Pairwise []study.PairwiseJudgment `json:"pairwise"`
	Tally    study.PairwiseTally      `json:"tally"`
}

// List 默认只返回自己的评价；researcher 角色可查询任意参与者（participant_id 为空表示全部）
func (h *EvaluationHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParticipantFrom(r.Context())
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	f := study.Filter{ParticipantID: p.Subject, Limit: defaultListLimit}
	q := r.URL.Query()
	if q.Has("participant_id") {
		if !p.HasRole(RoleResearcher) && q.Get("participant_id") != p.Subject {
			writeErrorCode(w, http.StatusForbidden, "forbidden_participant", "Only researchers can list other participants")
			return
		}
		f.ParticipantID = q.Get("participant_id")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	likert, err := h.repo.ListLikert(r.Context(), f)
	if err != nil {
		writeEvaluationError(w, err)
		return
	}
	pairwise, err := h.repo.ListPairwise(r.Context(), f)
	if err != nil {
		writeEvaluationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &evaluationList{
		Likert:   likert,
		Pairwise: pairwise,
		Tally:    study.Tally(pairwise),
	})
}

func writeEvaluationError(w http.ResponseWriter, err error) {
	if errors.Is(err, study.ErrInvalidEvaluation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applog.Error("[API/Evaluation] Repository error", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to access evaluations")
}
