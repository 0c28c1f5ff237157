package conversation

import (
	"context"
	"errors"
	"fmt"

	"maia/internal/domain/memory"
	"maia/internal/domain/prompt"
	"maia/internal/provider"
)

// ApologyMessage 回合失败时返回给用户的固定文案
const ApologyMessage = "Sorry, something went wrong while I was thinking about that. Please try again, or reset the conversation."

// Stage 流水线阶段
type Stage string

const (
	StageExtract     Stage = "extract"
	StageClarify     Stage = "clarify"
	StageRetrieve    Stage = "retrieve"
	StageReason      Stage = "reason"
	StageGenerate    Stage = "generate"
	StageSummarize   Stage = "summarize"
	StageDeduplicate Stage = "deduplicate"
	StageCommit      Stage = "commit"
	StageBackoff     Stage = "backoff"
)

// ErrorKind 失败类别
type ErrorKind int

const (
	// KindTransient 可重试
	KindTransient ErrorKind = iota
	// KindFatal 立即放弃本回合
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// ErrEmptyCompletion 阶段拿到空补全
var ErrEmptyCompletion = errors.New("empty completion")

// StageError 带阶段与类别的失败
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageErr 包装并分类错误
func stageErr(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, prompt.ErrMissingVariable),
		errors.Is(err, prompt.ErrUnknownTemplate),
		errors.Is(err, prompt.ErrMalformedTemplate):
		return KindFatal
	case errors.Is(err, context.Canceled):
		return KindFatal
	case errors.Is(err, memory.ErrVersionConflict):
		return KindTransient
	case !provider.IsRetryable(err):
		return KindFatal
	default:
		return KindTransient
	}
}
