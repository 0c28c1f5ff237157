package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrProviderNotFound = errors.New("llm provider not found")
	ErrEmptyCompletion  = errors.New("empty completion")
	ErrCallTimeout      = errors.New("llm call timed out")
)

// APIError 后端返回的 HTTP 错误
type APIError struct {
	Backend    Backend
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Backend, e.StatusCode, e.Message)
}

// Retryable 408/409/429/5xx 可重试，其余 4xx 视为请求本身有问题。
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusConflict,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode >= 400:
		return false
	default:
		return true
	}
}

// IsRetryable 判断一次补全失败是否值得重试。未知错误默认可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCallTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
