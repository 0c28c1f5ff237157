package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	applog "maia/internal/platform/log"
)

// CallOptions 单次补全参数
type CallOptions struct {
	Temperature *float64
	Stop        []string
	History     []Message
	MaxTokens   int
}

// CallOption 补全参数选项
type CallOption func(*CallOptions)

// WithTemperature 指定采样温度（0 同样会显式下发）
func WithTemperature(t float64) CallOption {
	return func(o *CallOptions) { o.Temperature = &t }
}

// WithStop 指定停止序列
func WithStop(stop ...string) CallOption {
	return func(o *CallOptions) { o.Stop = append(o.Stop, stop...) }
}

// WithHistory 在 prompt 之前附加对话历史
func WithHistory(msgs ...Message) CallOption {
	return func(o *CallOptions) { o.History = append(o.History, msgs...) }
}

// WithMaxTokens 覆盖默认最大输出长度
func WithMaxTokens(n int) CallOption {
	return func(o *CallOptions) { o.MaxTokens = n }
}

// ApplyCallOptions 合并选项
func ApplyCallOptions(opts ...CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ClientConfig 补全客户端配置
type ClientConfig struct {
	Model          string
	MaxTokens      int
	RateLimitRPS   float64 // <= 0 不限流
	RateLimitBurst int
	CallTimeout    time.Duration // <= 0 不设单次超时
}

// Client 面向流水线的补全客户端：prompt 进、文本出，附带限流与单次超时。
type Client struct {
	provider  LLMProvider
	model     string
	maxTokens int
	limiter   *rate.Limiter
	timeout   time.Duration
}

// NewClient 创建补全客户端
func NewClient(p LLMProvider, cfg ClientConfig) *Client {
	c := &Client{
		provider:  p,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.CallTimeout,
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return c
}

// Backend 返回当前后端
func (c *Client) Backend() Backend { return c.provider.Backend() }

// Model 返回模型名
func (c *Client) Model() string { return c.model }

// Complete 发送单条 user prompt（可附带历史），返回补全文本。
func (c *Client) Complete(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	o := ApplyCallOptions(opts...)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := make([]Message, 0, len(o.History)+1)
	messages = append(messages, o.History...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	maxTokens := c.maxTokens
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}

	start := time.Now()
	resp, err := c.provider.Complete(callCtx, &CompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: o.Temperature,
		MaxTokens:   maxTokens,
		Stop:        o.Stop,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %v", ErrCallTimeout, c.timeout, err)
		}
		return "", err
	}

	applog.Debug("[LLM/Client] Completion done",
		"backend", c.provider.Backend(),
		"model", c.model,
		"prompt_chars", len(prompt),
		"completion_chars", len(resp.Content),
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp.Content, nil
}
