package deepseek

import (
	"context"
	"errors"
	"fmt"
	"strings"

	deepseek "github.com/cohesion-org/deepseek-go"

	"maia/internal/provider"
)

// deepseek-go 的 temperature 字段带 omitempty，显式 0 会被丢弃，用极小值代替。
const nearGreedyTemperature = 0.01

// Config DeepSeek 后端配置
type Config struct {
	APIKey  string
	BaseURL string // 可选，兼容网关地址
}

// Provider DeepSeek 补全后端
type Provider struct {
	client *deepseek.Client
}

// New 创建 DeepSeek 后端
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}
	var client *deepseek.Client
	if cfg.BaseURL != "" {
		client = deepseek.NewClient(cfg.APIKey, strings.TrimRight(cfg.BaseURL, "/")+"/")
	} else {
		client = deepseek.NewClient(cfg.APIKey)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Backend() provider.Backend {
	return provider.BackendDeepSeek
}

// Complete 非流式补全
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	messages := make([]deepseek.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = deepseek.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	model := req.Model
	if model == "" {
		model = deepseek.DeepSeekChat
	}

	dsReq := &deepseek.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		if t == 0 {
			t = nearGreedyTemperature
		}
		dsReq.Temperature = t
	}

	resp, err := p.client.CreateChatCompletion(ctx, dsReq)
	if err != nil {
		var apiErr *deepseek.APIError
		if errors.As(err, &apiErr) {
			return nil, &provider.APIError{
				Backend:    provider.BackendDeepSeek,
				StatusCode: apiErr.StatusCode,
				Message:    apiErr.Message,
			}
		}
		return nil, fmt.Errorf("deepseek chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response: %w", provider.ErrEmptyCompletion)
	}

	choice := resp.Choices[0]
	return &provider.CompletionResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
