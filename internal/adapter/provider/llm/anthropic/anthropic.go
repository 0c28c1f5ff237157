package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"maia/internal/provider"
)

const defaultMaxTokens = 1024

// Config Anthropic 后端配置
type Config struct {
	APIKey  string
	BaseURL string // 可选，代理地址
}

// Provider Anthropic Messages API 后端
type Provider struct {
	client *anthropic.Client
}

// New 创建 Anthropic 后端
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	// 重试由上层负责
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{client: anthropic.NewClient(opts...)}, nil
}

func (p *Provider) Backend() provider.Backend {
	return provider.BackendAnthropic
}

// Complete 非流式补全；system 消息合并进 System 参数。
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(m.Content),
			})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(req.Model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.F(*req.Temperature)
	}
	if len(system) > 0 {
		params.System = anthropic.F(system)
	}
	remote, local := splitStops(req.Stop)
	if len(remote) > 0 {
		params.StopSequences = anthropic.F(remote)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &provider.APIError{
				Backend:    provider.BackendAnthropic,
				StatusCode: apiErr.StatusCode,
				Message:    apiErr.Error(),
			}
		}
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsUnion().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	if len(msg.Content) == 0 {
		return nil, fmt.Errorf("anthropic returned no content: %w", provider.ErrEmptyCompletion)
	}

	return &provider.CompletionResponse{
		Content:      cutAtStop(sb.String(), local),
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: provider.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// splitStops Messages API 拒绝纯空白的 stop sequence，这类停止串改为在本地截断。
func splitStops(stops []string) (remote, local []string) {
	for _, s := range stops {
		if s == "" {
			continue
		}
		if strings.TrimSpace(s) == "" {
			local = append(local, s)
		} else {
			remote = append(remote, s)
		}
	}
	return remote, local
}

// cutAtStop 在最早出现的停止串处截断
func cutAtStop(text string, stops []string) string {
	end := len(text)
	for _, s := range stops {
		if i := strings.Index(text, s); i >= 0 && i < end {
			end = i
		}
	}
	return text[:end]
}
