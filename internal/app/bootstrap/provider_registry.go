package bootstrap

import (
	"fmt"
	"time"

	"maia/internal/adapter/provider/llm/anthropic"
	"maia/internal/adapter/provider/llm/deepseek"
	"maia/internal/adapter/provider/llm/openai"
	"maia/internal/platform/config"
	applog "maia/internal/platform/log"
	"maia/internal/provider"
)

// RegisterLLMProviders 按配置注册补全后端。后端在启动时确定一次。
func RegisterLLMProviders(reg *provider.Registry, cfg config.LLMConfig) (provider.Backend, error) {
	backend, err := provider.ParseBackend(cfg.Backend)
	if err != nil {
		return "", err
	}
	if cfg.APIKey == "" {
		applog.Warn("⚠️  No LLM_API_KEY set, completions will fail", "backend", backend)
	}

	switch backend {
	case provider.BackendOpenAI:
		reg.Register(openai.New(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}))
	case provider.BackendAnthropic:
		p, err := anthropic.New(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
		if err != nil {
			return "", fmt.Errorf("anthropic backend: %w", err)
		}
		reg.Register(p)
	case provider.BackendDeepSeek:
		p, err := deepseek.New(deepseek.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
		if err != nil {
			return "", fmt.Errorf("deepseek backend: %w", err)
		}
		reg.Register(p)
	}
	applog.Infof("✅ Registered LLM provider: %s (model: %s)", backend, cfg.Model)
	return backend, nil
}

// NewCompletionClient 构建流水线使用的补全客户端（限流与单次超时）
func NewCompletionClient(cfg config.LLMConfig) (*provider.Client, error) {
	reg := provider.NewRegistry()
	backend, err := RegisterLLMProviders(reg, cfg)
	if err != nil {
		return nil, err
	}
	p, err := reg.Get(backend)
	if err != nil {
		return nil, err
	}
	return provider.NewClient(p, provider.ClientConfig{
		Model:          cfg.Model,
		MaxTokens:      cfg.MaxTokens,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CallTimeout:    time.Duration(cfg.CallTimeoutSeconds) * time.Second,
	}), nil
}
