package provider

import (
	"fmt"
	"strings"
)

// Backend 补全后端标识，启动时由配置确定一次。
type Backend string

const (
	BackendOpenAI    Backend = "openai"
	BackendAnthropic Backend = "anthropic"
	BackendDeepSeek  Backend = "deepseek"
)

// ParseBackend 解析后端名称
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendOpenAI, BackendAnthropic, BackendDeepSeek:
		return b, nil
	default:
		return "", fmt.Errorf("unknown LLM backend %q", name)
	}
}

func (b Backend) String() string { return string(b) }
