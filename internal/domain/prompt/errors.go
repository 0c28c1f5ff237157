package prompt

import "errors"

var (
	// ErrTemplateLoad 模板目录缺失、不可读或模板不完整，进程不应继续启动。
	ErrTemplateLoad      = errors.New("prompt template load failed")
	ErrMalformedTemplate = errors.New("malformed template")
	ErrMissingVariable   = errors.New("missing template variable")
	ErrUnknownTemplate   = errors.New("unknown template")
)
