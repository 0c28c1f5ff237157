package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Template 带 {name} 占位符的提示词模板；{{ 与 }} 表示字面量花括号。
type Template struct {
	Name         string
	Text         string
	placeholders map[string]struct{}
}

// ParseTemplate 解析并校验模板
func ParseTemplate(name, text string) (*Template, error) {
	t := &Template{Name: name, Text: text, placeholders: make(map[string]struct{})}
	err := scan(text, func(literal string) {}, func(field string) error {
		t.placeholders[field] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	return t, nil
}

// Placeholders 返回模板引用的占位符（排序后）
func (t *Template) Placeholders() []string {
	out := make([]string, 0, len(t.placeholders))
	for p := range t.placeholders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Uses 判断模板是否引用了占位符
func (t *Template) Uses(name string) bool {
	_, ok := t.placeholders[name]
	return ok
}

// Render 代入变量。未提供的占位符返回 ErrMissingVariable，多余变量忽略。
func (t *Template) Render(vars map[string]string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(t.Text))
	err := scan(t.Text, func(literal string) {
		sb.WriteString(literal)
	}, func(field string) error {
		v, ok := vars[field]
		if !ok {
			return fmt.Errorf("%w: {%s} in %q", ErrMissingVariable, field, t.Name)
		}
		sb.WriteString(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func scan(text string, onLiteral func(string), onField func(string) error) error {
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				onLiteral(text[start:i] + "{")
				i++
				start = i + 1
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return fmt.Errorf("%w: unclosed '{' at offset %d", ErrMalformedTemplate, i)
			}
			field := text[i+1 : i+1+end]
			if !validField(field) {
				return fmt.Errorf("%w: invalid placeholder {%s} at offset %d", ErrMalformedTemplate, field, i)
			}
			onLiteral(text[start:i])
			if err := onField(field); err != nil {
				return err
			}
			i += end + 1
			start = i + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				onLiteral(text[start:i] + "}")
				i++
				start = i + 1
				continue
			}
			return fmt.Errorf("%w: unmatched '}' at offset %d", ErrMalformedTemplate, i)
		}
	}
	onLiteral(text[start:])
	return nil
}

func validField(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
