package prompt

import (
	"regexp"
	"strings"
	"sync"
)

// Section 从补全文本中解析出的带标题段落。
//
// 标题支持四种写法：`#Title\n`、`#Title:`、`Title:`、`Title\n`（大小写不敏感，
// 允许多个 #）。内容从第一个匹配的标题开始，到下一个 '#' 或文本结束为止。
// 内容以 "- " 或 "* " 开头时按行拆成列表，否则作为单个字符串。
type Section struct {
	Found  bool
	IsList bool
	Items  []string
	Text   string
}

// List 返回列表形式：列表原样返回，单个字符串包装为一个元素，缺失为 nil。
func (s Section) List() []string {
	if s.IsList {
		return append([]string(nil), s.Items...)
	}
	if s.Text == "" {
		return nil
	}
	return []string{s.Text}
}

// First 返回第一个值
func (s Section) First() string {
	if s.IsList {
		if len(s.Items) == 0 {
			return ""
		}
		return s.Items[0]
	}
	return s.Text
}

var headerCache sync.Map // title -> *regexp.Regexp

func headerPattern(title string) *regexp.Regexp {
	key := strings.ToLower(title)
	if re, ok := headerCache.Load(key); ok {
		return re.(*regexp.Regexp)
	}
	t := regexp.QuoteMeta(strings.TrimSpace(title))
	re := regexp.MustCompile(`(?im)#+[ \t]*` + t + `[ \t]*(?::|\r?\n|\z)|^[ \t]*` + t + `[ \t]*(?::|\r?\n|\z)`)
	headerCache.Store(key, re)
	return re
}

// ParseSection 解析指定标题的段落。标题缺失时返回零值，不报错。
func ParseSection(completion, title string) Section {
	if strings.TrimSpace(title) == "" {
		return Section{}
	}
	loc := headerPattern(title).FindStringIndex(completion)
	if loc == nil {
		return Section{}
	}

	rest := completion[loc[1]:]
	if end := strings.IndexByte(rest, '#'); end >= 0 {
		rest = rest[:end]
	}
	content := strings.TrimSpace(rest)

	if !isBullet(content) {
		return Section{Found: true, Text: content}
	}

	var items []string
	for _, line := range strings.Split(content, "\n") {
		item := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
		if item != "" {
			items = append(items, item)
		}
	}
	return Section{Found: true, IsList: true, Items: items}
}

func isBullet(s string) bool {
	return strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ")
}
