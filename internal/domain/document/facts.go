package document

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxFactRunes 单条事实最大字符数
const DefaultMaxFactRunes = 280

var (
	reBullet       = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	reSentenceEnd  = regexp.MustCompile(`([.!?。！？])\s+`)
	sentenceMarker = "\x00"
)

// SplitFacts 把文本拆成适合写入记忆的事实行：按行拆分，去掉列表符号，
// 超长行再按句子拆，仍超长的硬切。空行与重复行被丢弃。
func SplitFacts(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxFactRunes
	}

	var facts []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		facts = append(facts, s)
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(reBullet.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxRunes {
			add(line)
			continue
		}
		for _, sentence := range splitSentences(line) {
			for _, part := range hardSplit(sentence, maxRunes) {
				add(part)
			}
		}
	}
	return facts
}

func splitSentences(line string) []string {
	marked := reSentenceEnd.ReplaceAllString(line, "$1"+sentenceMarker)
	return strings.Split(marked, sentenceMarker)
}

func hardSplit(s string, maxRunes int) []string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= maxRunes {
		return []string{string(runes)}
	}
	var parts []string
	for i := 0; i < len(runes); i += maxRunes {
		end := i + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}
