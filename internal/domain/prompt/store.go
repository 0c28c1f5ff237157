package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	applog "maia/internal/platform/log"
)

// 流水线使用的模板名
const (
	KeyExtractor    = "extractor"
	KeyRetriever    = "retriever"
	KeyReasoner     = "reasoner"
	KeyGenerator    = "generator"
	KeySummarizer   = "summarizer"
	KeyClarifier    = "clarifier"
	KeyDeduplicator = "deduplicator"
)

type placeholderRule struct {
	required []string
	allowed  []string
}

var rules = map[string]placeholderRule{
	KeyExtractor:    {required: []string{"input"}, allowed: []string{"input", "examples"}},
	KeyRetriever:    {required: []string{"query"}, allowed: []string{"query", "history"}},
	KeyReasoner:     {required: []string{"knowledge", "query"}, allowed: []string{"knowledge", "query", "examples"}},
	KeyGenerator:    {required: []string{"conclusion", "query"}, allowed: []string{"conclusion", "query"}},
	KeySummarizer:   {required: []string{"history"}, allowed: []string{"history"}},
	KeyClarifier:    {required: []string{"input"}, allowed: []string{"input", "examples"}},
	KeyDeduplicator: {required: []string{"memories", "summaries"}, allowed: []string{"memories", "summaries"}},
}

// RequiredKeys 启动必须存在的模板
var RequiredKeys = []string{KeyExtractor, KeyRetriever, KeyReasoner, KeyGenerator, KeySummarizer, KeyClarifier}

const examplesFile = "examples.yaml"

// Store 启动时一次性加载的只读模板集合，可在会话间无锁共享。
type Store struct {
	templates map[string]*Template
	examples  map[string][]string
}

// Load 从目录加载模板
func Load(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: prompts dir %q: %v", ErrTemplateLoad, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: prompts dir %q is not a directory", ErrTemplateLoad, dir)
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS 从文件系统加载 **/*.txt 模板，键为去掉扩展名的文件名。
func LoadFS(fsys fs.FS) (*Store, error) {
	paths, err := doublestar.Glob(fsys, "**/*.txt")
	if err != nil {
		return nil, fmt.Errorf("%w: glob templates: %v", ErrTemplateLoad, err)
	}
	sort.Strings(paths)

	s := &Store{
		templates: make(map[string]*Template, len(paths)),
		examples:  make(map[string][]string),
	}
	for _, p := range paths {
		name := strings.TrimSuffix(path.Base(p), path.Ext(p))
		if _, dup := s.templates[name]; dup {
			return nil, fmt.Errorf("%w: duplicate template %q (%s)", ErrTemplateLoad, name, p)
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrTemplateLoad, p, err)
		}
		tmpl, err := ParseTemplate(name, string(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTemplateLoad, err)
		}
		s.templates[name] = tmpl
	}

	if err := s.loadExamples(fsys); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	applog.Info("[Prompt/Store] ✅ Templates loaded", "count", len(s.templates), "names", strings.Join(s.Names(), ","))
	return s, nil
}

func (s *Store) loadExamples(fsys fs.FS) error {
	data, err := fs.ReadFile(fsys, examplesFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTemplateLoad, examplesFile, err)
	}
	if err := yaml.Unmarshal(data, &s.examples); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrTemplateLoad, examplesFile, err)
	}
	return nil
}

func (s *Store) validate() error {
	var problems []string
	for _, key := range RequiredKeys {
		if _, ok := s.templates[key]; !ok {
			problems = append(problems, fmt.Sprintf("missing template %q", key))
		}
	}
	for name, tmpl := range s.templates {
		rule, ok := rules[name]
		if !ok {
			continue
		}
		for _, p := range rule.required {
			if !tmpl.Uses(p) {
				problems = append(problems, fmt.Sprintf("%s: missing placeholder {%s}", name, p))
			}
		}
		for _, p := range tmpl.Placeholders() {
			if !contains(rule.allowed, p) {
				problems = append(problems, fmt.Sprintf("%s: unknown placeholder {%s}", name, p))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrTemplateLoad, strings.Join(problems, "; "))
	}
	return nil
}

// Has 判断模板是否存在
func (s *Store) Has(name string) bool {
	_, ok := s.templates[name]
	return ok
}

// Get 获取模板
func (s *Store) Get(name string) (*Template, bool) {
	t, ok := s.templates[name]
	return t, ok
}

// Names 返回全部模板名（排序）
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.templates))
	for n := range s.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Examples 返回模板的前 n 条 few-shot 示例，以换行拼接；n <= 0 返回全部。
func (s *Store) Examples(name string, n int) string {
	ex := s.examples[name]
	if n > 0 && n < len(ex) {
		ex = ex[:n]
	}
	return strings.Join(ex, "\n")
}

// Render 渲染模板
func (s *Store) Render(name string, vars map[string]string) (string, error) {
	t, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return t.Render(vars)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
