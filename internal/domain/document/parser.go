package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "maia/internal/platform/log"
)

// ErrUnsupportedType 不支持的文件类型
var ErrUnsupportedType = errors.New("unsupported file type")

// Parsed 解析结果
type Parsed struct {
	Text   string `json:"text"`
	Format string `json:"format"`
	Pages  int    `json:"pages,omitempty"`
}

// Parser 文档解析器
type Parser interface {
	Parse(r io.Reader, filename string) (*Parsed, error)
	Extensions() []string
}

// ── Markdown ─────────────────────────────────────────────────

// MarkdownParser 去除 Markdown 标记，保留文字
type MarkdownParser struct{}

var (
	reMarkdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMarkdownCode   = regexp.MustCompile("```[\\s\\S]*?```")
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownLink   = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]+\)`)
	reHTMLTag        = regexp.MustCompile(`<[^>]+>`)
)

func (p *MarkdownParser) Extensions() []string { return []string{".md", ".markdown"} }

func (p *MarkdownParser) Parse(r io.Reader, _ string) (*Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	text := reMarkdownCode.ReplaceAllString(string(data), "")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownBold.ReplaceAllString(text, "$1")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reHTMLTag.ReplaceAllString(text, "")
	return &Parsed{Text: strings.TrimSpace(cleanExtraNewlines(text)), Format: "markdown"}, nil
}

// ── Plain text ───────────────────────────────────────────────

// PlainTextParser 纯文本
type PlainTextParser struct{}

func (p *PlainTextParser) Extensions() []string { return []string{".txt", ".text"} }

func (p *PlainTextParser) Parse(r io.Reader, _ string) (*Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	return &Parsed{Text: strings.TrimSpace(string(data)), Format: "text"}, nil
}

// ── PDF ──────────────────────────────────────────────────────

// PDFParser 逐页提取文本
type PDFParser struct{}

func (p *PDFParser) Extensions() []string { return []string{".pdf"} }

func (p *PDFParser) Parse(r io.Reader, filename string) (*Parsed, error) {
	// pdf 库需要 io.ReaderAt + size
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}
	pr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := pr.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := pr.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[Document/PDF] Failed to extract page text", "file", filename, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return &Parsed{Text: strings.TrimSpace(cleanExtraNewlines(sb.String())), Format: "pdf", Pages: pages}, nil
}

// ── DOCX ─────────────────────────────────────────────────────

// DOCXParser 提取 Word 段落文本
type DOCXParser struct{}

var reDocxParagraphEnd = regexp.MustCompile(`</w:p>`)

func (p *DOCXParser) Extensions() []string { return []string{".docx"} }

func (p *DOCXParser) Parse(r io.Reader, _ string) (*Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}
	dr, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer dr.Close()

	// GetContent 返回 document.xml，段落结束处换行后去标签
	xml := reDocxParagraphEnd.ReplaceAllString(dr.Editable().GetContent(), "\n")
	text := reHTMLTag.ReplaceAllString(xml, "")
	return &Parsed{Text: strings.TrimSpace(cleanExtraNewlines(text)), Format: "docx"}, nil
}

var reMultiNewlines = regexp.MustCompile(`\n{3,}`)

func cleanExtraNewlines(text string) string {
	return reMultiNewlines.ReplaceAllString(text, "\n\n")
}

// ── Registry ─────────────────────────────────────────────────

// ParserRegistry 按扩展名查找解析器，构建后只读
type ParserRegistry struct {
	parsers map[string]Parser
}

// NewParserRegistry 注册内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&MarkdownParser{}, &PlainTextParser{}, &PDFParser{}, &DOCXParser{}} {
		for _, ext := range p.Extensions() {
			r.parsers[ext] = p
		}
	}
	return r
}

// Parse 根据文件名选择解析器
func (r *ParserRegistry) Parse(rd io.Reader, filename string) (*Parsed, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	return p.Parse(rd, filename)
}

// Supports 是否支持该文件
func (r *ParserRegistry) Supports(filename string) bool {
	_, ok := r.parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}
