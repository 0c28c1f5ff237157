package bench

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidDialogue 基准对话格式错误
var ErrInvalidDialogue = errors.New("invalid benchmark dialogue")

// Dialogue 多会话基准中的一段对话。
// Persona 在第一个会话前写入记忆；Sessions 中每个会话是用户依次说出的话。
type Dialogue struct {
	ID       string     `json:"id"`
	Persona  []string   `json:"persona,omitempty"`
	Sessions [][]string `json:"sessions"`
}

// Turns 全部用户发言数
func (d *Dialogue) Turns() int {
	n := 0
	for _, s := range d.Sessions {
		n += len(s)
	}
	return n
}

func (d *Dialogue) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDialogue)
	}
	if d.Turns() == 0 {
		return fmt.Errorf("%w: %s has no utterances", ErrInvalidDialogue, d.ID)
	}
	return nil
}

// ReadDialogues 读取 JSONL，每行一段对话，空行与 # 开头的行忽略
func ReadDialogues(r io.Reader) ([]Dialogue, error) {
	var out []Dialogue
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var d Dialogue
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidDialogue, line, err)
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate id %q", ErrInvalidDialogue, line, d.ID)
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dialogues: %w", err)
	}
	return out, nil
}
