package redisdb

import (
	"testing"

	"maia/internal/domain/memory"
)

func TestSessionFieldsDecodeBack(t *testing.T) {
	sess := memory.NewSession("p1")
	sess.History = []memory.Turn{memory.NewTurn(memory.RoleUser, "I love tea.")}
	sess.Summaries = []string{"User loves tea."}
	sess.Version = 4

	fields, err := encodeSession(sess)
	if err != nil {
		t.Fatal(err)
	}
	vals := make(map[string]string, len(fields))
	for k, v := range fields {
		vals[k] = v.(string)
	}

	got, err := decodeSession("p1", vals)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 4 || len(got.History) != 1 || got.History[0].Content != "I love tea." || got.Summaries[0] != "User loves tea." {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestDecodeSessionEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		vals    map[string]string
		wantErr bool
	}{
		{"missing key is empty session", nil, false},
		{"bad version", map[string]string{"version": "x"}, true},
		{"bad history", map[string]string{"history": "{"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := decodeSession("p1", tt.vals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (sess.Version != 0 || sess.ConversationID != "p1") {
				t.Fatalf("unexpected session %+v", sess)
			}
		})
	}
}

func TestDecodeVectorRejectsTruncated(t *testing.T) {
	b := encodeVector([]float32{0.25, -1, 3.5})
	v, err := decodeVector(b)
	if err != nil || len(v) != 3 || v[1] != -1 {
		t.Fatalf("decodeVector = %v, %v", v, err)
	}
	if _, err := decodeVector(b[:5]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
