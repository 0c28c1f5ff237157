package document

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestSplitFacts(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxRunes int
		want     []string
	}{
		{
			name: "bullets and blank lines",
			text: "- Likes green tea.\n\n* Lives in Berlin.\n1. Has a cat named Miso.\n",
			want: []string{"Likes green tea.", "Lives in Berlin.", "Has a cat named Miso."},
		},
		{
			name:     "long line split by sentence",
			text:     "Works as a nurse. Plays the cello! Runs on weekends.",
			maxRunes: 20,
			want:     []string{"Works as a nurse.", "Plays the cello!", "Runs on weekends."},
		},
		{
			name:     "hard split when no sentence boundary",
			text:     "abcdefghij",
			maxRunes: 4,
			want:     []string{"abcd", "efgh", "ij"},
		},
		{
			name: "duplicates dropped",
			text: "Likes tea.\n- Likes tea.",
			want: []string{"Likes tea."},
		},
		{
			name: "empty",
			text: "  \n\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitFacts(tt.text, tt.maxRunes)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SplitFacts = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParserRegistry(t *testing.T) {
	r := NewParserRegistry()

	out, err := r.Parse(strings.NewReader("# Persona\n\n**Name**: Ada\n\nSee [site](http://x)."), "persona.MD")
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != "markdown" || out.Text != "Persona\n\nName: Ada\n\nSee site." {
		t.Fatalf("markdown parse = %+v", out)
	}

	out, err = r.Parse(strings.NewReader("  plain facts \n"), "facts.txt")
	if err != nil || out.Text != "plain facts" {
		t.Fatalf("text parse = %+v, %v", out, err)
	}

	if _, err := r.Parse(strings.NewReader("x"), "image.png"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if !r.Supports("a.pdf") || !r.Supports("b.docx") || r.Supports("c") {
		t.Fatal("Supports mismatch")
	}
}
