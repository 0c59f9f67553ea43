package parser

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
)

func TestExtract(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []domain.Card
	}{
		{
			name:     "Term colon definition",
			input:    "Dog: Canine animal",
			expected: []domain.Card{{Term: "Dog", Definition: "Canine animal", Line: 1}},
		},
		{
			name:     "Simple Q&A",
			input:    "Q: What is 2+2?\nA: Four",
			expected: []domain.Card{{Term: "What is 2+2?", Definition: "Four", Line: 1}},
		},
		{
			name:  "Wrapped answer is merged",
			input: "Q: Describe it\nA: This is a long\nanswer that wraps.",
			expected: []domain.Card{
				{Term: "Describe it", Definition: "This is a long answer that wraps.", Line: 1},
			},
		},
		{
			name:  "Wrapped question is merged",
			input: "Q: What is the capital\nof France?\nA: Paris",
			expected: []domain.Card{
				{Term: "What is the capital of France?", Definition: "Paris", Line: 1},
			},
		},
		{
			name:     "Term hyphen definition",
			input:    "Mitochondria - powerhouse of the cell",
			expected: []domain.Card{{Term: "Mitochondria", Definition: "powerhouse of the cell", Line: 1}},
		},
		{
			name:     "En dash separator",
			input:    "Osmosis – diffusion of water",
			expected: []domain.Card{{Term: "Osmosis", Definition: "diffusion of water", Line: 1}},
		},
		{
			name:     "Equals separator",
			input:    "Speed of light = 299792 km/s",
			expected: []domain.Card{{Term: "Speed of light", Definition: "299792 km/s", Line: 1}},
		},
		{
			name:     "Arrow separator",
			input:    "Glucose -> pyruvate via glycolysis",
			expected: []domain.Card{{Term: "Glucose", Definition: "pyruvate via glycolysis", Line: 1}},
		},
		{
			name:     "Fat arrow is not cut at the equals sign",
			input:    "Input=>output",
			expected: []domain.Card{{Term: "Input", Definition: "output", Line: 1}},
		},
		{
			name:     "Dash wins over equals",
			input:    "Energy - E = mc^2",
			expected: []domain.Card{{Term: "Energy", Definition: "E = mc^2", Line: 1}},
		},
		{
			name:     "URL colon is not a separator",
			input:    "Go docs - https://go.dev/doc",
			expected: []domain.Card{{Term: "Go docs", Definition: "https://go.dev/doc", Line: 1}},
		},
		{
			name:     "Clock time colon is not a separator",
			input:    "Standup at 10:30: daily sync",
			expected: []domain.Card{{Term: "Standup at 10:30", Definition: "daily sync", Line: 1}},
		},
		{
			name:  "Wrapped answer may hold a URL or a time",
			input: "Q: Where do the docs live?\nA: They live at\nhttps://go.dev and update\n10:30 daily",
			expected: []domain.Card{
				{Term: "Where do the docs live?", Definition: "They live at https://go.dev and update 10:30 daily", Line: 1},
			},
		},
		{
			name:     "Hyphen inside a word is not a separator",
			input:    "well-known fact without separator",
			expected: nil,
		},
		{
			name:     "Colon wins over dash",
			input:    "Cell - unit: smallest living thing",
			expected: []domain.Card{{Term: "Cell - unit", Definition: "smallest living thing", Line: 1}},
		},
		{
			name:     "Bullets are stripped",
			input:    "- Dog: Canine animal\n* Cat - Feline animal",
			expected: []domain.Card{{Term: "Dog", Definition: "Canine animal", Line: 1}, {Term: "Cat", Definition: "Feline animal", Line: 2}},
		},
		{
			name:     "Unmatched lines are skipped",
			input:    "# Biology\nJust some prose.\nCat: Feline animal",
			expected: []domain.Card{{Term: "Cat", Definition: "Feline animal", Line: 3}},
		},
		{
			name:     "Empty definition disqualifies",
			input:    "Chapter 3:",
			expected: nil,
		},
		{
			name:     "Empty term disqualifies",
			input:    ": orphan definition",
			expected: nil,
		},
		{
			name:     "Question without answer is dropped",
			input:    "Q: lonely question\nCat: Feline animal",
			expected: []domain.Card{{Term: "Cat", Definition: "Feline animal", Line: 2}},
		},
		{
			name:     "Answer without question is skipped",
			input:    "A: nothing asked",
			expected: nil,
		},
		{
			name:  "New question ends the answer",
			input: "Q: one\nA: first\nQ: two\nA: second",
			expected: []domain.Card{
				{Term: "one", Definition: "first", Line: 1},
				{Term: "two", Definition: "second", Line: 3},
			},
		},
		{
			name:  "Term line ends the answer",
			input: "Q: one\nA: first\nDog: Canine animal",
			expected: []domain.Card{
				{Term: "one", Definition: "first", Line: 1},
				{Term: "Dog", Definition: "Canine animal", Line: 3},
			},
		},
		{
			name:  "Blank line ends the answer",
			input: "Q: one\nA: first\n\ntrailing prose",
			expected: []domain.Card{
				{Term: "one", Definition: "first", Line: 1},
			},
		},
		{
			name:     "Blank line between question and answer",
			input:    "Q: one\n\nA: first",
			expected: []domain.Card{{Term: "one", Definition: "first", Line: 1}},
		},
		{
			name:     "Prefixes with no space and lowercase",
			input:    "q:Question\na:Answer",
			expected: []domain.Card{{Term: "Question", Definition: "Answer", Line: 1}},
		},
		{
			name:     "CRLF line endings",
			input:    "Q: What is Go?\r\nA: A language\r\nDog: Canine\r\n",
			expected: []domain.Card{{Term: "What is Go?", Definition: "A language", Line: 1}, {Term: "Dog", Definition: "Canine", Line: 3}},
		},
		{
			name:     "Overlong term is rejected",
			input:    strings.Repeat("x", maxTermRunes+1) + ": definition",
			expected: nil,
		},
		{
			name:     "No cards, just text",
			input:    "This is a file with no cards.",
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cards := Extract(tc.input)
			if !reflect.DeepEqual(cards, tc.expected) {
				t.Errorf("Extract(%q)\n got: %+v\nwant: %+v", tc.input, cards, tc.expected)
			}
		})
	}
}

func TestExtractIsPure(t *testing.T) {
	input := "Dog: Canine\nQ: What is 2+2?\nA: Four\nCat - Feline"
	first := Extract(input)
	second := Extract(input)
	if len(first) != 3 {
		t.Fatalf("Expected 3 cards, but got %d", len(first))
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical results, got %+v and %+v", first, second)
	}
}

func TestExtractDoesNotDeduplicate(t *testing.T) {
	cards := Extract("Dog: Canine\nDog: Canine")
	if len(cards) != 2 {
		t.Fatalf("Expected 2 cards, but got %d", len(cards))
	}
}

func TestParseMatchesExtract(t *testing.T) {
	input := "Q: What is Go?\nA: A statically typed,\ncompiled language.\nDog: Canine"
	cards, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse() returned an unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cards, Extract(input)) {
		t.Errorf("Parse and Extract disagree: %+v vs %+v", cards, Extract(input))
	}
}

func TestParseSkipsOverlongLine(t *testing.T) {
	input := "Dog: Canine animal\nEssay: " + strings.Repeat("x", 2<<20) + "\nCat: Feline animal\n"
	cards, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse() returned an unexpected error: %v", err)
	}
	want := []domain.Card{
		{Term: "Dog", Definition: "Canine animal", Line: 1},
		{Term: "Cat", Definition: "Feline animal", Line: 3},
	}
	if !reflect.DeepEqual(cards, want) {
		t.Errorf("Parse() = %+v, want %+v", cards, want)
	}
	if !reflect.DeepEqual(cards, Extract(input)) {
		t.Error("Parse and Extract disagree on an overlong line")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("Dog: Canine animal\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cards, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() returned an unexpected error: %v", err)
	}
	if len(cards) != 1 || cards[0].Term != "Dog" {
		t.Errorf("Unexpected cards: %+v", cards)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		card    domain.Card
		wantErr string
	}{
		{"ok", domain.Card{Term: "Dog", Definition: "Canine"}, ""},
		{"empty term", domain.Card{Definition: "Canine"}, "term is empty"},
		{"empty definition", domain.Card{Term: "Dog"}, "definition is empty"},
		{"long term", domain.Card{Term: strings.Repeat("é", maxTermRunes+1), Definition: "x"}, "term is longer"},
		{"long definition", domain.Card{Term: "x", Definition: strings.Repeat("x", maxDefinitionRunes+1)}, "definition is longer"},
		{"runes not bytes", domain.Card{Term: strings.Repeat("é", maxTermRunes), Definition: "x"}, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.card)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}
