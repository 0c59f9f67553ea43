package domain

import "time"

// Box is a Leitner box. Box 1 holds the least known cards, box 5 the best known.
type Box int

const (
	MinBox Box = 1
	MaxBox Box = 5
)

// Valid reports whether b lies in [MinBox, MaxBox].
func (b Box) Valid() bool {
	return b >= MinBox && b <= MaxBox
}

// Boxes lists every box in ascending order.
func Boxes() []Box {
	out := make([]Box, 0, MaxBox)
	for b := MinBox; b <= MaxBox; b++ {
		out = append(out, b)
	}
	return out
}

// Card is a term/definition pair extracted from note text, before it is stored.
type Card struct {
	Term       string
	Definition string
	Line       int // 1-based line where the card starts
}

// Flashcard is the stored, scheduled form of a Card.
type Flashcard struct {
	ID             string     `json:"id" yaml:"id"`
	Term           string     `json:"term" yaml:"term"`
	Definition     string     `json:"definition" yaml:"definition"`
	Hash           string     `json:"hash" yaml:"hash"`
	SourceID       int64      `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	SourceRef      string     `json:"source_ref,omitempty" yaml:"source_ref,omitempty"`
	Box            Box        `json:"box" yaml:"box"`
	DueAt          time.Time  `json:"due_at" yaml:"due_at"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty" yaml:"last_reviewed_at,omitempty"`
	Version        int64      `json:"version" yaml:"-"`
}

// CardFilter narrows a card listing. Zero values match everything.
type CardFilter struct {
	SourceID int64
	Box      Box
	Query    string // substring match on term or definition
	Limit    int
}
