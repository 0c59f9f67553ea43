package domain

import "time"

// Outcome is the result of a single review.
type Outcome string

const (
	Correct   Outcome = "correct"
	Incorrect Outcome = "incorrect"
)

func (o Outcome) Valid() bool {
	return o == Correct || o == Incorrect
}

// OutcomeOf maps a boolean grade to an Outcome.
func OutcomeOf(correct bool) Outcome {
	if correct {
		return Correct
	}
	return Incorrect
}

// ReviewSource names the surface a review came from.
type ReviewSource string

const (
	SourceSession ReviewSource = "session"
	SourceQuiz    ReviewSource = "quiz"
)

// ReviewEvent records a single review of a card. Events are append-only;
// the ID doubles as the idempotency key for resubmitted answers.
type ReviewEvent struct {
	ID         string       `json:"id"`
	CardID     string       `json:"card_id"`
	SourceID   int64        `json:"source_id,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Source     ReviewSource `json:"source"`
	BoxBefore  Box          `json:"box_before"`
	BoxAfter   Box          `json:"box_after"`
	ReviewedAt time.Time    `json:"reviewed_at"`
}

// EventFilter narrows a review event listing. Zero values match everything.
type EventFilter struct {
	SourceID int64
	CardID   string
	Limit    int
}
