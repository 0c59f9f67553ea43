package leitner

import (
	"fmt"
	"strings"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
)

// IntervalTable maps each box (index box-1) to the days until its next review.
type IntervalTable [domain.MaxBox]int

// DefaultIntervals: box 1 same day, then 1, 3, 7 and 14 days.
var DefaultIntervals = IntervalTable{0, 1, 3, 7, 14}

// Demotion selects what an incorrect answer does to a card's box.
type Demotion int

const (
	// DemoteReset sends the card back to box 1.
	DemoteReset Demotion = iota
	// DemoteOne moves the card down a single box.
	DemoteOne
)

// DefaultDemotion is the classic Leitner rule.
const DefaultDemotion = DemoteReset

func (d Demotion) String() string {
	switch d {
	case DemoteReset:
		return "reset"
	case DemoteOne:
		return "step"
	default:
		return fmt.Sprintf("Demotion(%d)", int(d))
	}
}

// ParseDemotion accepts "reset" or "step".
func ParseDemotion(s string) (Demotion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reset":
		return DemoteReset, nil
	case "step", "one":
		return DemoteOne, nil
	default:
		return 0, fmt.Errorf("leitner: unknown demotion %q", s)
	}
}

// Policy holds the box transition and spacing rules. The zero value is not
// usable; build one with NewPolicy or DefaultPolicy.
type Policy struct {
	intervals IntervalTable
	demotion  Demotion
}

// DefaultPolicy returns DefaultIntervals with DefaultDemotion.
func DefaultPolicy() Policy {
	return Policy{intervals: DefaultIntervals, demotion: DefaultDemotion}
}

// NewPolicy validates the interval table and demotion rule.
// Intervals must be non-negative and non-decreasing by box.
func NewPolicy(intervals IntervalTable, demotion Demotion) (Policy, error) {
	for i, days := range intervals {
		if days < 0 {
			return Policy{}, fmt.Errorf("leitner: box %d interval %d must not be negative", i+1, days)
		}
		if i > 0 && days < intervals[i-1] {
			return Policy{}, fmt.Errorf("leitner: box %d interval %d is shorter than box %d", i+1, days, i)
		}
	}
	if demotion != DemoteReset && demotion != DemoteOne {
		return Policy{}, fmt.Errorf("leitner: unknown demotion %d", int(demotion))
	}
	return Policy{intervals: intervals, demotion: demotion}, nil
}

func (p Policy) Intervals() IntervalTable { return p.intervals }
func (p Policy) Demotion() Demotion       { return p.demotion }

// IntervalDays returns the spacing for box in days.
func (p Policy) IntervalDays(box domain.Box) int {
	mustValid(box)
	return p.intervals[box-1]
}

// NextBox applies one outcome to box.
func (p Policy) NextBox(box domain.Box, outcome domain.Outcome) domain.Box {
	mustValid(box)
	if outcome == domain.Correct {
		return min(box+1, domain.MaxBox)
	}
	if p.demotion == DemoteOne {
		return max(box-1, domain.MinBox)
	}
	return domain.MinBox
}

// DueAt is the start of the UTC day of reviewedAt plus the box interval.
func (p Policy) DueAt(box domain.Box, reviewedAt time.Time) time.Time {
	r := reviewedAt.UTC()
	day := time.Date(r.Year(), r.Month(), r.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, p.IntervalDays(box))
}

// IsDue reports whether card should be reviewed at asOf.
func (p Policy) IsDue(card domain.Flashcard, asOf time.Time) bool {
	return !asOf.Before(card.DueAt)
}

// Apply returns card after one review with the given outcome at time at.
// The input is not modified.
func (p Policy) Apply(card domain.Flashcard, outcome domain.Outcome, at time.Time) domain.Flashcard {
	next := card
	reviewed := at.UTC()
	next.Box = p.NextBox(card.Box, outcome)
	next.DueAt = p.DueAt(next.Box, reviewed)
	next.LastReviewedAt = &reviewed
	next.Version = card.Version + 1
	return next
}

// Replay returns the box a new card ends up in after the ordered outcomes.
// Because Apply is the only box transition, this reproduces any card's box
// from its review history.
func Replay(p Policy, outcomes []domain.Outcome) domain.Box {
	box := domain.MinBox
	for _, o := range outcomes {
		box = p.NextBox(box, o)
	}
	return box
}

// NewFlashcard turns an extracted card into a scheduled one in box 1, due
// immediately.
func NewFlashcard(id, hash string, card domain.Card, now time.Time) domain.Flashcard {
	now = now.UTC()
	return domain.Flashcard{
		ID:         id,
		Term:       card.Term,
		Definition: card.Definition,
		Hash:       hash,
		Box:        domain.MinBox,
		DueAt:      now,
		CreatedAt:  now,
	}
}

func mustValid(box domain.Box) {
	if !box.Valid() {
		panic(fmt.Sprintf("leitner: box %d out of range", box))
	}
}
