package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
)

// StatsRequest scopes Stats to a source. SourceID 0 covers every card.
type StatsRequest struct {
	SourceID int64
	AsOf     time.Time // defaults to now
}

// BoxCount is the number of cards in one box.
type BoxCount struct {
	Box   domain.Box `json:"box"`
	Count int        `json:"count"`
}

// Accuracy summarizes the most recent review events.
type Accuracy struct {
	N       int     `json:"n"`
	Correct int     `json:"correct"`
	Wrong   int     `json:"wrong"`
	Rate    float64 `json:"rate"`
	Percent int     `json:"percent"`
}

// WeakCard is a card that needs attention.
type WeakCard struct {
	domain.Flashcard
	LastOutcome domain.Outcome `json:"last_outcome,omitempty"`
}

// Stats is the aggregate view of a deck.
type Stats struct {
	Total    int        `json:"total"`
	Due      int        `json:"due"`
	Boxes    []BoxCount `json:"boxes"`
	Accuracy Accuracy   `json:"accuracy"`
	Weak     []WeakCard `json:"weak"`
}

// Stats computes totals, the box distribution, rolling accuracy over the
// last AccuracyWindow events and the weakest cards.
func (r *Runner) Stats(ctx context.Context, req StatsRequest) (Stats, error) {
	if req.AsOf.IsZero() {
		req.AsOf = time.Now()
	}

	cards, err := r.store.ListCards(ctx, domain.CardFilter{SourceID: req.SourceID})
	if err != nil {
		return Stats{}, fmt.Errorf("list cards: %w", err)
	}
	events, err := r.store.RecentEvents(ctx, domain.EventFilter{SourceID: req.SourceID, Limit: r.opts.AccuracyWindow})
	if err != nil {
		return Stats{}, fmt.Errorf("list review events: %w", err)
	}

	st := Stats{Total: len(cards), Accuracy: ComputeAccuracy(events)}

	counts := make(map[domain.Box]int, domain.MaxBox)
	policy := r.sched.Policy()
	for _, c := range cards {
		counts[c.Box]++
		if policy.IsDue(c, req.AsOf) {
			st.Due++
		}
	}
	for _, b := range domain.Boxes() {
		st.Boxes = append(st.Boxes, BoxCount{Box: b, Count: counts[b]})
	}

	// Events are newest first, so the first one seen per card is its last.
	last := make(map[string]domain.Outcome)
	for _, e := range events {
		if _, ok := last[e.CardID]; !ok {
			last[e.CardID] = e.Outcome
		}
	}
	st.Weak = weakCards(cards, last, r.opts.WeakLimit)
	return st, nil
}

// ComputeAccuracy counts outcomes in events.
func ComputeAccuracy(events []domain.ReviewEvent) Accuracy {
	var a Accuracy
	for _, e := range events {
		switch e.Outcome {
		case domain.Correct:
			a.Correct++
		case domain.Incorrect:
			a.Wrong++
		}
	}
	a.N = a.Correct + a.Wrong
	if a.N > 0 {
		a.Rate = float64(a.Correct) / float64(a.N)
		a.Percent = int(math.Round(a.Rate * 100))
	}
	return a
}

func weakCards(cards []domain.Flashcard, last map[string]domain.Outcome, limit int) []WeakCard {
	var weak []WeakCard
	for _, c := range cards {
		outcome := last[c.ID]
		if c.Box == domain.MinBox || outcome == domain.Incorrect {
			weak = append(weak, WeakCard{Flashcard: c, LastOutcome: outcome})
		}
	}
	sort.SliceStable(weak, func(i, j int) bool {
		a, b := weak[i], weak[j]
		if a.Box != b.Box {
			return a.Box < b.Box
		}
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(weak) > limit {
		weak = weak[:limit]
	}
	return weak
}
