package leitner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	apperr "github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
)

// maxAttempts bounds compare-and-set retries for one review.
const maxAttempts = 32

// Store is the persistence capability the scheduler needs. SaveReview must
// append the event and replace the card atomically, failing with
// domain.ErrVersionConflict when the stored version is not expectedVersion
// and with domain.ErrDuplicateEvent when the event ID already exists.
type Store interface {
	GetCard(ctx context.Context, id string) (domain.Flashcard, error)
	ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Flashcard, error)
	FindEvent(ctx context.Context, id string) (domain.ReviewEvent, error)
	SaveReview(ctx context.Context, card domain.Flashcard, expectedVersion int64, event domain.ReviewEvent) error
}

// Review is one graded answer for a card.
type Review struct {
	CardID  string
	EventID string // idempotency key; generated when empty
	Outcome domain.Outcome
	Source  domain.ReviewSource
	At      time.Time // defaults to now
}

// Result is the outcome of RecordOutcome.
type Result struct {
	Card      domain.Flashcard
	Event     domain.ReviewEvent
	Duplicate bool // the event ID was already recorded; nothing changed
}

// Scheduler owns every box transition.
type Scheduler struct {
	store  Store
	policy Policy
	log    *logger.Logger
}

// NewScheduler creates a Scheduler over store.
func NewScheduler(store Store, policy Policy, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		policy: policy,
		log:    logger.OrNop(log).With("component", "scheduler"),
	}
}

// Policy returns the active policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// DueCards returns the cards matching filter that are due at asOf, ordered
// by due date, box, creation time and ID. filter.Limit applies after sorting.
func (s *Scheduler) DueCards(ctx context.Context, asOf time.Time, filter domain.CardFilter) ([]domain.Flashcard, error) {
	limit := filter.Limit
	filter.Limit = 0
	cards, err := s.store.ListCards(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}

	due := make([]domain.Flashcard, 0, len(cards))
	for _, c := range cards {
		if s.policy.IsDue(c, asOf) {
			due = append(due, c)
		}
	}
	SortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SortDue orders cards by due date, box, creation time and ID.
func SortDue(cards []domain.Flashcard) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if a.Box != b.Box {
			return a.Box < b.Box
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// RecordOutcome applies one review to a card and appends its event. It is
// the only path that changes a card's box. Replaying an event ID that is
// already stored returns that event with Duplicate set.
func (s *Scheduler) RecordOutcome(ctx context.Context, r Review) (Result, error) {
	if r.CardID == "" {
		return Result{}, apperr.NewInvalidRequest("card_id is required")
	}
	if !r.Outcome.Valid() {
		return Result{}, apperr.NewInvalidRequest(fmt.Sprintf("outcome must be %q or %q", domain.Correct, domain.Incorrect))
	}
	if r.Source == "" {
		r.Source = domain.SourceSession
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r.At = r.At.UTC()
	if r.EventID == "" {
		r.EventID = domain.NewID(r.At)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if res, found, err := s.recorded(ctx, r); err != nil || found {
			return res, err
		}

		card, err := s.store.GetCard(ctx, r.CardID)
		if err != nil {
			return Result{}, err
		}

		next := s.policy.Apply(card, r.Outcome, r.At)
		event := domain.ReviewEvent{
			ID:         r.EventID,
			CardID:     card.ID,
			SourceID:   card.SourceID,
			Outcome:    r.Outcome,
			Source:     r.Source,
			BoxBefore:  card.Box,
			BoxAfter:   next.Box,
			ReviewedAt: r.At,
		}

		err = s.store.SaveReview(ctx, next, card.Version, event)
		switch {
		case err == nil:
			s.log.Debug("review recorded",
				"card_id", card.ID,
				"event_id", event.ID,
				"outcome", string(event.Outcome),
				"box_before", int(event.BoxBefore),
				"box_after", int(event.BoxAfter),
			)
			return Result{Card: next, Event: event}, nil
		case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrDuplicateEvent):
			s.log.Debug("review retry", "card_id", card.ID, "attempt", attempt+1, "error", err)
			continue
		default:
			return Result{}, fmt.Errorf("save review for card %s: %w", card.ID, err)
		}
	}

	s.log.Warn("review gave up after retries", "card_id", r.CardID, "attempts", maxAttempts)
	return Result{}, apperr.NewConflict(fmt.Sprintf("card %s is being reviewed concurrently; retry", r.CardID))
}

// recorded looks up an already stored event for r.EventID.
func (s *Scheduler) recorded(ctx context.Context, r Review) (Result, bool, error) {
	event, err := s.store.FindEvent(ctx, r.EventID)
	if apperr.Is(err, apperr.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if event.CardID != r.CardID {
		return Result{}, false, apperr.NewInvalidRequest(fmt.Sprintf("event %s belongs to another card", r.EventID))
	}
	card, err := s.store.GetCard(ctx, r.CardID)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Card: card, Event: event, Duplicate: true}, true, nil
}
