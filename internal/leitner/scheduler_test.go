package leitner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	apperr "github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/storage"
)

func seed(t *testing.T, store *storage.Memory, cards ...domain.Flashcard) {
	t.Helper()
	for _, c := range cards {
		require.NoError(t, store.InsertCard(context.Background(), c))
	}
}

func card(id string, created time.Time) domain.Flashcard {
	return NewFlashcard(id, "hash-"+id, domain.Card{Term: "term " + id, Definition: "def " + id}, created)
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	seed(t, store, card("c1", t0))
	s := NewScheduler(store, DefaultPolicy(), nil)

	res, err := s.RecordOutcome(ctx, Review{CardID: "c1", Outcome: domain.Correct, At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.Box(2), res.Card.Box)
	assert.Equal(t, domain.Box(1), res.Event.BoxBefore)
	assert.Equal(t, domain.Box(2), res.Event.BoxAfter)
	assert.Equal(t, domain.SourceSession, res.Event.Source)
	assert.NotEmpty(t, res.Event.ID)

	stored, err := store.GetCard(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.Box(2), stored.Box)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, s.Policy().DueAt(2, t0), stored.DueAt)

	res, err = s.RecordOutcome(ctx, Review{CardID: "c1", Outcome: domain.Incorrect, Source: domain.SourceQuiz, At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, domain.Box(1), res.Card.Box)
	assert.Equal(t, domain.SourceQuiz, res.Event.Source)
}

func TestRecordOutcomeValidation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	seed(t, store, card("c1", t0))
	s := NewScheduler(store, DefaultPolicy(), nil)

	_, err := s.RecordOutcome(ctx, Review{Outcome: domain.Correct})
	assert.True(t, apperr.Is(err, apperr.ErrInvalidRequest))

	_, err = s.RecordOutcome(ctx, Review{CardID: "c1", Outcome: "maybe"})
	assert.True(t, apperr.Is(err, apperr.ErrInvalidRequest))

	_, err = s.RecordOutcome(ctx, Review{CardID: "nope", Outcome: domain.Correct})
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))
}

func TestRecordOutcomeDuplicateEvent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	seed(t, store, card("c1", t0), card("c2", t0))
	s := NewScheduler(store, DefaultPolicy(), nil)

	review := Review{CardID: "c1", EventID: "evt-1", Outcome: domain.Correct, At: t0}
	first, err := s.RecordOutcome(ctx, review)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := s.RecordOutcome(ctx, review)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event, second.Event)
	assert.Equal(t, domain.Box(2), second.Card.Box, "box moved once")

	events, err := store.RecentEvents(ctx, domain.EventFilter{CardID: "c1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = s.RecordOutcome(ctx, Review{CardID: "c2", EventID: "evt-1", Outcome: domain.Correct})
	assert.True(t, apperr.Is(err, apperr.ErrInvalidRequest), "event id reused for another card")
}

func TestRecordOutcomeConcurrent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	seed(t, store, card("c1", t0))
	s := NewScheduler(store, DefaultPolicy(), nil)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RecordOutcome(ctx, Review{
				CardID:  "c1",
				EventID: fmt.Sprintf("evt-%d", i),
				Outcome: domain.Correct,
				At:      t0.Add(time.Duration(i) * time.Minute),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetCard(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.Version, "every review applied exactly once")
	assert.Equal(t, domain.MaxBox, got.Box)

	events, err := store.RecentEvents(ctx, domain.EventFilter{CardID: "c1"})
	require.NoError(t, err)
	require.Len(t, events, workers)

	// The event log replays to the live box.
	outcomes := make([]domain.Outcome, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		outcomes = append(outcomes, events[i].Outcome)
	}
	assert.Equal(t, got.Box, Replay(s.Policy(), outcomes))
}

// conflictStore reports a version conflict on every save.
type conflictStore struct {
	*storage.Memory
	saves int
}

func (c *conflictStore) SaveReview(context.Context, domain.Flashcard, int64, domain.ReviewEvent) error {
	c.saves++
	return domain.ErrVersionConflict
}

func TestRecordOutcomeGivesUp(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem, card("c1", t0))
	store := &conflictStore{Memory: mem}
	s := NewScheduler(store, DefaultPolicy(), nil)

	_, err := s.RecordOutcome(context.Background(), Review{CardID: "c1", Outcome: domain.Correct})
	assert.True(t, apperr.Is(err, apperr.ErrConflict))
	assert.Equal(t, maxAttempts, store.saves)
}

func TestRecordOutcomeCanceled(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, card("c1", t0))
	s := NewScheduler(store, DefaultPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.RecordOutcome(ctx, Review{CardID: "c1", Outcome: domain.Correct})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDueCards(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	later := card("later", t0.Add(48*time.Hour))
	boxed := card("boxed", t0)
	boxed.Box = 3
	seed(t, store, card("b", t0), card("a", t0), boxed, card("early", t0.Add(-time.Hour)), later)
	s := NewScheduler(store, DefaultPolicy(), nil)

	due, err := s.DueCards(ctx, t0.Add(time.Minute), domain.CardFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a", "b", "boxed"}, cardIDs(due))

	again, err := s.DueCards(ctx, t0.Add(time.Minute), domain.CardFilter{})
	require.NoError(t, err)
	assert.Equal(t, cardIDs(due), cardIDs(again), "ordering is deterministic")

	limited, err := s.DueCards(ctx, t0.Add(time.Minute), domain.CardFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a"}, cardIDs(limited))

	none, err := s.DueCards(ctx, t0.Add(-2*time.Hour), domain.CardFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func cardIDs(cards []domain.Flashcard) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}
