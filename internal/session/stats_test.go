package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
)

func TestComputeAccuracy(t *testing.T) {
	outcomes := []domain.Outcome{domain.Correct, domain.Correct, domain.Correct, domain.Incorrect, domain.Incorrect}
	var events []domain.ReviewEvent
	for _, o := range outcomes {
		events = append(events, domain.ReviewEvent{Outcome: o})
	}

	acc := ComputeAccuracy(events)
	assert.Equal(t, 5, acc.N)
	assert.Equal(t, 3, acc.Correct)
	assert.Equal(t, 2, acc.Wrong)
	assert.InDelta(t, 0.6, acc.Rate, 1e-9)
	assert.Equal(t, 60, acc.Percent)

	assert.Equal(t, Accuracy{}, ComputeAccuracy(nil))
}

func TestStats(t *testing.T) {
	f := newFixture(t, Options{},
		flashcard("a", 1, 1, t0),
		flashcard("b", 1, 1, t0),
		flashcard("c", 1, 1, t0),
		flashcard("d", 1, 1, t0),
		flashcard("e", 1, 1, t0),
		flashcard("other", 2, 4, t0.Add(96*time.Hour)),
	)
	ctx := context.Background()

	grades := map[string]domain.Outcome{
		"a": domain.Correct,
		"b": domain.Correct,
		"c": domain.Correct,
		"d": domain.Incorrect,
		"e": domain.Incorrect,
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := f.sched.RecordOutcome(ctx, leitner.Review{CardID: id, Outcome: grades[id], At: t0})
		require.NoError(t, err)
	}

	st, err := f.runner.Stats(ctx, StatsRequest{SourceID: 1, AsOf: t0})
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 2, st.Due, "incorrect cards fall back to box 1, due today")
	assert.Equal(t, 60, st.Accuracy.Percent)
	assert.Equal(t, []BoxCount{{1, 2}, {2, 3}, {3, 0}, {4, 0}, {5, 0}}, st.Boxes)

	require.Len(t, st.Weak, 2)
	assert.Equal(t, "d", st.Weak[0].ID)
	assert.Equal(t, domain.Incorrect, st.Weak[0].LastOutcome)

	all, err := f.runner.Stats(ctx, StatsRequest{AsOf: t0})
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
	assert.Len(t, all.Boxes, 5, "every box is listed")
	assert.Equal(t, 1, all.Boxes[3].Count)
}

func TestStatsWeakLimitAndWindow(t *testing.T) {
	var cards []domain.Flashcard
	for _, id := range []string{"a", "b", "c", "d"} {
		cards = append(cards, flashcard(id, 0, 1, t0))
	}
	f := newFixture(t, Options{WeakLimit: 2, AccuracyWindow: 2}, cards...)
	ctx := context.Background()

	_, err := f.sched.RecordOutcome(ctx, leitner.Review{CardID: "a", Outcome: domain.Incorrect, At: t0})
	require.NoError(t, err)
	_, err = f.sched.RecordOutcome(ctx, leitner.Review{CardID: "b", Outcome: domain.Correct, At: t0})
	require.NoError(t, err)
	_, err = f.sched.RecordOutcome(ctx, leitner.Review{CardID: "c", Outcome: domain.Correct, At: t0})
	require.NoError(t, err)

	st, err := f.runner.Stats(ctx, StatsRequest{AsOf: t0})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Accuracy.N, "only the last two events count")
	assert.Equal(t, 100, st.Accuracy.Percent)
	assert.Len(t, st.Weak, 2)
	for _, w := range st.Weak {
		assert.Equal(t, domain.MinBox, w.Box)
	}
}
