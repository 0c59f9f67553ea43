package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/session"
	"github.com/breznaiandras2006-collab/exammentor/internal/storage"
	"github.com/breznaiandras2006-collab/exammentor/internal/sync"
)

var now = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

const notes = `# Biology
Mitochondria: Powerhouse of the cell
Ribosome - Builds proteins
Q: What carries genetic information?
A: DNA
`

func testSetup(t *testing.T) (*Handlers, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	sched := leitner.NewScheduler(store, leitner.DefaultPolicy(), nil)
	runner := session.NewRunner(sched, store, session.Options{Seed: 3}, nil)
	return NewHandlers(Deps{
		Cards:  store,
		Sched:  sched,
		Runner: runner,
		Now:    func() time.Time { return now },
	}), store
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func decodeResult[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError, "unexpected error result: %v", result.Content)
	var out T
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &out))
	return out
}

func errorCode(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.True(t, result.IsError)
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload))
	return payload.Error.Code
}

func TestAllToolNames(t *testing.T) {
	assert.Equal(t, []string{
		"study_add_card",
		"study_answer",
		"study_due",
		"study_extract",
		"study_import",
		"study_next",
		"study_start_session",
		"study_stats",
	}, AllToolNames())
	for name, entry := range toolRegistry {
		assert.Equal(t, name, entry.def.Name)
	}
}

func TestHandleExtract(t *testing.T) {
	h, store := testSetup(t)
	ctx := context.Background()

	res, err := h.HandleExtract(ctx, makeRequest(map[string]any{"text": notes + "mitochondria: powerhouse of the cell\n"}))
	require.NoError(t, err)
	out := decodeResult[ExtractOutput](t, res)

	require.Len(t, out.Cards, 3, "case-only duplicates collapse")
	assert.Equal(t, "Mitochondria", out.Cards[0].Term)
	assert.Equal(t, 2, out.Cards[0].Line)
	assert.Equal(t, "What carries genetic information?", out.Cards[2].Term)
	assert.Equal(t, "DNA", out.Cards[2].Definition)
	assert.NotEmpty(t, out.Cards[0].Hash)

	cards, err := store.ListCards(ctx, domain.CardFilter{})
	require.NoError(t, err)
	assert.Empty(t, cards, "extract never stores")

	res, err = h.HandleExtract(ctx, makeRequest(map[string]any{"text": "  "}))
	require.NoError(t, err)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, res))
}

func TestHandleImportIsIdempotent(t *testing.T) {
	h, store := testSetup(t)
	ctx := context.Background()
	args := map[string]any{"text": notes, "source_id": 2, "ref": "bio.md"}

	res, err := h.HandleImport(ctx, makeRequest(args))
	require.NoError(t, err)
	first := decodeResult[sync.ImportResult](t, res)
	assert.Equal(t, 3, first.Inserted)
	assert.Equal(t, "bio.md:2", first.Cards[0].SourceRef)

	res, err = h.HandleImport(ctx, makeRequest(args))
	require.NoError(t, err)
	second := decodeResult[sync.ImportResult](t, res)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 3, second.Existing)

	cards, err := store.ListCards(ctx, domain.CardFilter{SourceID: 2})
	require.NoError(t, err)
	assert.Len(t, cards, 3)
}

func TestHandleAddCard(t *testing.T) {
	h, store := testSetup(t)
	ctx := context.Background()

	res, err := h.HandleAddCard(ctx, makeRequest(map[string]any{"term": "Osmosis", "definition": "Diffusion of water", "source_id": 2}))
	require.NoError(t, err)
	card := decodeResult[domain.Flashcard](t, res)
	assert.Equal(t, "Osmosis", card.Term)
	assert.Equal(t, domain.MinBox, card.Box)
	assert.Equal(t, int64(2), card.SourceID)
	assert.True(t, card.DueAt.Equal(now))

	stored, err := store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Diffusion of water", stored.Definition)

	res, err = h.HandleAddCard(ctx, makeRequest(map[string]any{"term": "osmosis", "definition": "diffusion of water", "source_id": 2}))
	require.NoError(t, err)
	assert.Equal(t, "CONFLICT", errorCode(t, res))

	res, err = h.HandleAddCard(ctx, makeRequest(map[string]any{"term": "Osmosis"}))
	require.NoError(t, err)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, res))
}

func TestHandleDue(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()
	_, err := h.HandleImport(ctx, makeRequest(map[string]any{"text": notes}))
	require.NoError(t, err)

	res, err := h.HandleDue(ctx, makeRequest(map[string]any{"limit": 2}))
	require.NoError(t, err)
	out := decodeResult[DueOutput](t, res)
	assert.Equal(t, 3, out.Total)
	assert.Len(t, out.Cards, 2)

	res, err = h.HandleDue(ctx, makeRequest(map[string]any{"as_of": now.Add(-time.Hour).Format(time.RFC3339)}))
	require.NoError(t, err)
	out = decodeResult[DueOutput](t, res)
	assert.Equal(t, 0, out.Total, "new cards are not due before they exist")
	assert.NotNil(t, out.Cards)

	res, err = h.HandleDue(ctx, makeRequest(map[string]any{"as_of": "yesterday"}))
	require.NoError(t, err)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, res))
}

func TestReviewSession(t *testing.T) {
	h, store := testSetup(t)
	ctx := context.Background()
	_, err := h.HandleImport(ctx, makeRequest(map[string]any{"text": "Mitochondria: Powerhouse\n"}))
	require.NoError(t, err)

	res, err := h.HandleStartSession(ctx, makeRequest(map[string]any{"mode": "review"}))
	require.NoError(t, err)
	sum := decodeResult[session.Summary](t, res)
	require.Equal(t, 1, sum.Total)

	res, err = h.HandleNext(ctx, makeRequest(map[string]any{"session_id": sum.ID}))
	require.NoError(t, err)
	next := decodeResult[NextOutput](t, res)
	require.False(t, next.Done)
	require.NotNil(t, next.Prompt)
	assert.Equal(t, "Powerhouse", next.Prompt.Definition)

	answer := map[string]any{
		"session_id": sum.ID,
		"card_id":    next.Prompt.CardID,
		"event_id":   "ev-1",
		"correct":    true,
	}
	res, err = h.HandleAnswer(ctx, makeRequest(answer))
	require.NoError(t, err)
	result := decodeResult[session.AnswerResult](t, res)
	assert.Equal(t, domain.Correct, result.Outcome)
	assert.Equal(t, domain.Box(1), result.BoxBefore)
	assert.Equal(t, domain.Box(2), result.BoxAfter)
	assert.False(t, result.Duplicate)

	res, err = h.HandleAnswer(ctx, makeRequest(answer))
	require.NoError(t, err)
	assert.True(t, decodeResult[session.AnswerResult](t, res).Duplicate)

	card, err := store.GetCard(ctx, next.Prompt.CardID)
	require.NoError(t, err)
	assert.Equal(t, domain.Box(2), card.Box)
	assert.Equal(t, int64(1), card.Version)

	res, err = h.HandleNext(ctx, makeRequest(map[string]any{"session_id": sum.ID}))
	require.NoError(t, err)
	next = decodeResult[NextOutput](t, res)
	assert.True(t, next.Done)
	assert.Nil(t, next.Prompt)
	assert.Equal(t, 1, next.Summary.Correct)
}

func TestQuizSession(t *testing.T) {
	h, store := testSetup(t)
	ctx := context.Background()
	_, err := h.HandleImport(ctx, makeRequest(map[string]any{"text": notes}))
	require.NoError(t, err)

	res, err := h.HandleStartSession(ctx, makeRequest(map[string]any{"mode": "quiz", "limit": 1}))
	require.NoError(t, err)
	sum := decodeResult[session.Summary](t, res)

	res, err = h.HandleNext(ctx, makeRequest(map[string]any{"session_id": sum.ID}))
	require.NoError(t, err)
	next := decodeResult[NextOutput](t, res)
	require.NotNil(t, next.Prompt)
	assert.Empty(t, next.Prompt.Definition, "quiz prompts hide the answer")
	require.Len(t, next.Prompt.Choices, 3)

	res, err = h.HandleAnswer(ctx, makeRequest(map[string]any{
		"session_id": sum.ID,
		"card_id":    next.Prompt.CardID,
	}))
	require.NoError(t, err)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, res), "quiz answers need a choice")

	card, err := store.GetCard(ctx, next.Prompt.CardID)
	require.NoError(t, err)
	var wrong string
	for _, c := range next.Prompt.Choices {
		if c != card.Definition {
			wrong = c
			break
		}
	}
	require.NotEmpty(t, wrong)
	res, err = h.HandleAnswer(ctx, makeRequest(map[string]any{
		"session_id": sum.ID,
		"card_id":    next.Prompt.CardID,
		"choice":     wrong,
	}))
	require.NoError(t, err)
	result := decodeResult[session.AnswerResult](t, res)
	assert.Equal(t, domain.Incorrect, result.Outcome)
	assert.Equal(t, card.Definition, result.Expected)
	assert.Equal(t, domain.Box(1), result.BoxAfter)
}

func TestSessionErrors(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		call    func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		errCode string
	}{
		{"bad mode", h.HandleStartSession, map[string]any{"mode": "cram"}, "INVALID_REQUEST"},
		{"next without session", h.HandleNext, map[string]any{}, "INVALID_REQUEST"},
		{"unknown session", h.HandleNext, map[string]any{"session_id": "nope"}, "NOT_FOUND"},
		{"answer without card", h.HandleAnswer, map[string]any{"session_id": "nope"}, "INVALID_REQUEST"},
		{"answer unknown session", h.HandleAnswer, map[string]any{"session_id": "nope", "card_id": "c1"}, "NOT_FOUND"},
		{"wrong argument type", h.HandleStats, map[string]any{"source_id": "one"}, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.call(ctx, makeRequest(tt.args))
			require.NoError(t, err)
			assert.Equal(t, tt.errCode, errorCode(t, res))
		})
	}
}

func TestHandleStats(t *testing.T) {
	h, _ := testSetup(t)
	ctx := context.Background()
	_, err := h.HandleImport(ctx, makeRequest(map[string]any{"text": notes}))
	require.NoError(t, err)

	res, err := h.HandleStats(ctx, makeRequest(nil))
	require.NoError(t, err)
	stats := decodeResult[session.Stats](t, res)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Due)
	require.Len(t, stats.Boxes, 5)
	assert.Equal(t, 3, stats.Boxes[0].Count)
	assert.Len(t, stats.Weak, 3, "box 1 cards are weak")
}

func TestErrorResultHidesInternalDetails(t *testing.T) {
	res := errorResult(assert.AnError)
	assert.Equal(t, "INTERNAL", errorCode(t, res))
	assert.NotContains(t, res.Content[0].(mcp.TextContent).Text, assert.AnError.Error())
}
