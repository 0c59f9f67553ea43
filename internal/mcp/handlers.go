package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/knol"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
	"github.com/breznaiandras2006-collab/exammentor/internal/parser"
	"github.com/breznaiandras2006-collab/exammentor/internal/session"
	"github.com/breznaiandras2006-collab/exammentor/internal/sync"
)

// Deps holds what the tool handlers need.
type Deps struct {
	Cards  sync.CardStore
	Sched  *leitner.Scheduler
	Runner *session.Runner
	Log    *logger.Logger
	Now    func() time.Time // defaults to time.Now
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deps Deps
	log  *logger.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handlers{deps: deps, log: logger.OrNop(deps.Log).With("component", "mcp")}
}

// ExtractRequest represents the arguments for study_extract.
type ExtractRequest struct {
	Text string `json:"text"`
}

// ImportRequest represents the arguments for study_import.
type ImportRequest struct {
	Text     string `json:"text"`
	SourceID int64  `json:"source_id,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

// AddCardRequest represents the arguments for study_add_card.
type AddCardRequest struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
	SourceID   int64  `json:"source_id,omitempty"`
}

// DueRequest represents the arguments for study_due.
type DueRequest struct {
	SourceID int64  `json:"source_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	AsOf     string `json:"as_of,omitempty"`
}

// StartSessionRequest represents the arguments for study_start_session.
type StartSessionRequest struct {
	Mode     string `json:"mode,omitempty"`
	SourceID int64  `json:"source_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Practice bool   `json:"practice,omitempty"`
}

// NextRequest represents the arguments for study_next.
type NextRequest struct {
	SessionID string `json:"session_id"`
}

// AnswerRequest represents the arguments for study_answer.
type AnswerRequest struct {
	SessionID string `json:"session_id"`
	CardID    string `json:"card_id"`
	EventID   string `json:"event_id,omitempty"`
	Choice    string `json:"choice,omitempty"`
	Correct   *bool  `json:"correct,omitempty"`
}

// StatsRequest represents the arguments for study_stats.
type StatsRequest struct {
	SourceID int64 `json:"source_id,omitempty"`
}

// ExtractedCard is a card found by study_extract.
type ExtractedCard struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
	Line       int    `json:"line"`
	Hash       string `json:"hash"`
}

// ExtractOutput is the study_extract result.
type ExtractOutput struct {
	Cards []ExtractedCard `json:"cards"`
}

// DueOutput is the study_due result.
type DueOutput struct {
	AsOf  time.Time          `json:"as_of"`
	Total int                `json:"total"`
	Cards []domain.Flashcard `json:"cards"`
}

// NextOutput is the study_next result. Prompt is nil once every card has
// been answered.
type NextOutput struct {
	Done    bool            `json:"done"`
	Prompt  *session.Prompt `json:"prompt,omitempty"`
	Summary session.Summary `json:"summary"`
}

// HandleExtract handles the study_extract tool call.
func (h *Handlers) HandleExtract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExtractRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Text) == "" {
		return errorResult(errors.NewInvalidRequest("text is required")), nil
	}

	out := ExtractOutput{Cards: []ExtractedCard{}}
	for _, c := range knol.Dedup(parser.Extract(input.Text)) {
		out.Cards = append(out.Cards, ExtractedCard{
			Term:       c.Term,
			Definition: c.Definition,
			Line:       c.Line,
			Hash:       knol.Hash(c),
		})
	}
	return successResult(out)
}

// HandleImport handles the study_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Text) == "" {
		return errorResult(errors.NewInvalidRequest("text is required")), nil
	}
	ref := input.Ref
	if ref == "" {
		ref = "mcp"
	}

	result, err := sync.ImportNotes(ctx, h.deps.Cards, input.SourceID, ref, strings.NewReader(input.Text), h.deps.Now())
	if err != nil {
		return h.errorResult(err), nil
	}
	h.log.Info("notes imported", "source_id", input.SourceID, "ref", ref, "inserted", result.Inserted)
	return successResult(result)
}

// HandleAddCard handles the study_add_card tool call.
func (h *Handlers) HandleAddCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AddCardRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	card, err := sync.AddCard(ctx, h.deps.Cards, input.SourceID, input.Term, input.Definition, h.deps.Now())
	if err != nil {
		return h.errorResult(err), nil
	}
	h.log.Info("card added", "card_id", card.ID, "source_id", card.SourceID)
	return successResult(card)
}

// HandleDue handles the study_due tool call.
func (h *Handlers) HandleDue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DueRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	asOf := h.deps.Now()
	if input.AsOf != "" {
		asOf, err = time.Parse(time.RFC3339, input.AsOf)
		if err != nil {
			return errorResult(errors.NewInvalidRequest("as_of must be an RFC 3339 time")), nil
		}
	}
	if input.Limit < 0 {
		return errorResult(errors.NewInvalidRequest("limit must not be negative")), nil
	}

	due, err := h.deps.Sched.DueCards(ctx, asOf, domain.CardFilter{SourceID: input.SourceID})
	if err != nil {
		return h.errorResult(err), nil
	}
	out := DueOutput{AsOf: asOf.UTC(), Total: len(due), Cards: due}
	if input.Limit > 0 && len(due) > input.Limit {
		out.Cards = due[:input.Limit]
	}
	if out.Cards == nil {
		out.Cards = []domain.Flashcard{}
	}
	return successResult(out)
}

// HandleStartSession handles the study_start_session tool call.
func (h *Handlers) HandleStartSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StartSessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	mode, err := session.ParseMode(input.Mode)
	if err != nil {
		return errorResult(err), nil
	}

	sum, err := h.deps.Runner.StartSession(ctx, session.StartRequest{
		Mode:     mode,
		SourceID: input.SourceID,
		AsOf:     h.deps.Now(),
		Limit:    input.Limit,
		Practice: input.Practice,
	})
	if err != nil {
		return h.errorResult(err), nil
	}
	return successResult(sum)
}

// HandleNext handles the study_next tool call.
func (h *Handlers) HandleNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[NextRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.SessionID == "" {
		return errorResult(errors.NewInvalidRequest("session_id is required")), nil
	}

	prompt, err := h.deps.Runner.Next(ctx, input.SessionID)
	if err != nil {
		return h.errorResult(err), nil
	}
	sum, err := h.deps.Runner.Session(input.SessionID)
	if err != nil {
		return h.errorResult(err), nil
	}
	return successResult(NextOutput{Done: prompt == nil, Prompt: prompt, Summary: sum})
}

// HandleAnswer handles the study_answer tool call.
func (h *Handlers) HandleAnswer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AnswerRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.SessionID == "" || input.CardID == "" {
		return errorResult(errors.NewInvalidRequest("session_id and card_id are required")), nil
	}

	res, err := h.deps.Runner.SubmitAnswer(ctx, input.SessionID, session.Answer{
		CardID:  input.CardID,
		EventID: input.EventID,
		Choice:  input.Choice,
		Correct: input.Correct,
		At:      h.deps.Now(),
	})
	if err != nil {
		return h.errorResult(err), nil
	}
	return successResult(res)
}

// HandleStats handles the study_stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StatsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	stats, err := h.deps.Runner.Stats(ctx, session.StatsRequest{SourceID: input.SourceID, AsOf: h.deps.Now()})
	if err != nil {
		return h.errorResult(err), nil
	}
	return successResult(stats)
}

// errorResult logs failures that are not study errors before converting.
func (h *Handlers) errorResult(err error) *mcp.CallToolResult {
	var appErr *errors.Error
	if !stderrors.As(err, &appErr) || appErr.Code == errors.ErrInternal {
		h.log.Error("tool failed", "error", err)
	}
	return errorResult(err)
}

// errorResult creates an MCP error result from any error. Internal error
// details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		errorObj := map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
			"status":  appErr.Status,
		}
		if appErr.Code != errors.ErrInternal && appErr.Details != nil {
			errorObj["details"] = appErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
