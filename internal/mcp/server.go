package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var toolRegistry = map[string]toolEntry{
	"study_extract": {
		def: mcp.NewTool("study_extract",
			mcp.WithDescription("Extract term/definition flashcards from note text without storing them."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Note text (markdown or plain)")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExtract },
	},
	"study_import": {
		def: mcp.NewTool("study_import",
			mcp.WithDescription("Extract flashcards from note text and store the new ones in box 1."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Note text (markdown or plain)")),
			mcp.WithNumber("source_id", mcp.Description("Source the cards belong to; 0 for none")),
			mcp.WithString("ref", mcp.Description("Name of the note, used in each card's source reference")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
	"study_add_card": {
		def: mcp.NewTool("study_add_card",
			mcp.WithDescription("Store a hand-written flashcard in box 1, due now."),
			mcp.WithString("term", mcp.Required(), mcp.Description("Front of the card")),
			mcp.WithString("definition", mcp.Required(), mcp.Description("Back of the card")),
			mcp.WithNumber("source_id", mcp.Description("Source the card belongs to; 0 for none")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddCard },
	},
	"study_due": {
		def: mcp.NewTool("study_due",
			mcp.WithDescription("List cards due for review, earliest first."),
			mcp.WithNumber("source_id", mcp.Description("Restrict to one source")),
			mcp.WithNumber("limit", mcp.Description("Maximum cards to return"), mcp.Min(0)),
			mcp.WithString("as_of", mcp.Description("RFC 3339 time to evaluate due dates at; defaults to now")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDue },
	},
	"study_start_session": {
		def: mcp.NewTool("study_start_session",
			mcp.WithDescription("Start a review or quiz session over the due cards."),
			mcp.WithString("mode", mcp.Enum("review", "quiz"), mcp.Description("Session mode, default review")),
			mcp.WithNumber("source_id", mcp.Description("Restrict to one source")),
			mcp.WithNumber("limit", mcp.Description("Maximum cards in the session"), mcp.Min(0)),
			mcp.WithBoolean("practice", mcp.Description("Use a random sample when nothing is due")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStartSession },
	},
	"study_next": {
		def: mcp.NewTool("study_next",
			mcp.WithDescription("Get the next unanswered card of a session."),
			mcp.WithString("session_id", mcp.Required()),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleNext },
	},
	"study_answer": {
		def: mcp.NewTool("study_answer",
			mcp.WithDescription("Answer a card. Quiz sessions take a choice; review sessions take a self-grade."),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("card_id", mcp.Required()),
			mcp.WithString("event_id", mcp.Description("Idempotency key; resending the same key does not review twice")),
			mcp.WithString("choice", mcp.Description("Selected definition (quiz mode)")),
			mcp.WithBoolean("correct", mcp.Description("Self-grade (review mode)")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAnswer },
	},
	"study_stats": {
		def: mcp.NewTool("study_stats",
			mcp.WithDescription("Box counts, recent accuracy and weak cards."),
			mcp.WithNumber("source_id", mcp.Description("Restrict to one source")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStats },
	},
}

// AllToolNames returns the registered tool names in order.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewServer creates an MCP server with the study tools registered.
func NewServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"exammentor",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(deps)
	for _, entry := range toolRegistry {
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the study tools over stdio.
func Run(deps Deps, version string) error {
	return server.ServeStdio(NewServer(deps, version))
}
