package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/export"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
	"github.com/breznaiandras2006-collab/exammentor/internal/session"
	"github.com/breznaiandras2006-collab/exammentor/internal/sync"
)

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	deps     Deps
	renderer *Renderer
	log      *logger.Logger
}

// HandleDeck handles GET /deck: list cards with optional filters.
func (h *Handlers) HandleDeck(w http.ResponseWriter, r *http.Request) {
	filter := domain.CardFilter{
		SourceID: parseInt64Param(r, "source", 0),
		Box:      domain.Box(parseIntParam(r, "box", 0)),
		Query:    r.URL.Query().Get("q"),
		Limit:    parseIntParam(r, "limit", 200),
	}
	if filter.Box != 0 && !filter.Box.Valid() {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("box must be between 1 and 5"))
		return
	}

	cards, err := h.deps.Cards.ListCards(r.Context(), filter)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	stats, err := h.deps.Runner.Stats(r.Context(), session.StatsRequest{SourceID: filter.SourceID})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "deck", DeckPageData{
		PageData: PageData{Title: "Deck", Nav: "deck"},
		Cards:    cards,
		Query:    filter.Query,
		Box:      int(filter.Box),
		SourceID: filter.SourceID,
		Total:    stats.Total,
		Due:      stats.Due,
		Boxes:    stats.Boxes,
	})
}

// HandleAddCard handles POST /cards: store a hand-written card.
func (h *Handlers) HandleAddCard(w http.ResponseWriter, r *http.Request) {
	card, err := sync.AddCard(r.Context(), h.deps.Cards,
		parseInt64Form(r, "source"),
		r.PostFormValue("term"),
		r.PostFormValue("definition"),
		time.Now(),
	)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.log.Info("card added", "card_id", card.ID, "source_id", card.SourceID)
	http.Redirect(w, r, "/deck", http.StatusSeeOther)
}

// HandleStartSession handles POST /sessions: start a review or quiz.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	mode, err := session.ParseMode(r.PostFormValue("mode"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	sum, err := h.deps.Runner.StartSession(r.Context(), session.StartRequest{
		Mode:     mode,
		SourceID: parseInt64Form(r, "source"),
		Limit:    int(parseInt64Form(r, "limit")),
		Practice: r.PostFormValue("practice") != "",
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, "/sessions/"+sum.ID, http.StatusSeeOther)
}

// HandleSession handles GET /sessions/{id}: show the next card front.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	h.renderSession(w, r, false)
}

// HandleReveal handles GET /sessions/{id}/reveal: show the card back.
func (h *Handlers) HandleReveal(w http.ResponseWriter, r *http.Request) {
	h.renderSession(w, r, true)
}

func (h *Handlers) renderSession(w http.ResponseWriter, r *http.Request, reveal bool) {
	id := r.PathValue("id")
	sum, err := h.deps.Runner.Session(id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	prompt, err := h.deps.Runner.Next(r.Context(), id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	// The event ID rides along in the form so a resubmitted answer is
	// recognized as the same review.
	eventID := r.URL.Query().Get("event")
	if eventID == "" {
		eventID = domain.NewID(time.Now())
	}

	h.renderer.renderPage(w, r, "session", SessionPageData{
		PageData: PageData{Title: "Study", Nav: "study"},
		Summary:  sum,
		Prompt:   prompt,
		EventID:  eventID,
		Reveal:   reveal && sum.Mode == session.ModeReview,
	})
}

// HandleAnswer handles POST /sessions/{id}/answer: grade and record.
func (h *Handlers) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	answer := session.Answer{
		CardID:  r.PostFormValue("card_id"),
		EventID: r.PostFormValue("event_id"),
		Choice:  r.PostFormValue("choice"),
	}
	switch strings.ToLower(r.PostFormValue("grade")) {
	case "correct":
		answer.Correct = boolPtr(true)
	case "incorrect":
		answer.Correct = boolPtr(false)
	}

	res, err := h.deps.Runner.SubmitAnswer(r.Context(), id, answer)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	sum, err := h.deps.Runner.Session(id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "result", ResultPageData{
		PageData: PageData{Title: "Result", Nav: "study"},
		Summary:  sum,
		Result:   res,
	})
}

// HandleEndSession handles POST /sessions/{id}/end.
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	h.deps.Runner.EndSession(r.PathValue("id"))
	http.Redirect(w, r, "/deck", http.StatusSeeOther)
}

// HandleStats handles GET /stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	sourceID := parseInt64Param(r, "source", 0)
	stats, err := h.deps.Runner.Stats(r.Context(), session.StatsRequest{SourceID: sourceID})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.renderer.renderPage(w, r, "stats", StatsPageData{
		PageData: PageData{Title: "Statistics", Nav: "stats"},
		Stats:    stats,
		SourceID: sourceID,
	})
}

// HandleAPIStats handles GET /api/stats: statistics as JSON.
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Runner.Stats(r.Context(), session.StatsRequest{SourceID: parseInt64Param(r, "source", 0)})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, stats)
}

// HandleExport handles GET /export and /export.csv: download the deck.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest(err.Error()))
		return
	}
	cards, err := h.deps.Cards.ListCards(r.Context(), domain.CardFilter{SourceID: parseInt64Param(r, "source", 0)})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="exammentor_cards.%s"`, format))
	if err := export.Write(w, format, cards); err != nil {
		h.log.Error("export failed", "format", string(format), "error", err)
	}
}

// HandleSources handles GET /sources.
func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	h.renderSources(w, r, nil, "")
}

// HandleAddSource handles POST /sources: register a path or git URL.
func (h *Handlers) HandleAddSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.deps.Syncer.AddSource(r.Context(), r.PostFormValue("path"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.renderSources(w, r, nil, fmt.Sprintf("Added %s source %s.", src.Type, src.Path))
}

// HandleSync handles POST /sync: reconcile every source in the foreground.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Syncer.RunSync(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.renderSources(w, r, &report, fmt.Sprintf("Sync complete: %d new cards.", report.Inserted()))
}

func (h *Handlers) renderSources(w http.ResponseWriter, r *http.Request, report *sync.Report, message string) {
	sources, err := h.deps.Sources.GetAllSources(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.renderer.renderPage(w, r, "sources", SourcesPageData{
		PageData: PageData{Title: "Sources", Nav: "sources"},
		Sources:  sources,
		Report:   report,
		Message:  message,
	})
}

func boolPtr(b bool) *bool { return &b }

// parseIntParam parses an integer query parameter with a default.
func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseInt64Param(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseInt64Form(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(r.PostFormValue(name)), 10, 64)
	return n
}
