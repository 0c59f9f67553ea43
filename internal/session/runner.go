package session

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
)

// Mode selects how answers are graded.
type Mode string

const (
	// ModeReview shows the back of the card and takes a self-grade.
	ModeReview Mode = "review"
	// ModeQuiz offers multiple choice definitions.
	ModeQuiz Mode = "quiz"
)

// ParseMode accepts "review" or "quiz". Empty means review.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeReview:
		return ModeReview, nil
	case ModeQuiz:
		return ModeQuiz, nil
	default:
		return "", errors.NewInvalidRequest(fmt.Sprintf("unknown mode %q", s))
	}
}

// Order is the policy used to arrange due cards in a session.
type Order int

const (
	// OrderByBox puts the weakest boxes first, then earliest due.
	OrderByBox Order = iota
	// OrderWeighted draws cards at random, favoring low boxes.
	OrderWeighted
)

// ParseOrder accepts "box" or "weighted".
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "box":
		return OrderByBox, nil
	case "weighted":
		return OrderWeighted, nil
	default:
		return 0, fmt.Errorf("session: unknown order %q", s)
	}
}

func (o Order) String() string {
	if o == OrderWeighted {
		return "weighted"
	}
	return "box"
}

// Store is the read access the runner needs beyond the scheduler.
type Store interface {
	ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Flashcard, error)
	RecentEvents(ctx context.Context, filter domain.EventFilter) ([]domain.ReviewEvent, error)
}

// Options tune a Runner. Zero values take the defaults below.
type Options struct {
	Order          Order
	QuizChoices    int
	AccuracyWindow int
	WeakLimit      int
	Seed           int64 // 0 seeds from the clock

	// Open sessions are dropped after IdleTTL without use, and the least
	// recently used one is dropped when starting another would exceed
	// MaxSessions.
	IdleTTL     time.Duration
	MaxSessions int
	Now         func() time.Time // defaults to time.Now
}

const (
	DefaultQuizChoices    = 4
	DefaultAccuracyWindow = 50
	DefaultWeakLimit      = 12
	DefaultIdleTTL        = 2 * time.Hour
	DefaultMaxSessions    = 256
)

func (o Options) withDefaults() Options {
	if o.QuizChoices < 2 {
		o.QuizChoices = DefaultQuizChoices
	}
	if o.AccuracyWindow <= 0 {
		o.AccuracyWindow = DefaultAccuracyWindow
	}
	if o.WeakLimit <= 0 {
		o.WeakLimit = DefaultWeakLimit
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// StartRequest describes a new session.
type StartRequest struct {
	Mode     Mode
	SourceID int64     // 0 for every source
	AsOf     time.Time // defaults to now
	Limit    int       // 0 for every due card
	Practice bool      // fall back to a random sample when nothing is due
}

// Summary is a point-in-time view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	SourceID  int64     `json:"source_id,omitempty"`
	Practice  bool      `json:"practice"`
	StartedAt time.Time `json:"started_at"`
	Total     int       `json:"total"`
	Answered  int       `json:"answered"`
	Correct   int       `json:"correct"`
	Incorrect int       `json:"incorrect"`
}

// Done reports whether every card has been answered.
func (s Summary) Done() bool {
	return s.Answered >= s.Total
}

// Prompt is the next card to answer.
type Prompt struct {
	SessionID  string     `json:"session_id"`
	CardID     string     `json:"card_id"`
	Term       string     `json:"term"`
	Definition string     `json:"definition,omitempty"` // review mode only
	SourceRef  string     `json:"source_ref,omitempty"`
	Box        domain.Box `json:"box"`
	Position   int        `json:"position"` // 1-based
	Total      int        `json:"total"`
	Choices    []string   `json:"choices,omitempty"` // quiz mode only
	Practice   bool       `json:"practice"`
}

// Answer is a submission for one card of a session.
type Answer struct {
	CardID  string
	EventID string    // idempotency key; generated when empty
	Choice  string    // quiz mode
	Correct *bool     // review mode self-grade
	At      time.Time // defaults to now
}

// AnswerResult reports how an answer was graded and applied.
type AnswerResult struct {
	CardID    string         `json:"card_id"`
	EventID   string         `json:"event_id"`
	Outcome   domain.Outcome `json:"outcome"`
	Expected  string         `json:"expected"`
	BoxBefore domain.Box     `json:"box_before"`
	BoxAfter  domain.Box     `json:"box_after"`
	DueAt     time.Time      `json:"due_at"`
	Duplicate bool           `json:"duplicate"`
	Remaining int            `json:"remaining"`
}

// Correct reports whether the answer was graded correct.
func (r AnswerResult) Correct() bool {
	return r.Outcome == domain.Correct
}

type session struct {
	mu        sync.Mutex
	id        string
	mode      Mode
	sourceID  int64
	practice  bool
	startedAt time.Time
	cards     []domain.Flashcard
	choices   map[string][]string
	answers   map[string]AnswerResult
	correct   int
	incorrect int

	lastUsed time.Time // guarded by Runner.mu
}

func (s *session) summary() Summary {
	return Summary{
		ID:        s.id,
		Mode:      s.mode,
		SourceID:  s.sourceID,
		Practice:  s.practice,
		StartedAt: s.startedAt,
		Total:     len(s.cards),
		Answered:  len(s.answers),
		Correct:   s.correct,
		Incorrect: s.incorrect,
	}
}

func (s *session) card(id string) (domain.Flashcard, bool) {
	for _, c := range s.cards {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Flashcard{}, false
}

// Runner drives review and quiz sessions on top of the scheduler.
type Runner struct {
	sched *leitner.Scheduler
	store Store
	opts  Options
	log   *logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRunner creates a Runner.
func NewRunner(sched *leitner.Scheduler, store Store, opts Options, log *logger.Logger) *Runner {
	opts = opts.withDefaults()
	return &Runner{
		sched:    sched,
		store:    store,
		opts:     opts,
		log:      logger.OrNop(log).With("component", "session"),
		rng:      rand.New(rand.NewSource(opts.Seed)),
		sessions: make(map[string]*session),
	}
}

// Options returns the effective options.
func (r *Runner) Options() Options {
	return r.opts
}

// StartSession selects the due cards for req and opens a session over them.
// An empty pool yields an empty session.
func (r *Runner) StartSession(ctx context.Context, req StartRequest) (Summary, error) {
	if req.Mode == "" {
		req.Mode = ModeReview
	}
	if req.Mode != ModeReview && req.Mode != ModeQuiz {
		return Summary{}, errors.NewInvalidRequest(fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if req.AsOf.IsZero() {
		req.AsOf = time.Now()
	}

	due, err := r.sched.DueCards(ctx, req.AsOf, domain.CardFilter{SourceID: req.SourceID})
	if err != nil {
		return Summary{}, fmt.Errorf("select due cards: %w", err)
	}
	cards := r.order(due)

	practice := false
	if len(cards) == 0 && req.Practice {
		pool, err := r.store.ListCards(ctx, domain.CardFilter{SourceID: req.SourceID})
		if err != nil {
			return Summary{}, fmt.Errorf("select practice cards: %w", err)
		}
		r.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		cards = pool
		practice = len(pool) > 0
	}
	if req.Limit > 0 && len(cards) > req.Limit {
		cards = cards[:req.Limit]
	}

	s := &session{
		id:        uuid.NewString(),
		mode:      req.Mode,
		sourceID:  req.SourceID,
		practice:  practice,
		startedAt: req.AsOf.UTC(),
		cards:     cards,
		choices:   make(map[string][]string),
		answers:   make(map[string]AnswerResult),
	}

	r.mu.Lock()
	now := r.opts.Now()
	r.evictLocked(now)
	s.lastUsed = now
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.log.Info("session started",
		"session_id", s.id,
		"mode", string(s.mode),
		"source_id", s.sourceID,
		"cards", len(cards),
		"practice", practice,
	)
	return s.summary(), nil
}

// order arranges due cards according to the runner's Order.
func (r *Runner) order(due []domain.Flashcard) []domain.Flashcard {
	out := make([]domain.Flashcard, len(due))
	copy(out, due)
	if r.opts.Order != OrderWeighted {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Box != out[j].Box {
				return out[i].Box < out[j].Box
			}
			return out[i].DueAt.Before(out[j].DueAt)
		})
		return out
	}

	// Weighted draw without replacement; box 1 weighs 5, box 5 weighs 1.
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	picked := make([]domain.Flashcard, 0, len(out))
	for len(out) > 0 {
		total := 0
		for _, c := range out {
			total += weight(c.Box)
		}
		n := r.rng.Intn(total)
		i := 0
		for ; i < len(out)-1; i++ {
			n -= weight(out[i].Box)
			if n < 0 {
				break
			}
		}
		picked = append(picked, out[i])
		out = append(out[:i], out[i+1:]...)
	}
	return picked
}

func weight(b domain.Box) int {
	return int(domain.MaxBox) + 1 - int(b)
}

func (r *Runner) shuffle(n int, swap func(i, j int)) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng.Shuffle(n, swap)
}

func (r *Runner) lookup(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NewNotFound("session", id)
	}
	now := r.opts.Now()
	if r.expired(s, now) {
		delete(r.sessions, id)
		r.log.Debug("session expired", "session_id", id)
		return nil, errors.NewNotFound("session", id)
	}
	s.lastUsed = now
	return s, nil
}

func (r *Runner) expired(s *session, now time.Time) bool {
	return now.Sub(s.lastUsed) > r.opts.IdleTTL
}

// evictLocked drops idle sessions, then the least recently used ones until
// another session fits. r.mu must be held.
func (r *Runner) evictLocked(now time.Time) {
	for id, s := range r.sessions {
		if r.expired(s, now) {
			delete(r.sessions, id)
			r.log.Debug("session expired", "session_id", id)
		}
	}
	for len(r.sessions) >= r.opts.MaxSessions {
		var oldest *session
		for _, s := range r.sessions {
			if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
				oldest = s
			}
		}
		delete(r.sessions, oldest.id)
		r.log.Info("session evicted", "session_id", oldest.id, "open", len(r.sessions))
	}
}

// Session returns the current summary of a session.
func (r *Runner) Session(id string) (Summary, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary(), nil
}

// EndSession drops a session. Unknown IDs are ignored.
func (r *Runner) EndSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Next returns the first unanswered card of the session, or nil once every
// card has been answered.
func (r *Runner) Next(ctx context.Context, sessionID string) (*Prompt, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.cards {
		if _, done := s.answers[c.ID]; done {
			continue
		}
		p := &Prompt{
			SessionID: s.id,
			CardID:    c.ID,
			Term:      c.Term,
			SourceRef: c.SourceRef,
			Box:       c.Box,
			Position:  i + 1,
			Total:     len(s.cards),
			Practice:  s.practice,
		}
		if s.mode == ModeQuiz {
			choices, ok := s.choices[c.ID]
			if !ok {
				choices, err = r.quizChoices(ctx, c)
				if err != nil {
					return nil, err
				}
				s.choices[c.ID] = choices
			}
			p.Choices = choices
		} else {
			p.Definition = c.Definition
		}
		return p, nil
	}
	return nil, nil
}

// quizChoices returns the correct definition and up to QuizChoices-1
// distinct distractors, same source first, shuffled.
func (r *Runner) quizChoices(ctx context.Context, card domain.Flashcard) ([]string, error) {
	want := r.opts.QuizChoices - 1
	correct := strings.TrimSpace(card.Definition)
	seen := map[string]bool{correct: true}
	choices := []string{card.Definition}

	pools := []domain.CardFilter{{}}
	if card.SourceID != 0 {
		pools = []domain.CardFilter{{SourceID: card.SourceID}, {}}
	}
	for _, filter := range pools {
		if len(choices)-1 >= want {
			break
		}
		candidates, err := r.store.ListCards(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("select distractors: %w", err)
		}
		r.shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		for _, c := range candidates {
			d := strings.TrimSpace(c.Definition)
			if c.ID == card.ID || seen[d] {
				continue
			}
			seen[d] = true
			choices = append(choices, c.Definition)
			if len(choices)-1 >= want {
				break
			}
		}
	}
	r.shuffle(len(choices), func(i, j int) { choices[i], choices[j] = choices[j], choices[i] })
	return choices, nil
}

// SubmitAnswer grades a and records it through the scheduler. Resubmitting
// an answer for the same card with the same (or no) event ID returns the
// earlier result marked as a duplicate.
func (r *Runner) SubmitAnswer(ctx context.Context, sessionID string, a Answer) (AnswerResult, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return AnswerResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.card(a.CardID)
	if !ok {
		return AnswerResult{}, errors.NewInvalidRequest(fmt.Sprintf("card %s is not part of session %s", a.CardID, s.id))
	}
	if prev, done := s.answers[card.ID]; done {
		if a.EventID == "" || a.EventID == prev.EventID {
			prev.Duplicate = true
			prev.Remaining = len(s.cards) - len(s.answers)
			return prev, nil
		}
		return AnswerResult{}, errors.NewInvalidRequest(fmt.Sprintf("card %s was already answered in this session", card.ID))
	}

	var (
		correct bool
		source  domain.ReviewSource
	)
	switch s.mode {
	case ModeQuiz:
		if strings.TrimSpace(a.Choice) == "" {
			return AnswerResult{}, errors.NewInvalidRequest("choice is required in quiz mode")
		}
		correct = strings.TrimSpace(a.Choice) == strings.TrimSpace(card.Definition)
		source = domain.SourceQuiz
	default:
		if a.Correct == nil {
			return AnswerResult{}, errors.NewInvalidRequest("a self-grade is required in review mode")
		}
		correct = *a.Correct
		source = domain.SourceSession
	}

	if a.At.IsZero() {
		a.At = time.Now()
	}
	if a.EventID == "" {
		a.EventID = domain.NewID(a.At)
	}

	res, err := r.sched.RecordOutcome(ctx, leitner.Review{
		CardID:  card.ID,
		EventID: a.EventID,
		Outcome: domain.OutcomeOf(correct),
		Source:  source,
		At:      a.At,
	})
	if err != nil {
		return AnswerResult{}, err
	}

	result := AnswerResult{
		CardID:    card.ID,
		EventID:   res.Event.ID,
		Outcome:   res.Event.Outcome,
		Expected:  card.Definition,
		BoxBefore: res.Event.BoxBefore,
		BoxAfter:  res.Event.BoxAfter,
		DueAt:     res.Card.DueAt,
		Duplicate: res.Duplicate,
	}
	s.answers[card.ID] = result
	if !res.Duplicate {
		if result.Correct() {
			s.correct++
		} else {
			s.incorrect++
		}
	}
	result.Remaining = len(s.cards) - len(s.answers)

	r.log.Debug("answer recorded",
		"session_id", s.id,
		"card_id", card.ID,
		"outcome", string(result.Outcome),
		"duplicate", result.Duplicate,
	)
	return result, nil
}
