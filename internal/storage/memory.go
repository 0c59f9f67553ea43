package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
)

// Memory is an in-process card and review store. It offers the same card and
// event capability as DB and is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	cards    map[string]domain.Flashcard
	order    []string
	events   []domain.ReviewEvent
	eventIdx map[string]int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		cards:    make(map[string]domain.Flashcard),
		eventIdx: make(map[string]int),
	}
}

// InsertCard stores a new card. IDs and (source, hash) pairs must be unique.
func (m *Memory) InsertCard(_ context.Context, card domain.Flashcard) error {
	if !card.Box.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("box %d out of range", card.Box))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cards[card.ID]; ok {
		return errors.NewConflict(fmt.Sprintf("card %s already exists", card.ID))
	}
	for _, c := range m.cards {
		if c.SourceID == card.SourceID && c.Hash == card.Hash {
			return errors.NewConflict(fmt.Sprintf("card with hash %s already exists in source %d", card.Hash, card.SourceID))
		}
	}
	m.cards[card.ID] = card
	m.order = append(m.order, card.ID)
	return nil
}

// GetCard returns the card with the given ID.
func (m *Memory) GetCard(_ context.Context, id string) (domain.Flashcard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[id]
	if !ok {
		return domain.Flashcard{}, errors.NewNotFound("card", id)
	}
	return card, nil
}

// FindCardByHash returns the card with hash in the given source, or nil.
func (m *Memory) FindCardByHash(_ context.Context, sourceID int64, hash string) (*domain.Flashcard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		c := m.cards[id]
		if c.SourceID == sourceID && c.Hash == hash {
			return &c, nil
		}
	}
	return nil, nil
}

// ListCards returns matching cards in insertion order.
func (m *Memory) ListCards(_ context.Context, filter domain.CardFilter) ([]domain.Flashcard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var out []domain.Flashcard
	for _, id := range m.order {
		c := m.cards[id]
		if filter.SourceID != 0 && c.SourceID != filter.SourceID {
			continue
		}
		if filter.Box != 0 && c.Box != filter.Box {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(c.Term), q) && !strings.Contains(strings.ToLower(c.Definition), q) {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// SaveReview appends event and replaces the card if its version still
// matches expectedVersion.
func (m *Memory) SaveReview(_ context.Context, card domain.Flashcard, expectedVersion int64, event domain.ReviewEvent) error {
	if !card.Box.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("box %d out of range", card.Box))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.eventIdx[event.ID]; ok {
		return domain.ErrDuplicateEvent
	}
	current, ok := m.cards[card.ID]
	if !ok {
		return errors.NewNotFound("card", card.ID)
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	m.cards[card.ID] = card
	m.eventIdx[event.ID] = len(m.events)
	m.events = append(m.events, event)
	return nil
}

// FindEvent returns the review event with the given ID.
func (m *Memory) FindEvent(_ context.Context, id string) (domain.ReviewEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.eventIdx[id]
	if !ok {
		return domain.ReviewEvent{}, errors.NewNotFound("review event", id)
	}
	return m.events[i], nil
}

// RecentEvents returns matching events, newest first.
func (m *Memory) RecentEvents(_ context.Context, filter domain.EventFilter) ([]domain.ReviewEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ReviewEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.SourceID != 0 && e.SourceID != filter.SourceID {
			continue
		}
		if filter.CardID != "" && e.CardID != filter.CardID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
