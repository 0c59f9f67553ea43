package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/knol"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/parser"
)

// ManualRef is the SourceRef of cards written by hand.
const ManualRef = "manual"

// AddCard stores a hand-written card in sourceID, in box 1 and due now. The
// extractor's length rules apply, and content already stored in the source
// is rejected with a conflict.
func AddCard(ctx context.Context, store CardStore, sourceID int64, term, definition string, now time.Time) (domain.Flashcard, error) {
	c := domain.Card{Term: strings.TrimSpace(term), Definition: strings.TrimSpace(definition)}
	if err := parser.Validate(c); err != nil {
		return domain.Flashcard{}, errors.NewInvalidRequest(err.Error())
	}
	hash := knol.Hash(c)

	existing, err := store.FindCardByHash(ctx, sourceID, hash)
	if err != nil {
		return domain.Flashcard{}, fmt.Errorf("db check for %s: %w", hash, err)
	}
	if existing != nil {
		return *existing, errors.NewConflict(fmt.Sprintf("card %q already exists as %s", c.Term, existing.ID))
	}

	card := leitner.NewFlashcard(domain.NewID(now), hash, c, now)
	card.SourceID = sourceID
	card.SourceRef = ManualRef
	if err := store.InsertCard(ctx, card); err != nil {
		return domain.Flashcard{}, err
	}
	return card, nil
}

// ImportDeck stores cards read back from an exported deck. Each card keeps
// its ID, source, box and schedule. A card whose content or ID is already
// stored is counted as existing. Invalid cards fail the import before
// anything is written.
func ImportDeck(ctx context.Context, store CardStore, deck []domain.Flashcard, now time.Time) (ImportResult, error) {
	cards := make([]domain.Flashcard, 0, len(deck))
	for i, in := range deck {
		card, err := deckCard(in, now)
		if err != nil {
			return ImportResult{}, errors.NewInvalidRequest(fmt.Sprintf("card %d: %v", i+1, err))
		}
		cards = append(cards, card)
	}

	res := ImportResult{Parsed: len(cards)}
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Hashes = append(res.Hashes, card.Hash)

		existing, err := store.FindCardByHash(ctx, card.SourceID, card.Hash)
		if err != nil {
			return res, fmt.Errorf("db check for %s: %w", card.Hash, err)
		}
		if existing != nil {
			res.Existing++
			continue
		}
		if err := store.InsertCard(ctx, card); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				res.Existing++
				continue
			}
			return res, fmt.Errorf("db insert for %s: %w", card.ID, err)
		}
		res.Inserted++
		res.Cards = append(res.Cards, card)
	}
	return res, nil
}

// deckCard rebuilds a storable card from an exported one. The hash is
// recomputed and the version starts over.
func deckCard(in domain.Flashcard, now time.Time) (domain.Flashcard, error) {
	c := domain.Card{Term: strings.TrimSpace(in.Term), Definition: strings.TrimSpace(in.Definition)}
	if err := parser.Validate(c); err != nil {
		return domain.Flashcard{}, err
	}
	if in.Box != 0 && !in.Box.Valid() {
		return domain.Flashcard{}, fmt.Errorf("box %d out of range", in.Box)
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = domain.NewID(now)
	}
	card := leitner.NewFlashcard(id, knol.Hash(c), c, now)
	card.SourceID = in.SourceID
	card.SourceRef = in.SourceRef
	if in.Box != 0 {
		card.Box = in.Box
	}
	if !in.DueAt.IsZero() {
		card.DueAt = in.DueAt.UTC()
	}
	if !in.CreatedAt.IsZero() {
		card.CreatedAt = in.CreatedAt.UTC()
	}
	if in.LastReviewedAt != nil {
		t := in.LastReviewedAt.UTC()
		card.LastReviewedAt = &t
	}
	return card, nil
}
