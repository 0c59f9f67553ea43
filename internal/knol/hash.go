package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
)

// Normalize concatenates the card's term and definition after cleaning each
// part. It lowercases, normalizes line endings and collapses runs of
// whitespace, so cosmetic edits to a note do not create duplicate cards.
func Normalize(card domain.Card) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return strings.Join(strings.Fields(p), " ")
	}

	// Joined with a newline so "ab"+"c" and "a"+"bc" stay distinct.
	return normalizePart(card.Term) + "\n" + normalizePart(card.Definition)
}

// Hash takes a card, normalizes it, and returns its SHA-256 hash as a hex
// string. It is the (term, definition) deduplication key.
func Hash(card domain.Card) string {
	normalized := Normalize(card)
	hashBytes := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hashBytes)
}

// Dedup drops cards whose hash was already seen, keeping first occurrences
// in order.
func Dedup(cards []domain.Card) []domain.Card {
	seen := make(map[string]bool, len(cards))
	out := make([]domain.Card, 0, len(cards))
	for _, c := range cards {
		h := Hash(c)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, c)
	}
	return out
}
