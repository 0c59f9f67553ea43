package domain

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store-level signals used by the compare-and-set review path.
var (
	ErrVersionConflict = errors.New("card version changed concurrently")
	ErrDuplicateEvent  = errors.New("review event already recorded")
)

// NewID returns a ULID for cards and review events, ordered by t.
func NewID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
