package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
)

// Format is an export encoding.
type Format string

const (
	CSV  Format = "csv"
	YAML Format = "yaml"
)

// ParseFormat accepts "csv", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return CSV, nil
	case "yaml", "yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("export: unknown format %q", s)
	}
}

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	if f == YAML {
		return "application/yaml; charset=utf-8"
	}
	return "text/csv; charset=utf-8"
}

// CSVHeader lists the exported columns in order.
var CSVHeader = []string{"card_id", "source_ref", "box", "due_at", "term", "definition"}

// Write encodes cards to w in format f.
func Write(w io.Writer, f Format, cards []domain.Flashcard) error {
	switch f {
	case CSV:
		return WriteCSV(w, cards)
	case YAML:
		return WriteYAML(w, cards)
	default:
		return fmt.Errorf("export: unknown format %q", f)
	}
}

// WriteCSV writes a header row and one row per card.
func WriteCSV(w io.Writer, cards []domain.Flashcard) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, c := range cards {
		row := []string{
			c.ID,
			c.SourceRef,
			strconv.Itoa(int(c.Box)),
			c.DueAt.UTC().Format(time.RFC3339),
			c.Term,
			c.Definition,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row for card %s: %w", c.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// deck is the YAML document layout.
type deck struct {
	Cards []domain.Flashcard `yaml:"cards"`
}

// WriteYAML writes the cards as a single YAML document.
func WriteYAML(w io.Writer, cards []domain.Flashcard) error {
	if cards == nil {
		cards = []domain.Flashcard{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(deck{Cards: cards}); err != nil {
		return fmt.Errorf("write yaml: %w", err)
	}
	return enc.Close()
}

// ReadYAML decodes cards written by WriteYAML.
func ReadYAML(r io.Reader) ([]domain.Flashcard, error) {
	var d deck
	if err := yaml.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	return d.Cards, nil
}
