package parser

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
)

const (
	questionPrefix = "q:"
	answerPrefix   = "a:"
	separator      = "---"

	maxTermRunes       = 180
	maxDefinitionRunes = 4000
)

var (
	bulletPrefix = regexp.MustCompile(`^[-*•●]+\s+`)
	dashSplit    = regexp.MustCompile(`\s+[-–—]\s+`)
	arrowSplit   = regexp.MustCompile(`\s*[-=]>\s*`)
	equalsSplit  = regexp.MustCompile(`\s*=\s*`)
)

// splitters run in order on a single line; the first that matches wins.
// Arrows are tried before "=" so "a => b" is not cut at the "=".
var splitters = []func(string) (string, string, bool){
	splitColon,
	splitDash,
	splitArrow,
	splitEquals,
}

// matcher tries to read one card starting at lines[i]. It returns the number
// of lines it consumed (0 when the pattern does not apply) and whether the
// consumed lines produced a usable card.
type matcher func(lines []string, i int) (domain.Card, int, bool)

// matchers run in order at every line; the first one that consumes wins.
// Q/A comes first because "Q: ..." would otherwise split as a term.
var matchers = []matcher{
	matchQuestionAnswer,
	matchSeparated,
}

// ParseFile reads a file from the given path and extracts all cards.
func ParseFile(path string) ([]domain.Card, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads from an io.Reader and extracts all cards. It only fails when
// reading fails; lines that match no pattern, however long, are skipped.
func Parse(r io.Reader) ([]domain.Card, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Extract(string(data)), nil
}

// Extract returns the cards found in text, in input order. It is a pure
// function of its input and never deduplicates.
func Extract(text string) []domain.Card {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return extractLines(strings.Split(text, "\n"))
}

func extractLines(lines []string) []domain.Card {
	var cards []domain.Card
	for i := 0; i < len(lines); {
		consumed := 0
		for _, m := range matchers {
			card, n, ok := m(lines, i)
			if n == 0 {
				continue
			}
			if ok {
				cards = append(cards, card)
			}
			consumed = n
			break
		}
		if consumed == 0 {
			consumed = 1
		}
		i += consumed
	}
	return cards
}

func matchQuestionAnswer(lines []string, i int) (domain.Card, int, bool) {
	first := clean(lines[i])
	if isAnswer(first) {
		// An answer with no pending question.
		return domain.Card{}, 1, false
	}
	if !isQuestion(first) {
		return domain.Card{}, 0, false
	}

	question := appendPart(nil, first[len(questionPrefix):])
	j := i + 1
	for j < len(lines) {
		l := clean(lines[j])
		if l == "" || l == separator || isAnswer(l) || isQuestion(l) || isTermLine(l) {
			break
		}
		question = appendPart(question, l)
		j++
	}
	questionEnd := j

	// Allow blank lines between the question and its answer.
	for j < len(lines) && clean(lines[j]) == "" {
		j++
	}
	if j >= len(lines) || !isAnswer(clean(lines[j])) {
		return domain.Card{}, questionEnd - i, false
	}

	answer := appendPart(nil, clean(lines[j])[len(answerPrefix):])
	j++
	for j < len(lines) {
		l := clean(lines[j])
		if l == "" || l == separator || isAnswer(l) || isQuestion(l) || isTermLine(l) {
			break
		}
		answer = appendPart(answer, l)
		j++
	}

	card := domain.Card{
		Term:       strings.Join(question, " "),
		Definition: strings.Join(answer, " "),
		Line:       i + 1,
	}
	return card, j - i, valid(card)
}

func matchSeparated(lines []string, i int) (domain.Card, int, bool) {
	term, def, ok := split(clean(lines[i]))
	if !ok {
		return domain.Card{}, 0, false
	}
	card := domain.Card{Term: term, Definition: def, Line: i + 1}
	return card, 1, valid(card)
}

func split(l string) (string, string, bool) {
	for _, s := range splitters {
		if term, def, ok := s(l); ok {
			return term, def, true
		}
	}
	return "", "", false
}

// splitColon cuts at the first colon that is not part of a URL scheme
// ("https://") or a clock time ("10:30").
func splitColon(l string) (string, string, bool) {
	for i := 0; i < len(l); i++ {
		if l[i] != ':' {
			continue
		}
		if strings.HasPrefix(l[i+1:], "//") {
			continue
		}
		if i > 0 && i+1 < len(l) && isDigit(l[i-1]) && isDigit(l[i+1]) {
			continue
		}
		return strings.TrimSpace(l[:i]), strings.TrimSpace(l[i+1:]), true
	}
	return "", "", false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func splitDash(l string) (string, string, bool) {
	return splitAt(dashSplit, l)
}

func splitArrow(l string) (string, string, bool) {
	return splitAt(arrowSplit, l)
}

func splitEquals(l string) (string, string, bool) {
	return splitAt(equalsSplit, l)
}

func splitAt(re *regexp.Regexp, l string) (string, string, bool) {
	loc := re.FindStringIndex(l)
	if loc == nil {
		return "", "", false
	}
	return strings.TrimSpace(l[:loc[0]]), strings.TrimSpace(l[loc[1]:]), true
}

// isTermLine reports whether l would start a new term card on its own.
func isTermLine(l string) bool {
	term, def, ok := split(l)
	return ok && term != "" && def != ""
}

func isQuestion(l string) bool {
	return hasPrefixFold(l, questionPrefix)
}

func isAnswer(l string) bool {
	return hasPrefixFold(l, answerPrefix)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// clean trims whitespace and a leading list bullet.
func clean(line string) string {
	l := strings.TrimSpace(line)
	l = bulletPrefix.ReplaceAllString(l, "")
	return strings.TrimSpace(l)
}

func appendPart(parts []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return parts
	}
	return append(parts, s)
}

func valid(card domain.Card) bool {
	return Validate(card) == nil
}

// Validate applies the extractor's rules to a card written by other means:
// both sides must be non-empty and within the length limits.
func Validate(card domain.Card) error {
	switch {
	case card.Term == "":
		return fmt.Errorf("term is empty")
	case card.Definition == "":
		return fmt.Errorf("definition is empty")
	case utf8.RuneCountInString(card.Term) > maxTermRunes:
		return fmt.Errorf("term is longer than %d characters", maxTermRunes)
	case utf8.RuneCountInString(card.Definition) > maxDefinitionRunes:
		return fmt.Errorf("definition is longer than %d characters", maxDefinitionRunes)
	}
	return nil
}
