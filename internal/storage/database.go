package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// pragmas apply to every pooled connection. Immediate transactions take the
// write lock up front so a review's insert and compare-and-set update never
// race another writer.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection at path and ensures the schema is
// up to date. A path that already carries a query string is used verbatim.
func Open(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = path + "?" + pragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db}, nil
}

// SetMaxConns limits open connections. Zero leaves the driver default.
func (db *DB) SetMaxConns(n int) {
	if n > 0 {
		db.conn.SetMaxOpenConns(n)
		db.conn.SetMaxIdleConns(n)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

const cardColumns = `id, hash, term, definition, source_id, source_ref, box, due_at, created_at, last_reviewed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (domain.Flashcard, error) {
	var (
		c              domain.Flashcard
		box            int
		dueAt, created int64
		lastReviewed   sql.NullInt64
	)
	err := row.Scan(
		&c.ID,
		&c.Hash,
		&c.Term,
		&c.Definition,
		&c.SourceID,
		&c.SourceRef,
		&box,
		&dueAt,
		&created,
		&lastReviewed,
		&c.Version,
	)
	if err != nil {
		return domain.Flashcard{}, err
	}
	c.Box = domain.Box(box)
	if !c.Box.Valid() {
		return domain.Flashcard{}, errors.NewInternal(fmt.Errorf("card %s has box %d out of range", c.ID, box))
	}
	c.DueAt = fromNanos(dueAt)
	c.CreatedAt = fromNanos(created)
	if lastReviewed.Valid {
		t := fromNanos(lastReviewed.Int64)
		c.LastReviewedAt = &t
	}
	return c, nil
}

// InsertCard inserts a new card. A card with the same ID, or the same hash
// within its source, is rejected with a conflict.
func (db *DB) InsertCard(ctx context.Context, card domain.Flashcard) error {
	if !card.Box.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("box %d out of range", card.Box))
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		card.ID,
		card.Hash,
		card.Term,
		card.Definition,
		card.SourceID,
		card.SourceRef,
		int(card.Box),
		toNanos(card.DueAt),
		toNanos(card.CreatedAt),
		nullableNanos(card.LastReviewedAt),
		card.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", card.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", card.ID, err)
	}
	if n == 0 {
		return errors.NewConflict(fmt.Sprintf("card %s already exists", card.ID))
	}
	return nil
}

// GetCard retrieves a card by its ID.
func (db *DB) GetCard(ctx context.Context, id string) (domain.Flashcard, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return domain.Flashcard{}, errors.NewNotFound("card", id)
		}
		return domain.Flashcard{}, fmt.Errorf("failed to get card %s: %w", id, err)
	}
	return c, nil
}

// FindCardByHash retrieves a card by its content hash within a source.
func (db *DB) FindCardByHash(ctx context.Context, sourceID int64, hash string) (*domain.Flashcard, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards WHERE source_id = ? AND hash = ?
	`, sourceID, hash)
	c, err := scanCard(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil // Card not found
		}
		return nil, fmt.Errorf("failed to find card by hash %s: %w", hash, err)
	}
	return &c, nil
}

// likeEscaper makes LIKE wildcards in a search query match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListCards retrieves cards matching filter in creation order. The query is
// a literal, case-insensitive substring match.
func (db *DB) ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Flashcard, error) {
	var (
		where []string
		args  []any
	)
	if filter.SourceID != 0 {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.Box != 0 {
		where = append(where, "box = ?")
		args = append(args, int(filter.Box))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, `(term LIKE ? ESCAPE '\' OR definition LIKE ? ESCAPE '\')`)
		like := "%" + likeEscaper.Replace(q) + "%"
		args = append(args, like, like)
	}

	query := `SELECT ` + cardColumns + ` FROM cards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Flashcard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	return cards, nil
}

// SaveReview appends event and updates the card's Leitner state in one
// transaction. The update only applies while the stored version equals
// expectedVersion.
func (db *DB) SaveReview(ctx context.Context, card domain.Flashcard, expectedVersion int64, event domain.ReviewEvent) (err error) {
	if !card.Box.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("box %d out of range", card.Box))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin review transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO review_events (id, card_id, source_id, outcome, source, box_before, box_after, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.CardID,
		event.SourceID,
		string(event.Outcome),
		string(event.Source),
		int(event.BoxBefore),
		int(event.BoxAfter),
		toNanos(event.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert review event %s: %w", event.ID, err)
	}
	if n, rerr := res.RowsAffected(); rerr != nil {
		return fmt.Errorf("failed to insert review event %s: %w", event.ID, rerr)
	} else if n == 0 {
		return domain.ErrDuplicateEvent
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET box = ?, due_at = ?, last_reviewed_at = ?, version = ?
		WHERE id = ? AND version = ?
	`,
		int(card.Box),
		toNanos(card.DueAt),
		nullableNanos(card.LastReviewedAt),
		card.Version,
		card.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", card.ID, err)
	}
	if n, rerr := res.RowsAffected(); rerr != nil {
		return fmt.Errorf("failed to update card %s: %w", card.ID, rerr)
	} else if n == 0 {
		return domain.ErrVersionConflict
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review for card %s: %w", card.ID, err)
	}
	return nil
}

const eventColumns = `id, card_id, source_id, outcome, source, box_before, box_after, reviewed_at`

func scanEvent(row rowScanner) (domain.ReviewEvent, error) {
	var (
		e                   domain.ReviewEvent
		outcome, source     string
		boxBefore, boxAfter int
		reviewedAt          int64
	)
	if err := row.Scan(&e.ID, &e.CardID, &e.SourceID, &outcome, &source, &boxBefore, &boxAfter, &reviewedAt); err != nil {
		return domain.ReviewEvent{}, err
	}
	e.Outcome = domain.Outcome(outcome)
	e.Source = domain.ReviewSource(source)
	e.BoxBefore = domain.Box(boxBefore)
	e.BoxAfter = domain.Box(boxAfter)
	e.ReviewedAt = fromNanos(reviewedAt)
	return e, nil
}

// FindEvent retrieves a review event by its ID.
func (db *DB) FindEvent(ctx context.Context, id string) (domain.ReviewEvent, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM review_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return domain.ReviewEvent{}, errors.NewNotFound("review event", id)
		}
		return domain.ReviewEvent{}, fmt.Errorf("failed to find review event %s: %w", id, err)
	}
	return e, nil
}

// RecentEvents retrieves matching review events, newest first.
func (db *DB) RecentEvents(ctx context.Context, filter domain.EventFilter) ([]domain.ReviewEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.SourceID != 0 {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.CardID != "" {
		where = append(where, "card_id = ?")
		args = append(args, filter.CardID)
	}
	query := `SELECT ` + eventColumns + ` FROM review_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list review events: %w", err)
	}
	defer rows.Close()

	var events []domain.ReviewEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list review events: %w", err)
	}
	return events, nil
}

// Source represents a note source, either a local path or a Git URL.
type Source struct {
	ID          int64
	Path        string
	Type        string
	LastScanned *time.Time
}

// InsertSource inserts a new source path into the database and returns its ID.
func (db *DB) InsertSource(ctx context.Context, path, sourceType string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sources (path, type)
		VALUES (?, ?)
	`, path, sourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

func scanSource(row rowScanner) (Source, error) {
	var (
		s           Source
		lastScanned sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Path, &s.Type, &lastScanned); err != nil {
		return Source{}, err
	}
	if lastScanned.Valid {
		t := fromNanos(lastScanned.Int64)
		s.LastScanned = &t
	}
	return s, nil
}

// GetSource retrieves a source by its ID.
func (db *DB) GetSource(ctx context.Context, id int64) (*Source, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, path, type, last_scanned
		FROM sources WHERE id = ?
	`, id)
	s, err := scanSource(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFound("source", fmt.Sprint(id))
		}
		return nil, fmt.Errorf("failed to get source %d: %w", id, err)
	}
	return &s, nil
}

// FindSourceByPath retrieves a source from the database by its path.
func (db *DB) FindSourceByPath(ctx context.Context, path string) (*Source, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, path, type, last_scanned
		FROM sources WHERE path = ?
	`, path)
	s, err := scanSource(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil // Source not found
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &s, nil
}

// GetAllSources retrieves all stored sources from the database.
func (db *DB) GetAllSources(ctx context.Context) ([]Source, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, path, type, last_scanned
		FROM sources ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// UpdateSourceLastScanned updates the last_scanned timestamp for a source.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sources
		SET last_scanned = ?
		WHERE id = ?
	`, toNanos(at), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}
