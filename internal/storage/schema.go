package storage

// Timestamps are stored as Unix nanoseconds in UTC.
const schema = `
-- The 'sources' table tracks where notes come from: a local path or a git repository.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT 'local',
    last_scanned INTEGER
);

-- The 'cards' table stores each flashcard and its Leitner state.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    term TEXT NOT NULL,
    definition TEXT NOT NULL,
    source_id INTEGER NOT NULL DEFAULT 0, -- 0: no source
    source_ref TEXT NOT NULL DEFAULT '',
    box INTEGER NOT NULL DEFAULT 1 CHECK (box BETWEEN 1 AND 5),
    due_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    last_reviewed_at INTEGER,
    version INTEGER NOT NULL DEFAULT 0,

    UNIQUE (source_id, hash)
);

CREATE INDEX IF NOT EXISTS idx_cards_due ON cards(due_at);

-- The 'review_events' table is the append-only review log. seq gives a stable
-- insertion order; id is the client-supplied idempotency key.
CREATE TABLE IF NOT EXISTS review_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    card_id TEXT NOT NULL,
    source_id INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL CHECK (outcome IN ('correct', 'incorrect')),
    source TEXT NOT NULL DEFAULT 'session',
    box_before INTEGER NOT NULL,
    box_after INTEGER NOT NULL,
    reviewed_at INTEGER NOT NULL,

    FOREIGN KEY(card_id) REFERENCES cards(id)
);

CREATE INDEX IF NOT EXISTS idx_review_events_card ON review_events(card_id);
CREATE INDEX IF NOT EXISTS idx_review_events_source ON review_events(source_id);
`
