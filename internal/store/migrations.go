package store

const schema = `
CREATE TABLE IF NOT EXISTS tracker_state (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    schema_version INTEGER NOT NULL,
    last_check     TEXT NOT NULL DEFAULT '',
    initialized    BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_cursors (
    source_id   TEXT PRIMARY KEY,
    revision    TEXT NOT NULL DEFAULT '',
    revision_at TEXT NOT NULL DEFAULT '',
    checked_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS programs (
    key           TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    platform      TEXT NOT NULL,
    handle        TEXT NOT NULL,
    url           TEXT NOT NULL DEFAULT '',
    offers_bounty BOOLEAN NOT NULL DEFAULT 0,
    scopes        TEXT NOT NULL DEFAULT '[]',
    max_severity  TEXT NOT NULL DEFAULT 'unknown',
    first_seen_at TEXT NOT NULL,
    last_seen_at  TEXT NOT NULL,
    last_change   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_programs_last_seen ON programs(last_seen_at);

CREATE TABLE IF NOT EXISTS changes (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    key           TEXT NOT NULL,
    change_type   TEXT NOT NULL,
    detected_at   TEXT NOT NULL,
    snapshot      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_detected ON changes(detected_at);
`
