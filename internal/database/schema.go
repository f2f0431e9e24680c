package database

import "context"

// Base schema. Statements are idempotent; later shape changes go through
// the migration list in migrations.go.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS play_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    kind          TEXT NOT NULL CHECK (kind IN ('song', 'dj')),
    epoch_ms      INTEGER NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    artist        TEXT NOT NULL DEFAULT '',
    album         TEXT NOT NULL DEFAULT '',
    source_uri    TEXT NOT NULL DEFAULT '',
    artwork_ref   TEXT NOT NULL DEFAULT '',
    tts_entry_id  INTEGER REFERENCES tts_entries(id) ON DELETE SET NULL,
    extra         TEXT
);

CREATE TABLE IF NOT EXISTS tts_entries (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    epoch_ms         INTEGER NOT NULL UNIQUE,
    text             TEXT NOT NULL,
    audio_path       TEXT NOT NULL DEFAULT '',
    transcript_path  TEXT NOT NULL DEFAULT '',
    track_title      TEXT NOT NULL DEFAULT '',
    track_artist     TEXT NOT NULL DEFAULT '',
    mode             TEXT NOT NULL DEFAULT 'custom' CHECK (mode IN ('intro', 'outro', 'custom')),
    status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'ready', 'failed', 'garbage')),
    size_bytes       INTEGER NOT NULL DEFAULT 0,
    duration_ms      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS artwork_cache (
    cache_key     TEXT PRIMARY KEY,
    artist        TEXT NOT NULL DEFAULT '',
    album         TEXT NOT NULL DEFAULT '',
    source_uri    TEXT NOT NULL DEFAULT '',
    local_path    TEXT NOT NULL,
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    cached_at     INTEGER NOT NULL,
    last_used_at  INTEGER NOT NULL,
    status        TEXT NOT NULL DEFAULT 'ready'
);

CREATE INDEX IF NOT EXISTS idx_play_history_epoch ON play_history (epoch_ms DESC);
CREATE INDEX IF NOT EXISTS idx_play_history_tts ON play_history (tts_entry_id);
CREATE INDEX IF NOT EXISTS idx_tts_entries_status ON tts_entries (status);
CREATE INDEX IF NOT EXISTS idx_tts_entries_epoch ON tts_entries (epoch_ms DESC);
CREATE INDEX IF NOT EXISTS idx_artwork_last_used ON artwork_cache (last_used_at);
`

func (db *DB) createSchema(ctx context.Context) error {
	_, err := db.sql.ExecContext(ctx, schemaSQL)
	return err
}
