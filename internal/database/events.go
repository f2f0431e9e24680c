package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Play event kinds.
const (
	KindSong = "song"
	KindDJ   = "dj"
)

// DedupWindow is the interval inside which two events sharing
// (kind, title, artist) are considered the same event.
const DedupWindow = 10 * time.Second

// PlayEvent is one append-only row of the play history.
type PlayEvent struct {
	ID         int64             `json:"id"`
	Kind       string            `json:"kind"` // KindSong or KindDJ
	EpochMS    int64             `json:"epoch_ms"`
	Title      string            `json:"title"`
	Artist     string            `json:"artist"`
	Album      string            `json:"album,omitempty"`
	SourceURI  string            `json:"source_uri,omitempty"`
	ArtworkRef string            `json:"artwork_ref,omitempty"`
	TTSID      *int64            `json:"tts_id,omitempty"`
	TTSText    string            `json:"text,omitempty"` // joined from tts_entries for dj rows
	Extra      map[string]string `json:"extra,omitempty"`
}

// DedupKey identifies an event for duplicate suppression.
type DedupKey struct {
	Kind    string
	Title   string
	Artist  string
	EpochMS int64
}

// CommitPlayEvent appends a play event. It returns ErrDuplicateEvent when an
// event with the same (kind, title, artist) exists within the dedup window.
func (db *DB) CommitPlayEvent(ctx context.Context, e *PlayEvent) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		dup, err := dedupMatch(ctx, tx, DedupKey{Kind: e.Kind, Title: e.Title, Artist: e.Artist, EpochMS: e.EpochMS})
		if err != nil {
			return err
		}
		if dup != 0 {
			return fmt.Errorf("%w: existing id %d", ErrDuplicateEvent, dup)
		}
		id, err = insertEvent(ctx, tx, e)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// CommitAndLink appends a dj play event and links it to a ready TTS artifact
// in one transaction.
func (db *DB) CommitAndLink(ctx context.Context, e *PlayEvent, ttsID int64) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		dup, err := dedupMatch(ctx, tx, DedupKey{Kind: e.Kind, Title: e.Title, Artist: e.Artist, EpochMS: e.EpochMS})
		if err != nil {
			return err
		}
		if dup != 0 {
			return fmt.Errorf("%w: existing id %d", ErrDuplicateEvent, dup)
		}
		if err := requireReady(ctx, tx, ttsID); err != nil {
			return err
		}
		e.TTSID = &ttsID
		id, err = insertEvent(ctx, tx, e)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// LinkTTS sets the tts reference on an existing event. The artifact must be
// in "ready" or ErrNotReady is returned.
func (db *DB) LinkTTS(ctx context.Context, eventID, ttsID int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireReady(ctx, tx, ttsID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE play_history SET tts_entry_id = ? WHERE id = ?`, ttsID, eventID)
		if err != nil {
			return fmt.Errorf("%w: link tts: %v", ErrUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: play event %d", ErrNotFound, eventID)
		}
		return nil
	})
}

// LookupByDedup returns the event matching the key inside the dedup window,
// or ErrNotFound. Used by producers for idempotent retries.
func (db *DB) LookupByDedup(ctx context.Context, key DedupKey) (*PlayEvent, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM play_history h
		LEFT JOIN tts_entries t ON h.tts_entry_id = t.id
		WHERE h.kind = ? AND h.title = ? AND h.artist = ? AND ABS(h.epoch_ms - ?) < ?
		ORDER BY h.id DESC LIMIT 1`,
		key.Kind, key.Title, key.Artist, key.EpochMS, DedupWindow.Milliseconds())
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup dedup: %v", ErrUnavailable, err)
	}
	return e, nil
}

// History returns play events in descending id order. A non-zero before
// restricts results to ids strictly below it. Rows of kind "dj" only appear
// when their linked artifact is ready; pending or failed artifacts stay off
// the public history.
func (db *DB) History(ctx context.Context, limit int, before int64) ([]PlayEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT ` + eventColumns + `
		FROM play_history h
		LEFT JOIN tts_entries t ON h.tts_entry_id = t.id
		WHERE (h.kind != 'dj' OR h.tts_entry_id IS NULL OR t.status = 'ready')`
	args := []any{}
	if before > 0 {
		q += ` AND h.id < ?`
		args = append(args, before)
	}
	q += ` ORDER BY h.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var events []PlayEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: history scan: %v", ErrUnavailable, err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// LatestDJEvent returns the epoch of the most recent dj event, or 0 when
// none exists. The DJ pipeline uses it for the spacing gate.
func (db *DB) LatestDJEvent(ctx context.Context) (int64, error) {
	var epoch sql.NullInt64
	err := db.sql.QueryRowContext(ctx,
		`SELECT MAX(epoch_ms) FROM play_history WHERE kind = 'dj'`).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("%w: latest dj: %v", ErrUnavailable, err)
	}
	return epoch.Int64, nil
}

// PrunePlayHistory deletes all but the newest keep rows.
func (db *DB) PrunePlayHistory(ctx context.Context, keep int) (int64, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM play_history WHERE id NOT IN (
				SELECT id FROM play_history ORDER BY id DESC LIMIT ?
			)`, keep)
		if err != nil {
			return fmt.Errorf("%w: prune history: %v", ErrUnavailable, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

const eventColumns = `
	h.id, h.kind, h.epoch_ms, h.title, h.artist, h.album, h.source_uri,
	h.artwork_ref, h.tts_entry_id, h.extra, COALESCE(t.text, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*PlayEvent, error) {
	var e PlayEvent
	var ttsID sql.NullInt64
	var extra sql.NullString
	err := r.Scan(&e.ID, &e.Kind, &e.EpochMS, &e.Title, &e.Artist, &e.Album,
		&e.SourceURI, &e.ArtworkRef, &ttsID, &extra, &e.TTSText)
	if err != nil {
		return nil, err
	}
	if ttsID.Valid {
		e.TTSID = &ttsID.Int64
	}
	if extra.Valid && extra.String != "" {
		_ = json.Unmarshal([]byte(extra.String), &e.Extra)
	}
	return &e, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *PlayEvent) (int64, error) {
	var extra any
	if len(e.Extra) > 0 {
		b, err := json.Marshal(e.Extra)
		if err != nil {
			return 0, fmt.Errorf("marshal extra: %w", err)
		}
		extra = string(b)
	}
	var ttsID any
	if e.TTSID != nil {
		ttsID = *e.TTSID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO play_history (kind, epoch_ms, title, artist, album, source_uri, artwork_ref, tts_entry_id, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.EpochMS, e.Title, e.Artist, e.Album, e.SourceURI, e.ArtworkRef, ttsID, extra)
	if err != nil {
		return 0, fmt.Errorf("%w: insert event: %v", ErrUnavailable, err)
	}
	return res.LastInsertId()
}

func dedupMatch(ctx context.Context, tx *sql.Tx, key DedupKey) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM play_history
		WHERE kind = ? AND title = ? AND artist = ? AND ABS(epoch_ms - ?) < ?
		ORDER BY id DESC LIMIT 1`,
		key.Kind, key.Title, key.Artist, key.EpochMS, DedupWindow.Milliseconds()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: dedup check: %v", ErrUnavailable, err)
	}
	return id, nil
}

func requireReady(ctx context.Context, tx *sql.Tx, ttsID int64) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tts_entries WHERE id = ?`, ttsID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: tts artifact %d", ErrNotFound, ttsID)
	}
	if err != nil {
		return fmt.Errorf("%w: tts status: %v", ErrUnavailable, err)
	}
	if status != StatusReady {
		return fmt.Errorf("%w: artifact %d is %s", ErrNotReady, ttsID, status)
	}
	return nil
}
