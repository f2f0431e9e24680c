package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TTS artifact statuses.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
	StatusGarbage = "garbage"
)

// TTSArtifact is one synthesized DJ clip plus its transcript sidecar.
type TTSArtifact struct {
	ID             int64  `json:"id"`
	EpochMS        int64  `json:"epoch_ms"`
	Text           string `json:"text"`
	AudioPath      string `json:"audio_path"`
	TranscriptPath string `json:"transcript_path"`
	TrackTitle     string `json:"track_title,omitempty"`
	TrackArtist    string `json:"track_artist,omitempty"`
	Mode           string `json:"mode"` // intro, outro, custom
	Status         string `json:"status"`
	SizeBytes      int64  `json:"size_bytes"`
	DurationMS     int64  `json:"duration_ms"`
}

// legalTransitions holds the allowed status changes.
var legalTransitions = map[string]map[string]bool{
	StatusPending: {StatusReady: true, StatusFailed: true},
	StatusReady:   {StatusGarbage: true},
}

// RegisterTTS inserts a new artifact with status "pending" and returns its id.
func (db *DB) RegisterTTS(ctx context.Context, a *TTSArtifact) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tts_entries (epoch_ms, text, audio_path, transcript_path, track_title, track_artist, mode, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.EpochMS, a.Text, a.AudioPath, a.TranscriptPath, a.TrackTitle, a.TrackArtist, a.Mode, StatusPending)
		if err != nil {
			return fmt.Errorf("%w: register tts: %v", ErrUnavailable, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	a.ID = id
	a.Status = StatusPending
	return id, nil
}

// MarkTTS moves an artifact to a new status, recording size and duration on
// the way to "ready". Only pending→ready|failed and ready→garbage are legal.
func (db *DB) MarkTTS(ctx context.Context, id int64, status string, sizeBytes, durationMS int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tts_entries WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: tts artifact %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("%w: tts status: %v", ErrUnavailable, err)
		}
		if !legalTransitions[current][status] {
			return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, current, status)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tts_entries SET status = ?, size_bytes = ?, duration_ms = ? WHERE id = ?`,
			status, sizeBytes, durationMS, id)
		if err != nil {
			return fmt.Errorf("%w: mark tts: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// GetTTS returns one artifact by id.
func (db *DB) GetTTS(ctx context.Context, id int64) (*TTSArtifact, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT id, epoch_ms, text, audio_path, transcript_path, track_title, track_artist, mode, status, size_bytes, duration_ms
		FROM tts_entries WHERE id = ?`, id)
	return scanTTS(row)
}

// GetTTSByAudioPath returns the artifact whose audio file is path. Used to
// link externally produced clips dropped into the artifact directory.
func (db *DB) GetTTSByAudioPath(ctx context.Context, path string) (*TTSArtifact, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT id, epoch_ms, text, audio_path, transcript_path, track_title, track_artist, mode, status, size_bytes, duration_ms
		FROM tts_entries WHERE audio_path = ? ORDER BY id DESC LIMIT 1`, path)
	return scanTTS(row)
}

// SweepPending fails every artifact still in "pending". Run once at startup;
// a pending row at that point is an orphan from a crash mid-pipeline.
func (db *DB) SweepPending(ctx context.Context) (int64, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tts_entries SET status = ? WHERE status = ?`, StatusFailed, StatusPending)
		if err != nil {
			return fmt.Errorf("%w: sweep pending: %v", ErrUnavailable, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ExpiredArtifacts returns failed and garbage artifacts older than the
// retention period. The caller removes their files, then calls DeleteTTS.
func (db *DB) ExpiredArtifacts(ctx context.Context, retention time.Duration, now time.Time) ([]TTSArtifact, error) {
	cutoff := now.Add(-retention).UnixMilli()
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, epoch_ms, text, audio_path, transcript_path, track_title, track_artist, mode, status, size_bytes, duration_ms
		FROM tts_entries
		WHERE status IN (?, ?) AND epoch_ms < ?`,
		StatusFailed, StatusGarbage, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: expired artifacts: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []TTSArtifact
	for rows.Next() {
		a, err := scanTTS(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: expired scan: %v", ErrUnavailable, err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteTTS removes an artifact row. Any play_history reference is nulled by
// the ON DELETE SET NULL foreign key.
func (db *DB) DeleteTTS(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tts_entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: delete tts: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// DebugArtifacts returns recent artifacts of any status for the debug
// endpoint, newest first.
func (db *DB) DebugArtifacts(ctx context.Context, limit int) ([]TTSArtifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, epoch_ms, text, audio_path, transcript_path, track_title, track_artist, mode, status, size_bytes, duration_ms
		FROM tts_entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: debug artifacts: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []TTSArtifact
	for rows.Next() {
		a, err := scanTTS(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: debug scan: %v", ErrUnavailable, err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanTTS(r rowScanner) (*TTSArtifact, error) {
	var a TTSArtifact
	err := r.Scan(&a.ID, &a.EpochMS, &a.Text, &a.AudioPath, &a.TranscriptPath,
		&a.TrackTitle, &a.TrackArtist, &a.Mode, &a.Status, &a.SizeBytes, &a.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: tts scan: %v", ErrUnavailable, err)
	}
	return &a, nil
}
