package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query returning 1 if the migration is already applied
}

// migrations is the ordered list of schema migrations applied after the base
// schema. Each must be safe to re-run.
var migrations = []migration{
	{
		name:  "add play_history dedup index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_play_history_dedup ON play_history (kind, title, artist, epoch_ms)`,
		check: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_play_history_dedup'`,
	},
	{
		name:  "add tts_entries mode+epoch index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_tts_entries_mode_epoch ON tts_entries (mode, epoch_ms DESC)`,
		check: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_tts_entries_mode_epoch'`,
	},
}

// Migrate runs all pending schema migrations. Each pending migration is
// checked first; a failed apply is fatal since queries depend on the result.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var n int
			if err := db.sql.QueryRowContext(ctx, m.check).Scan(&n); err == nil && n > 0 {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.sql.ExecContext(ctx, m.sql); err != nil {
			return &MigrationError{failed: m, pending: pending[applied:], err: err}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails. It includes the SQL
// needed to apply the remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL against the database file to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart airwave.")
	return b.String()
}

func (e *MigrationError) Unwrap() error { return e.err }
