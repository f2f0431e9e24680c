package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DB wraps the single sqlite database file holding play history, TTS
// artifacts and the artwork cache. Writes go through a single-writer mutex;
// reads run concurrently against WAL snapshots.
type DB struct {
	sql *sql.DB
	log zerolog.Logger

	// writeMu serializes write transactions. sqlite allows one writer at a
	// time anyway; taking the lock up front avoids SQLITE_BUSY churn.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the database file, applies pragmas,
// the base schema and pending migrations, and runs the startup sweep that
// fails any artifact left in "pending" by a crash.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db := &DB{sql: sqldb, log: log}

	if err := db.createSchema(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}

	swept, err := db.SweepPending(ctx)
	if err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("startup sweep: %w", err)
	}
	if swept > 0 {
		log.Warn().Int64("count", swept).Msg("pending tts artifacts from previous run marked failed")
	}

	log.Info().Str("path", path).Msg("database opened")
	return db, nil
}

// HealthCheck pings the database with a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.sql.PingContext(ctx)
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database")
	db.sql.Close()
}

// withTx runs fn inside a write transaction under the single-writer lock.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}
