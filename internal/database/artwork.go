package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ArtworkEntry is one cached cover image on local disk.
type ArtworkEntry struct {
	Key        string `json:"key"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	SourceURI  string `json:"source_uri,omitempty"`
	LocalPath  string `json:"local_path"`
	SizeBytes  int64  `json:"size_bytes"`
	CachedAt   int64  `json:"cached_at"`
	LastUsedAt int64  `json:"last_used_at"`
	Status     string `json:"status"`
}

// PutArtwork inserts or replaces a cache entry.
func (db *DB) PutArtwork(ctx context.Context, e *ArtworkEntry) error {
	now := time.Now().UnixMilli()
	if e.CachedAt == 0 {
		e.CachedAt = now
	}
	if e.LastUsedAt == 0 {
		e.LastUsedAt = now
	}
	if e.Status == "" {
		e.Status = "ready"
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO artwork_cache
			(cache_key, artist, album, source_uri, local_path, size_bytes, cached_at, last_used_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Key, e.Artist, e.Album, e.SourceURI, e.LocalPath, e.SizeBytes, e.CachedAt, e.LastUsedAt, e.Status)
		if err != nil {
			return fmt.Errorf("%w: put artwork: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// GetArtwork returns the entry for key, or ErrNotFound.
func (db *DB) GetArtwork(ctx context.Context, key string) (*ArtworkEntry, error) {
	var e ArtworkEntry
	err := db.sql.QueryRowContext(ctx, `
		SELECT cache_key, artist, album, source_uri, local_path, size_bytes, cached_at, last_used_at, status
		FROM artwork_cache WHERE cache_key = ?`, key).
		Scan(&e.Key, &e.Artist, &e.Album, &e.SourceURI, &e.LocalPath, &e.SizeBytes, &e.CachedAt, &e.LastUsedAt, &e.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get artwork: %v", ErrUnavailable, err)
	}
	return &e, nil
}

// TouchArtwork bumps last_used_at so the LRU eviction keeps hot entries.
func (db *DB) TouchArtwork(ctx context.Context, key string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE artwork_cache SET last_used_at = ? WHERE cache_key = ?`,
			time.Now().UnixMilli(), key)
		if err != nil {
			return fmt.Errorf("%w: touch artwork: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// EvictArtworkLRU removes least-recently-used entries until the cache total
// fits under capBytes. It returns the local paths of evicted files so the
// caller can unlink them; eviction runs from the maintenance loop, never in
// the client path.
func (db *DB) EvictArtworkLRU(ctx context.Context, capBytes int64) ([]string, error) {
	var total int64
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM artwork_cache`).Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: artwork total: %v", ErrUnavailable, err)
	}
	if total <= capBytes {
		return nil, nil
	}

	rows, err := db.sql.QueryContext(ctx, `
		SELECT cache_key, local_path, size_bytes FROM artwork_cache ORDER BY last_used_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: artwork lru: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	var paths []string
	for rows.Next() && total > capBytes {
		var key, path string
		var size int64
		if err := rows.Scan(&key, &path, &size); err != nil {
			return nil, fmt.Errorf("%w: artwork lru scan: %v", ErrUnavailable, err)
		}
		keys = append(keys, key)
		paths = append(paths, path)
		total -= size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: artwork lru rows: %v", ErrUnavailable, err)
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM artwork_cache WHERE cache_key = ?`, key); err != nil {
				return fmt.Errorf("%w: artwork evict: %v", ErrUnavailable, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
