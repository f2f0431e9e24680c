package main

import (
	"context"
	"database/sql"
	"fmt"
)

// fixDuplicateEvents finds pairs of play events with the same kind, title
// and artist whose timestamps fall inside the 10 second dedup window. These
// only exist when two sources raced a commit before the dedup check landed.
// The earlier row is kept; the later row's artifact link is merged into it
// when the keeper has none.
func fixDuplicateEvents(ctx context.Context, db *sql.DB, dryRun bool) {
	const findPairs = `
		SELECT a.id, a.epoch_ms, a.tts_entry_id,
		       b.id, b.epoch_ms, b.tts_entry_id,
		       a.kind, a.title, a.artist
		FROM play_history a
		JOIN play_history b ON a.kind = b.kind
			AND a.title = b.title
			AND a.artist = b.artist
			AND a.id < b.id
			AND ABS(a.epoch_ms - b.epoch_ms) <= 10000
		ORDER BY a.epoch_ms DESC
	`

	rows, err := db.QueryContext(ctx, findPairs)
	if err != nil {
		fmt.Printf("Error finding pairs: %v\n", err)
		return
	}
	defer rows.Close()

	type pair struct {
		keepID, deleteID       int64
		keepEpoch, deleteEpoch int64
		keepTTS, deleteTTS     *int64
		kind, title, artist    string
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.keepID, &p.keepEpoch, &p.keepTTS,
			&p.deleteID, &p.deleteEpoch, &p.deleteTTS,
			&p.kind, &p.title, &p.artist); err != nil {
			fmt.Printf("Scan error: %v\n", err)
			return
		}
		pairs = append(pairs, p)
	}

	if len(pairs) == 0 {
		fmt.Println("No duplicate events found.")
		return
	}

	mode := "DRY RUN"
	if !dryRun {
		mode = "APPLYING"
	}
	fmt.Printf("── Duplicate Events (%s) ──\n", mode)
	for _, p := range pairs {
		fmt.Printf("  keep %d (epoch=%d) drop %d (epoch=%d)  %s %q / %q\n",
			p.keepID, p.keepEpoch, p.deleteID, p.deleteEpoch, p.kind, p.title, p.artist)
		if dryRun {
			continue
		}

		if p.keepTTS == nil && p.deleteTTS != nil {
			if _, err := db.ExecContext(ctx,
				"UPDATE play_history SET tts_entry_id = ? WHERE id = ?",
				*p.deleteTTS, p.keepID); err != nil {
				fmt.Printf("    merge link failed: %v\n", err)
				continue
			}
		}
		if _, err := db.ExecContext(ctx,
			"DELETE FROM play_history WHERE id = ?", p.deleteID); err != nil {
			fmt.Printf("    delete failed: %v\n", err)
		}
	}
	fmt.Printf("%d pair(s) processed.\n", len(pairs))
	if dryRun {
		fmt.Println("Run with 'dupes apply' to make changes.")
	}
}
