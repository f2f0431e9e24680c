package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// fixOrphanArtifacts finds "ready" artifacts whose audio file no longer
// exists on disk, typically after a manual cleanup under the artifact dir.
// Applying marks them garbage so the next maintenance pass drops the rows.
func fixOrphanArtifacts(ctx context.Context, db *sql.DB, dryRun bool) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, audio_path, track_title, track_artist FROM tts_entries WHERE status = 'ready' AND audio_path != ''")
	if err != nil {
		fmt.Printf("Error listing artifacts: %v\n", err)
		return
	}
	defer rows.Close()

	type orphan struct {
		id            int64
		path          string
		title, artist string
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.path, &o.title, &o.artist); err != nil {
			fmt.Printf("Scan error: %v\n", err)
			return
		}
		if _, err := os.Stat(o.path); os.IsNotExist(err) {
			orphans = append(orphans, o)
		}
	}

	if len(orphans) == 0 {
		fmt.Println("No orphaned artifacts found.")
		return
	}

	mode := "DRY RUN"
	if !dryRun {
		mode = "APPLYING"
	}
	fmt.Printf("── Orphaned Artifacts (%s) ──\n", mode)
	for _, o := range orphans {
		fmt.Printf("  id=%d %q / %q missing %s\n", o.id, o.title, o.artist, o.path)
		if dryRun {
			continue
		}
		if _, err := db.ExecContext(ctx,
			"UPDATE tts_entries SET status = 'garbage' WHERE id = ?", o.id); err != nil {
			fmt.Printf("    mark failed: %v\n", err)
		}
	}
	fmt.Printf("%d orphan(s) processed.\n", len(orphans))
	if dryRun {
		fmt.Println("Run with 'orphans apply' to make changes.")
	}
}
