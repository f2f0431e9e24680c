// dbcheck is an operator tool for poking at the airwave database: row
// counts, duplicate play events that slipped past the dedup window, and
// artifacts whose files went missing. Repairs are dry-run unless "apply"
// is given.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "./airwave.db"
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "dupes" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		fixDuplicateEvents(ctx, db, dryRun)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "orphans" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		fixOrphanArtifacts(ctx, db, dryRun)
		return
	}

	// Default: table counts plus artifact status distribution
	tables := []string{"play_history", "tts_entries", "artwork_cache"}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		db.QueryRowContext(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}

	fmt.Println("\n── Artifact Status ──")
	rows, err := db.QueryContext(ctx,
		"SELECT status, count(*) FROM tts_entries GROUP BY status ORDER BY status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status query: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		rows.Scan(&status, &count)
		fmt.Printf("  %-10s %d\n", status, count)
	}

	fmt.Println("\n── Event Kinds ──")
	rows2, _ := db.QueryContext(ctx,
		"SELECT kind, count(*) FROM play_history GROUP BY kind ORDER BY kind")
	if rows2 != nil {
		defer rows2.Close()
		for rows2.Next() {
			var kind string
			var count int64
			rows2.Scan(&kind, &count)
			fmt.Printf("  %-10s %d\n", kind, count)
		}
	}

	var unlinked int64
	db.QueryRowContext(ctx,
		"SELECT count(*) FROM play_history WHERE kind = 'dj' AND tts_entry_id IS NULL").Scan(&unlinked)
	fmt.Printf("\n  DJ events with no linked artifact: %d\n", unlinked)
}
