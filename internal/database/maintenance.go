package database

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// MaintenanceOptions configures the periodic housekeeping pass.
type MaintenanceOptions struct {
	HistoryKeep       int
	ArtifactRetention time.Duration
	ArtworkCapBytes   int64
	Interval          time.Duration
	Log               zerolog.Logger
}

// RunMaintenance runs housekeeping on a fixed interval until ctx is
// cancelled: history retention, artifact GC and artwork LRU eviction. One
// pass runs immediately on startup.
func (db *DB) RunMaintenance(ctx context.Context, opts MaintenanceOptions) {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	db.maintain(ctx, opts)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.maintain(ctx, opts)
		}
	}
}

func (db *DB) maintain(ctx context.Context, opts MaintenanceOptions) {
	log := opts.Log.With().Str("task", "maintenance").Logger()
	start := time.Now()

	if opts.HistoryKeep > 0 {
		n, err := db.PrunePlayHistory(ctx, opts.HistoryKeep)
		if err != nil {
			log.Warn().Err(err).Msg("history prune failed")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("pruned old play history")
		}
	}

	if opts.ArtifactRetention > 0 {
		expired, err := db.ExpiredArtifacts(ctx, opts.ArtifactRetention, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("artifact gc scan failed")
		}
		for _, a := range expired {
			removeArtifactFiles(a, log)
			if err := db.DeleteTTS(ctx, a.ID); err != nil {
				log.Warn().Err(err).Int64("id", a.ID).Msg("artifact row delete failed")
			}
		}
		if len(expired) > 0 {
			log.Info().Int("count", len(expired)).Msg("collected expired tts artifacts")
		}
	}

	if opts.ArtworkCapBytes > 0 {
		paths, err := db.EvictArtworkLRU(ctx, opts.ArtworkCapBytes)
		if err != nil {
			log.Warn().Err(err).Msg("artwork eviction failed")
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", p).Msg("artwork file remove failed")
			}
		}
		if len(paths) > 0 {
			log.Info().Int("evicted", len(paths)).Msg("artwork cache trimmed")
		}
	}

	log.Debug().Dur("elapsed_ms", time.Since(start)).Msg("maintenance pass complete")
}

func removeArtifactFiles(a TTSArtifact, log zerolog.Logger) {
	for _, p := range []string{a.AudioPath, a.TranscriptPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("artifact file remove failed")
		}
	}
}
