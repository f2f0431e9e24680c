package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/dj"
)

// debounceDelay coalesces the Create+Write bursts a copy-in produces.
const debounceDelay = 500 * time.Millisecond

// ClipStore registers externally produced clips as artifacts.
type ClipStore interface {
	RegisterTTS(ctx context.Context, a *database.TTSArtifact) (int64, error)
	MarkTTS(ctx context.Context, id int64, status string, sizeBytes, durationMS int64) error
}

// Enqueuer pushes a clip into the engine's priority queue.
type Enqueuer interface {
	EnqueueTTS(ctx context.Context, path string) error
}

// DropWatcher monitors a directory for hand-made announcement clips.
// Anything that looks like audio is registered and queued for playback,
// so an operator can drop a station ID or a live read into rotation
// without touching the API.
type DropWatcher struct {
	dir           string
	store         ClipStore
	engine        Enqueuer
	minAudioBytes int64
	log           zerolog.Logger

	watcher *fsnotify.Watcher

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// NewDropWatcher creates a watcher over dir.
func NewDropWatcher(dir string, store ClipStore, engine Enqueuer, minAudioBytes int64, log zerolog.Logger) *DropWatcher {
	return &DropWatcher{
		dir:            dir,
		store:          store,
		engine:         engine,
		minAudioBytes:  minAudioBytes,
		log:            log,
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled.
func (w *DropWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	w.watcher = fw

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Info().Str("dir", w.dir).Msg("clip drop directory watched")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && audioFile(event.Name) {
				w.debounce(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("drop watcher error")
		}
	}
}

// debounce schedules ingestion after the file has been quiet for a moment.
func (w *DropWatcher) debounce(ctx context.Context, path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if t, ok := w.debounceTimers[path]; ok {
		t.Stop()
	}
	w.debounceTimers[path] = time.AfterFunc(debounceDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()
		w.ingestClip(ctx, path)
	})
}

func (w *DropWatcher) ingestClip(ctx context.Context, path string) {
	if err := dj.ValidateAudio(path, w.minAudioBytes); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("dropped clip rejected")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, err := w.store.RegisterTTS(opCtx, &database.TTSArtifact{
		EpochMS:   time.Now().UnixMilli(),
		Text:      "",
		AudioPath: path,
		Mode:      dj.ModeCustom,
	})
	if err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("dropped clip register failed")
		return
	}
	if err := w.store.MarkTTS(opCtx, id, database.StatusReady, fileSize(path), 0); err != nil {
		w.log.Error().Err(err).Int64("tts_id", id).Msg("dropped clip mark failed")
		return
	}

	if err := w.engine.EnqueueTTS(opCtx, path); err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("dropped clip enqueue failed")
		if markErr := w.store.MarkTTS(opCtx, id, database.StatusGarbage, 0, 0); markErr != nil {
			w.log.Warn().Err(markErr).Int64("tts_id", id).Msg("garbage mark failed")
		}
		return
	}
	w.log.Info().Int64("tts_id", id).Str("path", path).Msg("dropped clip enqueued")
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func audioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav", ".ogg":
		return true
	}
	return false
}
