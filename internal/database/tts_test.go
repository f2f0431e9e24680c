package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func registerArtifact(t *testing.T, db *DB, epoch int64) int64 {
	t.Helper()
	id, err := db.RegisterTTS(context.Background(), &TTSArtifact{
		EpochMS:     epoch,
		Text:        "Up next, a classic.",
		AudioPath:   "/tts/intro_" + time.UnixMilli(epoch).Format("150405") + ".mp3",
		Mode:        "intro",
		TrackTitle:  "Bt",
		TrackArtist: "Ba",
	})
	if err != nil {
		t.Fatalf("RegisterTTS: %v", err)
	}
	return id
}

func TestMarkTTSTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("pending_to_ready", func(t *testing.T) {
		db := openTestDB(t)
		id := registerArtifact(t, db, 1000)
		if err := db.MarkTTS(ctx, id, StatusReady, 4096, 5200); err != nil {
			t.Fatalf("MarkTTS ready: %v", err)
		}
		a, err := db.GetTTS(ctx, id)
		if err != nil {
			t.Fatalf("GetTTS: %v", err)
		}
		if a.Status != StatusReady || a.SizeBytes != 4096 || a.DurationMS != 5200 {
			t.Errorf("artifact = %+v", a)
		}
	})

	t.Run("pending_to_failed", func(t *testing.T) {
		db := openTestDB(t)
		id := registerArtifact(t, db, 1000)
		if err := db.MarkTTS(ctx, id, StatusFailed, 0, 0); err != nil {
			t.Fatalf("MarkTTS failed: %v", err)
		}
	})

	t.Run("ready_to_garbage", func(t *testing.T) {
		db := openTestDB(t)
		id := registerArtifact(t, db, 1000)
		if err := db.MarkTTS(ctx, id, StatusReady, 4096, 0); err != nil {
			t.Fatalf("to ready: %v", err)
		}
		if err := db.MarkTTS(ctx, id, StatusGarbage, 0, 0); err != nil {
			t.Fatalf("to garbage: %v", err)
		}
	})

	t.Run("illegal_transitions_rejected", func(t *testing.T) {
		db := openTestDB(t)
		id := registerArtifact(t, db, 1000)
		if err := db.MarkTTS(ctx, id, StatusGarbage, 0, 0); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("pending→garbage err = %v", err)
		}
		if err := db.MarkTTS(ctx, id, StatusFailed, 0, 0); err != nil {
			t.Fatalf("to failed: %v", err)
		}
		if err := db.MarkTTS(ctx, id, StatusReady, 0, 0); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("failed→ready err = %v", err)
		}
	})

	t.Run("unknown_id", func(t *testing.T) {
		db := openTestDB(t)
		if err := db.MarkTTS(ctx, 999, StatusReady, 0, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestLinkTTS(t *testing.T) {
	ctx := context.Background()

	t.Run("link_requires_ready", func(t *testing.T) {
		db := openTestDB(t)
		eventID, err := db.CommitPlayEvent(ctx, &PlayEvent{Kind: "dj", EpochMS: 1000, Title: "Bt", Artist: "Ba"})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		ttsID := registerArtifact(t, db, 1000)

		if err := db.LinkTTS(ctx, eventID, ttsID); !errors.Is(err, ErrNotReady) {
			t.Fatalf("link pending err = %v, want ErrNotReady", err)
		}
		if err := db.MarkTTS(ctx, ttsID, StatusReady, 2048, 0); err != nil {
			t.Fatalf("mark ready: %v", err)
		}
		if err := db.LinkTTS(ctx, eventID, ttsID); err != nil {
			t.Fatalf("link ready: %v", err)
		}

		events, _ := db.History(ctx, 1, 0)
		if len(events) != 1 || events[0].TTSID == nil || *events[0].TTSID != ttsID {
			t.Fatalf("history = %+v", events)
		}
		if events[0].TTSText != "Up next, a classic." {
			t.Errorf("tts text = %q", events[0].TTSText)
		}
	})

	t.Run("commit_and_link_atomic", func(t *testing.T) {
		db := openTestDB(t)
		ttsID := registerArtifact(t, db, 2000)
		if err := db.MarkTTS(ctx, ttsID, StatusReady, 2048, 0); err != nil {
			t.Fatalf("mark ready: %v", err)
		}
		e := &PlayEvent{Kind: "dj", EpochMS: 2000, Title: "Bt", Artist: "Ba"}
		if _, err := db.CommitAndLink(ctx, e, ttsID); err != nil {
			t.Fatalf("CommitAndLink: %v", err)
		}
		events, _ := db.History(ctx, 1, 0)
		if events[0].TTSText == "" {
			t.Error("expected joined tts text")
		}
	})

	t.Run("commit_and_link_rejects_pending", func(t *testing.T) {
		db := openTestDB(t)
		ttsID := registerArtifact(t, db, 2000)
		e := &PlayEvent{Kind: "dj", EpochMS: 2000, Title: "Bt", Artist: "Ba"}
		if _, err := db.CommitAndLink(ctx, e, ttsID); !errors.Is(err, ErrNotReady) {
			t.Fatalf("err = %v, want ErrNotReady", err)
		}
	})
}

func TestDJHistoryVisibility(t *testing.T) {
	// A dj event linked to a non-ready artifact must never surface in the
	// public history.
	ctx := context.Background()
	db := openTestDB(t)

	ttsID := registerArtifact(t, db, 3000)
	if err := db.MarkTTS(ctx, ttsID, StatusReady, 2048, 0); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	e := &PlayEvent{Kind: "dj", EpochMS: 3000, Title: "Bt", Artist: "Ba"}
	if _, err := db.CommitAndLink(ctx, e, ttsID); err != nil {
		t.Fatalf("CommitAndLink: %v", err)
	}

	if err := db.MarkTTS(ctx, ttsID, StatusGarbage, 0, 0); err != nil {
		t.Fatalf("to garbage: %v", err)
	}
	events, _ := db.History(ctx, 10, 0)
	if len(events) != 0 {
		t.Fatalf("garbage-linked dj event visible: %+v", events)
	}

	// Deleting the artifact nulls the reference; the orphaned dj row becomes
	// visible again as a plain entry without text.
	if err := db.DeleteTTS(ctx, ttsID); err != nil {
		t.Fatalf("DeleteTTS: %v", err)
	}
	events, _ = db.History(ctx, 10, 0)
	if len(events) != 1 || events[0].TTSID != nil {
		t.Fatalf("after delete history = %+v", events)
	}
}

func TestSweepPending(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	registerArtifact(t, db, 1000)
	ready := registerArtifact(t, db, 2000)
	if err := db.MarkTTS(ctx, ready, StatusReady, 2048, 0); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	n, err := db.SweepPending(ctx)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}

	a, _ := db.GetTTS(ctx, ready)
	if a.Status != StatusReady {
		t.Errorf("ready artifact changed to %s", a.Status)
	}
}

func TestExpiredArtifacts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	old := registerArtifact(t, db, now.Add(-48*time.Hour).UnixMilli())
	if err := db.MarkTTS(ctx, old, StatusFailed, 0, 0); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	fresh := registerArtifact(t, db, now.UnixMilli())
	if err := db.MarkTTS(ctx, fresh, StatusFailed, 0, 0); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	expired, err := db.ExpiredArtifacts(ctx, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("ExpiredArtifacts: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old {
		t.Fatalf("expired = %+v", expired)
	}
}

func TestArtworkCache(t *testing.T) {
	ctx := context.Background()

	t.Run("put_get_touch", func(t *testing.T) {
		db := openTestDB(t)
		e := &ArtworkEntry{Key: "k1", Artist: "Ba", Album: "Al", LocalPath: "/art/k1.jpg", SizeBytes: 100}
		if err := db.PutArtwork(ctx, e); err != nil {
			t.Fatalf("PutArtwork: %v", err)
		}
		got, err := db.GetArtwork(ctx, "k1")
		if err != nil {
			t.Fatalf("GetArtwork: %v", err)
		}
		if got.LocalPath != "/art/k1.jpg" {
			t.Errorf("entry = %+v", got)
		}
		if err := db.TouchArtwork(ctx, "k1"); err != nil {
			t.Fatalf("TouchArtwork: %v", err)
		}
	})

	t.Run("lru_eviction_over_cap", func(t *testing.T) {
		db := openTestDB(t)
		base := time.Now().UnixMilli()
		for i, key := range []string{"cold", "warm", "hot"} {
			e := &ArtworkEntry{
				Key: key, LocalPath: "/art/" + key + ".jpg", SizeBytes: 100,
				CachedAt: base, LastUsedAt: base + int64(i)*1000,
			}
			if err := db.PutArtwork(ctx, e); err != nil {
				t.Fatalf("put %s: %v", key, err)
			}
		}

		paths, err := db.EvictArtworkLRU(ctx, 150)
		if err != nil {
			t.Fatalf("EvictArtworkLRU: %v", err)
		}
		if len(paths) != 2 {
			t.Fatalf("evicted %v, want 2 entries", paths)
		}
		if paths[0] != "/art/cold.jpg" || paths[1] != "/art/warm.jpg" {
			t.Errorf("evicted order = %v", paths)
		}
		if _, err := db.GetArtwork(ctx, "hot"); err != nil {
			t.Errorf("hot entry evicted: %v", err)
		}
	})

	t.Run("under_cap_no_eviction", func(t *testing.T) {
		db := openTestDB(t)
		if err := db.PutArtwork(ctx, &ArtworkEntry{Key: "k", LocalPath: "/art/k.jpg", SizeBytes: 10}); err != nil {
			t.Fatalf("put: %v", err)
		}
		paths, err := db.EvictArtworkLRU(ctx, 1000)
		if err != nil {
			t.Fatalf("EvictArtworkLRU: %v", err)
		}
		if paths != nil {
			t.Errorf("evicted %v, want none", paths)
		}
	})
}

func TestMaintenanceRemovesFiles(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	dir := t.TempDir()

	audio := filepath.Join(dir, "intro_1.mp3")
	if err := os.WriteFile(audio, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	id, err := db.RegisterTTS(ctx, &TTSArtifact{
		EpochMS: time.Now().Add(-48 * time.Hour).UnixMilli(), Text: "t", AudioPath: audio, Mode: "intro",
	})
	if err != nil {
		t.Fatalf("RegisterTTS: %v", err)
	}
	if err := db.MarkTTS(ctx, id, StatusFailed, 0, 0); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	db.maintain(ctx, MaintenanceOptions{ArtifactRetention: 24 * time.Hour, Log: zerolog.Nop()})

	if _, err := os.Stat(audio); !os.IsNotExist(err) {
		t.Error("expired audio file still present")
	}
	if _, err := db.GetTTS(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("artifact row still present: %v", err)
	}
}
