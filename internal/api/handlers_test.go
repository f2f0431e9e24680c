package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/bus"
	"github.com/snarg/airwave/internal/config"
	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/engine"
	"github.com/snarg/airwave/internal/ingest"
	"github.com/snarg/airwave/internal/metadata"
)

// ── fakes ───────────────────────────────────────────────────────────────

type fakeCache struct {
	snap    metadata.NowSnapshot
	haveNow bool
	entries []metadata.NextEntry
}

func (f *fakeCache) Now() (metadata.NowSnapshot, bool) { return f.snap, f.haveNow }
func (f *fakeCache) Next(limit int) []metadata.NextEntry {
	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	return f.entries[:limit]
}

type fakeIngestor struct {
	res ingest.Result
	err error
	got []ingest.Event
}

func (f *fakeIngestor) Handle(_ context.Context, ev ingest.Event) (ingest.Result, error) {
	f.got = append(f.got, ev)
	return f.res, f.err
}

type fakeEngine struct {
	mu        sync.Mutex
	enqueued  []string
	enqErr    error
	skips     int
	connected bool
}

func (f *fakeEngine) EnqueueTTS(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqErr != nil {
		return f.enqErr
	}
	f.enqueued = append(f.enqueued, path)
	return nil
}

func (f *fakeEngine) Skip(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips++
	return nil
}

func (f *fakeEngine) Connected() bool { return f.connected }

type fakeAPIStore struct {
	mu        sync.Mutex
	events    []database.PlayEvent
	histErr   error
	nextTTSID int64
	marked    map[int64]string
	artwork   map[string]*database.ArtworkEntry
	healthErr error
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		marked:  make(map[int64]string),
		artwork: make(map[string]*database.ArtworkEntry),
	}
}

func (s *fakeAPIStore) History(_ context.Context, limit int, before int64) ([]database.PlayEvent, error) {
	if s.histErr != nil {
		return nil, s.histErr
	}
	if limit > len(s.events) {
		limit = len(s.events)
	}
	return s.events[:limit], nil
}

func (s *fakeAPIStore) RegisterTTS(_ context.Context, a *database.TTSArtifact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTTSID++
	s.marked[s.nextTTSID] = database.StatusPending
	return s.nextTTSID, nil
}

func (s *fakeAPIStore) MarkTTS(_ context.Context, id int64, status string, _, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[id] = status
	return nil
}

func (s *fakeAPIStore) GetArtwork(_ context.Context, key string) (*database.ArtworkEntry, error) {
	if e, ok := s.artwork[key]; ok {
		return e, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeAPIStore) PutArtwork(_ context.Context, e *database.ArtworkEntry) error {
	s.artwork[e.Key] = e
	return nil
}

func (s *fakeAPIStore) TouchArtwork(context.Context, string) error { return nil }

func (s *fakeAPIStore) DebugArtifacts(context.Context, int) ([]database.TTSArtifact, error) {
	return nil, nil
}

func (s *fakeAPIStore) HealthCheck(context.Context) error { return s.healthErr }

// ── harness ─────────────────────────────────────────────────────────────

type apiHarness struct {
	server   *httptest.Server
	cache    *fakeCache
	ingestor *fakeIngestor
	engine   *fakeEngine
	store    *fakeAPIStore
	bus      *bus.Bus
}

func startAPI(t *testing.T, mutate func(*Options)) *apiHarness {
	t.Helper()
	h := &apiHarness{
		cache: &fakeCache{
			snap:    metadata.NowSnapshot{Title: "So What", Artist: "Miles Davis", TrackStartedAt: 1000, CapturedAt: 2000},
			haveNow: true,
			entries: []metadata.NextEntry{{Title: "a"}, {Title: "b"}, {Title: "c"}},
		},
		ingestor: &fakeIngestor{res: ingest.Result{EventID: 1}},
		engine:   &fakeEngine{connected: true},
		store:    newFakeAPIStore(),
		bus:      bus.New(16),
	}
	cfg := &config.Config{
		HTTPAddr:    "127.0.0.1:0",
		ArtifactDir: t.TempDir(),
		ArtworkDir:  t.TempDir(),
		WSWriteWait: 2 * time.Second,
	}
	opts := Options{
		Config:    cfg,
		Cache:     h.cache,
		Ingestor:  h.ingestor,
		Engine:    h.engine,
		Store:     h.store,
		Bus:       h.bus,
		Version:   "test",
		StartTime: time.Now(),
		Log:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(opts)
	h.server = httptest.NewServer(srv.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (h *apiHarness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil
	}
	return m
}

// ── tests ───────────────────────────────────────────────────────────────

func TestNowEndpoint(t *testing.T) {
	t.Run("serves_snapshot", func(t *testing.T) {
		h := startAPI(t, nil)
		resp, body := h.get(t, "/api/now")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["title"] != "So What" || body["artist"] != "Miles Davis" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("no_snapshot_yet", func(t *testing.T) {
		h := startAPI(t, nil)
		h.cache.haveNow = false
		resp, _ := h.get(t, "/api/now")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("stale_flag_passed_through", func(t *testing.T) {
		h := startAPI(t, nil)
		h.cache.snap.Stale = true
		_, body := h.get(t, "/api/now")
		if body["stale"] != true {
			t.Errorf("stale = %v", body["stale"])
		}
	})
}

func TestNextEndpoint(t *testing.T) {
	h := startAPI(t, nil)
	resp, body := h.get(t, "/api/next?limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Run("returns_events", func(t *testing.T) {
		h := startAPI(t, nil)
		h.store.events = []database.PlayEvent{
			{ID: 2, Kind: database.KindSong, Title: "b"},
			{ID: 1, Kind: database.KindSong, Title: "a"},
		}
		resp, body := h.get(t, "/api/history")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["count"] != float64(2) {
			t.Errorf("count = %v", body["count"])
		}
	})

	t.Run("store_outage_is_503", func(t *testing.T) {
		h := startAPI(t, nil)
		h.store.histErr = database.ErrUnavailable
		resp, _ := h.get(t, "/api/history")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestPostEvent(t *testing.T) {
	t.Run("commits", func(t *testing.T) {
		h := startAPI(t, nil)
		resp, body := h.post(t, "/api/event", map[string]any{
			"title": "So What", "artist": "Miles Davis",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["id"] != float64(1) || body["deduped"] != false {
			t.Errorf("body = %v", body)
		}
		if len(h.ingestor.got) != 1 || h.ingestor.got[0].Source != "webhook" {
			t.Errorf("ingested = %+v", h.ingestor.got)
		}
	})

	t.Run("duplicate_is_200_deduped", func(t *testing.T) {
		h := startAPI(t, nil)
		h.ingestor.res = ingest.Result{EventID: 7, Deduped: true}
		resp, body := h.post(t, "/api/event", map[string]any{"title": "So What"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["deduped"] != true {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("empty_event_rejected", func(t *testing.T) {
		h := startAPI(t, nil)
		resp, _ := h.post(t, "/api/event", map[string]any{"album": "x"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("store_outage_is_503", func(t *testing.T) {
		h := startAPI(t, nil)
		h.ingestor.err = database.ErrUnavailable
		resp, _ := h.post(t, "/api/event", map[string]any{"title": "x"})
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestPostEnqueue(t *testing.T) {
	t.Run("queues_existing_file", func(t *testing.T) {
		h := startAPI(t, nil)
		file := filepath.Join(t.TempDir(), "clip.mp3")
		os.WriteFile(file, []byte("ID3xxxx"), 0o644)

		resp, _ := h.post(t, "/api/enqueue", map[string]any{"file": file})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if len(h.engine.enqueued) != 1 || h.engine.enqueued[0] != file {
			t.Errorf("enqueued = %v", h.engine.enqueued)
		}
	})

	t.Run("missing_file_is_404", func(t *testing.T) {
		h := startAPI(t, nil)
		resp, _ := h.post(t, "/api/enqueue", map[string]any{"file": "/nope/clip.mp3"})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("engine_rejection_is_422", func(t *testing.T) {
		h := startAPI(t, nil)
		h.engine.enqErr = engine.ErrRejected
		file := filepath.Join(t.TempDir(), "clip.mp3")
		os.WriteFile(file, []byte("ID3xxxx"), 0o644)

		resp, _ := h.post(t, "/api/enqueue", map[string]any{"file": file})
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", resp.StatusCode)
		}
	})
}

func TestPostTTSQueue(t *testing.T) {
	h := startAPI(t, nil)
	h.ingestor.res = ingest.Result{EventID: 5}
	resp, body := h.post(t, "/api/tts_queue", map[string]any{
		"text":         "Station ID.",
		"audio_url":    "/tts/station_id.mp3",
		"track_artist": "DJ",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["tts_id"] != float64(1) || body["event_id"] != float64(5) {
		t.Errorf("body = %v", body)
	}
	if h.store.marked[1] != database.StatusReady {
		t.Errorf("artifact status = %s", h.store.marked[1])
	}

	// The event must go through the ingest funnel so it is normalized,
	// linked to the artifact and broadcast like every other source.
	if len(h.ingestor.got) != 1 {
		t.Fatalf("ingested %d events, want 1", len(h.ingestor.got))
	}
	ev := h.ingestor.got[0]
	if ev.Kind != database.KindDJ || ev.SourceURI != "/tts/station_id.mp3" || ev.Source != "webhook" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPostSkip(t *testing.T) {
	h := startAPI(t, nil)
	resp, _ := h.post(t, "/api/skip", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	h := startAPI(t, func(o *Options) { o.Config.AuthToken = "sekrit" })

	t.Run("mutating_route_requires_token", func(t *testing.T) {
		resp, _ := h.post(t, "/api/event", map[string]any{"title": "x"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("read_routes_stay_open", func(t *testing.T) {
		resp, _ := h.get(t, "/api/now")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("valid_token_accepted", func(t *testing.T) {
		data, _ := json.Marshal(map[string]any{"title": "x"})
		req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/api/event", bytes.NewReader(data))
		req.Header.Set("Authorization", "Bearer sekrit")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := startAPI(t, nil)
		resp, body := h.get(t, "/api/health")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["status"] != "healthy" {
			t.Errorf("status = %v", body["status"])
		}
	})

	t.Run("engine_down_degrades", func(t *testing.T) {
		h := startAPI(t, nil)
		h.engine.connected = false
		resp, body := h.get(t, "/api/health")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200 while degraded", resp.StatusCode)
		}
		if body["status"] != "degraded" {
			t.Errorf("status = %v", body["status"])
		}
	})

	t.Run("store_down_is_unhealthy", func(t *testing.T) {
		h := startAPI(t, nil)
		h.store.healthErr = errors.New("locked")
		resp, body := h.get(t, "/api/health")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
		if body["status"] != "unhealthy" {
			t.Errorf("status = %v", body["status"])
		}
	})
}

func TestCoverFallsBackToDefault(t *testing.T) {
	h := startAPI(t, nil)

	resp, err := http.Get(h.server.URL + "/api/cover?artist=Nobody&album=Nothing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %s, want default png", ct)
	}
}
