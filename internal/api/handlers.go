package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/snarg/airwave/internal/audio"
	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/engine"
	"github.com/snarg/airwave/internal/ingest"
)

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 500
)

type handlers struct {
	opts Options
}

// GET /api/now
func (h *handlers) now(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.opts.Cache.Now()
	if !ok {
		WriteError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// GET /api/next?limit=
func (h *handlers) next(w http.ResponseWriter, r *http.Request) {
	limit, _ := QueryInt(r, "limit")
	entries := h.opts.Cache.Next(limit)
	WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// GET /api/history?limit=&before=
func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit, ok := QueryInt(r, "limit")
	if !ok || limit <= 0 {
		limit = historyDefaultLimit
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	before, _ := QueryInt64(r, "before")

	events, err := h.opts.Store.History(r.Context(), limit, before)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("history read failed")
		WriteError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

type eventRequest struct {
	Kind    string            `json:"kind"`
	Title   string            `json:"title"`
	Artist  string            `json:"artist"`
	Album   string            `json:"album"`
	URI     string            `json:"uri"`
	EpochMS int64             `json:"epoch_ms"`
	Extra   map[string]string `json:"extra"`
}

// POST /api/event
func (h *handlers) postEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Artist) == "" {
		WriteError(w, http.StatusBadRequest, "title or artist is required")
		return
	}

	res, err := h.opts.Ingestor.Handle(r.Context(), ingest.Event{
		Kind:      req.Kind,
		EpochMS:   req.EpochMS,
		Title:     req.Title,
		Artist:    req.Artist,
		Album:     req.Album,
		SourceURI: req.URI,
		Extra:     req.Extra,
		Source:    "webhook",
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("event ingest failed")
		WriteError(w, http.StatusServiceUnavailable, "event not committed, retry")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"id":      res.EventID,
		"deduped": res.Deduped,
	})
}

type enqueueRequest struct {
	File    string `json:"file"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Comment string `json:"comment"`
}

// POST /api/enqueue
func (h *handlers) postEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.File == "" {
		WriteError(w, http.StatusBadRequest, "file is required")
		return
	}
	path := audio.ResolveClip(h.opts.Config.ArtifactDir, h.opts.Config.TTSDropDir, req.File)
	if path == "" {
		WriteError(w, http.StatusNotFound, "file not found")
		return
	}

	if err := h.opts.Engine.EnqueueTTS(r.Context(), path); err != nil {
		switch {
		case errors.Is(err, engine.ErrRejected):
			WriteError(w, http.StatusUnprocessableEntity, "engine rejected the file")
		default:
			WriteError(w, http.StatusServiceUnavailable, "engine unavailable")
		}
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queued": path})
}

type ttsQueueRequest struct {
	Text        string `json:"text"`
	AudioURL    string `json:"audio_url"`
	TrackTitle  string `json:"track_title"`
	TrackArtist string `json:"track_artist"`
}

// POST /api/tts_queue registers an externally produced announcement and the
// matching DJ play event in one shot.
func (h *handlers) postTTSQueue(w http.ResponseWriter, r *http.Request) {
	var req ttsQueueRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" || req.AudioURL == "" {
		WriteError(w, http.StatusBadRequest, "text and audio_url are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UnixMilli()

	ttsID, err := h.opts.Store.RegisterTTS(ctx, &database.TTSArtifact{
		EpochMS:     now,
		Text:        req.Text,
		AudioPath:   req.AudioURL,
		TrackTitle:  req.TrackTitle,
		TrackArtist: req.TrackArtist,
		Mode:        "custom",
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("tts register failed")
		WriteError(w, http.StatusServiceUnavailable, "artifact not registered")
		return
	}
	if err := h.opts.Store.MarkTTS(ctx, ttsID, database.StatusReady, 0, 0); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "artifact not marked ready")
		return
	}

	// The ingest funnel links the artifact by its audio path, normalizes
	// the track fields and broadcasts after the commit, same as every
	// other event source.
	res, err := h.opts.Ingestor.Handle(ctx, ingest.Event{
		Kind:      database.KindDJ,
		EpochMS:   now,
		Title:     req.TrackTitle,
		Artist:    req.TrackArtist,
		SourceURI: req.AudioURL,
		Source:    "webhook",
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("tts event ingest failed")
		WriteError(w, http.StatusServiceUnavailable, "event not committed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"event_id": res.EventID,
		"tts_id":   ttsID,
	})
}

// POST /api/skip replies before the engine round-trip completes.
func (h *handlers) postSkip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.opts.Engine.Skip(ctx); err != nil {
			log.Warn().Err(err).Msg("skip failed")
		}
	}()
	WriteJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// GET /api/debug/jobs surfaces failed and in-flight announcement work that
// is otherwise invisible to clients.
func (h *handlers) debugJobs(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.opts.Jobs != nil {
		resp["jobs"] = h.opts.Jobs.Jobs()
	}
	artifacts, err := h.opts.Store.DebugArtifacts(r.Context(), 50)
	if err == nil {
		resp["artifacts"] = artifacts
	}
	WriteJSON(w, http.StatusOK, resp)
}
