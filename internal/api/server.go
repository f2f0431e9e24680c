// Package api is the HTTP/WS surface: presentation reads, event ingestion,
// artifact submission and the push channel.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/bus"
	"github.com/snarg/airwave/internal/config"
	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/dj"
	"github.com/snarg/airwave/internal/ingest"
	"github.com/snarg/airwave/internal/metadata"
	"github.com/snarg/airwave/internal/metrics"
)

// NowSource is the metadata cache surface the API reads.
type NowSource interface {
	Now() (metadata.NowSnapshot, bool)
	Next(limit int) []metadata.NextEntry
}

// Ingestor accepts track events.
type Ingestor interface {
	Handle(ctx context.Context, ev ingest.Event) (ingest.Result, error)
}

// EngineControl is the slice of the engine client the API drives.
type EngineControl interface {
	EnqueueTTS(ctx context.Context, path string) error
	Skip(ctx context.Context) error
	Connected() bool
}

// Store is the database surface the API reads and writes.
type Store interface {
	History(ctx context.Context, limit int, before int64) ([]database.PlayEvent, error)
	RegisterTTS(ctx context.Context, a *database.TTSArtifact) (int64, error)
	MarkTTS(ctx context.Context, id int64, status string, sizeBytes, durationMS int64) error
	GetArtwork(ctx context.Context, key string) (*database.ArtworkEntry, error)
	PutArtwork(ctx context.Context, e *database.ArtworkEntry) error
	TouchArtwork(ctx context.Context, key string) error
	DebugArtifacts(ctx context.Context, limit int) ([]database.TTSArtifact, error)
	HealthCheck(ctx context.Context) error
}

// JobSource exposes the DJ pipeline's job table for debugging.
type JobSource interface {
	Jobs() []dj.Snapshot
}

// BrokerStatus reports the optional MQTT source's liveness.
type BrokerStatus interface {
	IsConnected() bool
}

// Options collects the server's collaborators.
type Options struct {
	Config    *config.Config
	Cache     NowSource
	Ingestor  Ingestor
	Engine    EngineControl
	Store     Store
	Jobs      JobSource    // may be nil
	Bus       *bus.Bus
	MQTT      BrokerStatus // may be nil
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer assembles the router.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	h := &handlers{opts: opts}
	health := &HealthHandler{
		store:     opts.Store,
		engine:    opts.Engine,
		mqtt:      opts.MQTT,
		version:   opts.Version,
		startTime: opts.StartTime,
	}
	ws := &wsHub{
		bus:       opts.Bus,
		cache:     opts.Cache,
		writeWait: cfg.WSWriteWait,
		log:       opts.Log.With().Str("component", "ws").Logger(),
	}

	r.Get("/api/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/now", h.now)
	r.Get("/api/next", h.next)
	r.Get("/api/history", h.history)
	r.Get("/api/cover", h.cover)
	r.Get("/ws", ws.serve)

	// Synthesized artifacts are served straight off the shared path so the
	// engine and browsers read the same files.
	r.Mount("/tts", http.StripPrefix("/tts", http.FileServer(http.Dir(cfg.ArtifactDir))))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Post("/api/event", h.postEvent)
		r.Post("/api/enqueue", h.postEnqueue)
		r.Post("/api/tts_queue", h.postTTSQueue)
		r.Post("/api/skip", h.postSkip)
		r.Get("/api/debug/jobs", h.debugJobs)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler exposes the assembled router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
