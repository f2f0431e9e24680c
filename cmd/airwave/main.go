package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/airwave/internal/api"
	"github.com/snarg/airwave/internal/bus"
	"github.com/snarg/airwave/internal/config"
	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/dj"
	"github.com/snarg/airwave/internal/engine"
	"github.com/snarg/airwave/internal/ingest"
	"github.com/snarg/airwave/internal/metadata"
	"github.com/snarg/airwave/internal/metrics"
	"github.com/snarg/airwave/internal/provider"
	"github.com/snarg/airwave/internal/scheduler"
)

var version = "dev"

// sysexits-style codes so process supervisors can tell a bad config from a
// dead dependency.
const (
	exitConfig  = 64
	exitEngine  = 69
	exitStorage = 74
)

var errEngineUnreachable = errors.New("engine unreachable past startup grace")

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DatabasePath, "db", "", "sqlite database path")
	flag.StringVar(&overrides.EngineHost, "engine-host", "", "engine control host")
	flag.IntVar(&overrides.EnginePort, "engine-port", 0, "engine control port")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(overrides)
	if err != nil {
		early.Error().Err(err).Msg("failed to load config")
		os.Exit(exitConfig)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("airwave starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", cfg.ArtifactDir).Msg("artifact dir unusable")
		os.Exit(exitStorage)
	}

	db, err := openStore(ctx, cfg, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		os.Exit(exitStorage)
	}
	defer db.Close()

	b := bus.New(64)

	engineClient := engine.New(engine.Options{
		Addr:           cfg.EngineAddr(),
		Queue:          cfg.EngineQueue,
		Output:         cfg.EngineOutput,
		CmdTimeout:     cfg.EngineCmdTimeout,
		EnqueueTimeout: cfg.EngineEnqTimeout,
		HarborURL:      cfg.HarborURL,
		Log:            log.With().Str("component", "engine").Logger(),
	})

	registry := provider.NewRegistry(
		buildLLMTiers(cfg, log),
		buildTTSTiers(cfg, log),
		log.With().Str("component", "providers").Logger(),
	)
	log.Info().
		Strs("llm", registry.LLMTiers()).
		Strs("tts", registry.TTSTiers()).
		Msg("provider tiers configured")

	// cache is assigned below; the closures only run after the workers start.
	var cache *metadata.Cache

	djPipe := dj.New(dj.Options{
		Store:         db,
		Engine:        engineClient,
		Registry:      registry,
		Bus:           b,
		ArtifactDir:   cfg.ArtifactDir,
		MinSpacing:    cfg.DJMinSpacing,
		Probability:   cfg.DJProbability,
		MaxConcurrent: cfg.DJMaxConcurrent,
		StyleHints:    cfg.DJStyleHints,
		Gate: dj.QualityGate{
			MinChars:  cfg.TextMinChars,
			MaxChars:  cfg.TextMaxChars,
			Forbidden: cfg.ForbiddenTokens,
		},
		MinAudioBytes: cfg.MinAudioBytes,
		CurrentTrack: func() (string, string, bool) {
			snap, ok := cache.Now()
			return snap.Title, snap.Artist, ok
		},
		Log: log.With().Str("component", "dj").Logger(),
	})

	sched := scheduler.New(log.With().Str("component", "scheduler").Logger())

	ingestPipe := ingest.New(ingest.Options{
		Store:     db,
		Bus:       b,
		Timers:    sched,
		Announcer: djPipe,
		NextTrack: func() (string, string, string, bool) {
			entries := cache.Next(1)
			if len(entries) == 0 {
				return "", "", "", false
			}
			e := entries[0]
			return e.Title, e.Artist, e.Album, true
		},
		DJDelay: cfg.DJDelay,
		Log:     log.With().Str("component", "ingest").Logger(),
	})

	cache = metadata.New(metadata.Options{
		Engine:       engineClient,
		Artwork:      db,
		PollInterval: cfg.PollInterval,
		StalenessCap: cfg.StalenessCap,
		UpcomingMax:  cfg.UpcomingMax,
		// The poller is the backstop source: when the engine-side script
		// misses a track change the poll still commits it.
		OnChange: func(now metadata.NowSnapshot, _ []metadata.NextEntry) {
			opCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := ingestPipe.Handle(opCtx, ingest.Event{
				EpochMS:   now.TrackStartedAt,
				Title:     now.Title,
				Artist:    now.Artist,
				Album:     now.Album,
				SourceURI: now.SourceURI,
				Source:    "engine",
			}); err != nil {
				log.Warn().Err(err).Msg("poller track change not committed")
			}
		},
		Log: log.With().Str("component", "metadata").Logger(),
	})

	prometheus.MustRegister(metrics.NewCollector(b, engineClient, djPipe))

	var broker api.BrokerStatus
	var mq *ingest.MQTTSource
	if cfg.MQTTBrokerURL != "" {
		mq, err = ingest.ConnectMQTT(ingestPipe, ingest.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			Topic:     cfg.MQTTTopic,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt source unavailable, continuing without it")
		} else {
			broker = mq
			defer mq.Close()
		}
	}

	srv := api.NewServer(api.Options{
		Config:    cfg,
		Cache:     cache,
		Ingestor:  ingestPipe,
		Engine:    engineClient,
		Store:     db,
		Jobs:      djPipe,
		Bus:       b,
		MQTT:      broker,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engineClient.Run(gctx) })
	g.Go(func() error { return cache.Run(gctx) })
	g.Go(func() error { return djPipe.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		db.RunMaintenance(gctx, database.MaintenanceOptions{
			HistoryKeep:       cfg.HistoryKeep,
			ArtifactRetention: cfg.ArtifactRetention,
			ArtworkCapBytes:   cfg.ArtworkCapBytes,
			Log:               log,
		})
		return nil
	})

	if cfg.TTSDropDir != "" {
		if err := os.MkdirAll(cfg.TTSDropDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", cfg.TTSDropDir).Msg("drop dir unusable, watcher disabled")
		} else {
			watcher := ingest.NewDropWatcher(cfg.TTSDropDir, db, engineClient, cfg.MinAudioBytes,
				log.With().Str("component", "dropwatcher").Logger())
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The engine client reconnects forever, but a control port that never
	// answers during the grace window is a deployment problem, not a blip.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-time.After(cfg.StartupGrace):
		}
		if !engineClient.Connected() {
			return errEngineUnreachable
		}
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		log.Info().Msg("airwave stopped")
	case errors.Is(err, errEngineUnreachable):
		log.Error().Str("addr", cfg.EngineAddr()).Msg("engine control port never came up")
		os.Exit(exitEngine)
	default:
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

// openStore retries the database open during the startup grace window. A
// lingering WAL lock from a previous instance clears within seconds; real
// corruption does not, and the caller exits.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*database.DB, error) {
	deadline := time.Now().Add(cfg.StartupGrace)
	for {
		db, err := database.Open(ctx, cfg.DatabasePath, log)
		if err == nil {
			return db, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Err(err).Msg("database open failed, retrying")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(2 * time.Second):
		}
	}
}

// buildLLMTiers assembles the text tiers named in LLM_TIERS, skipping any
// whose credentials or endpoint are missing.
func buildLLMTiers(cfg *config.Config, log zerolog.Logger) []provider.LLMProvider {
	var tiers []provider.LLMProvider
	for _, name := range cfg.LLMTiers {
		switch strings.TrimSpace(name) {
		case "openai":
			c, err := provider.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAITimeout)
			if err != nil {
				log.Warn().Err(err).Msg("openai tier skipped")
				continue
			}
			tiers = append(tiers, c)
		case "local":
			c, err := provider.NewLocalClient(cfg.LocalLLMURL, cfg.LocalLLMModel, cfg.LocalTimeout)
			if err != nil {
				log.Warn().Err(err).Msg("local llm tier skipped")
				continue
			}
			tiers = append(tiers, c)
		case "ollama":
			tiers = append(tiers, provider.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel, cfg.OllamaTimeout))
		case "template":
			tiers = append(tiers, provider.NewTemplateProvider(cfg.IntroTemplates, cfg.OutroTemplates))
		}
	}
	return tiers
}

// buildTTSTiers assembles the synthesis tiers named in TTS_TIERS.
func buildTTSTiers(cfg *config.Config, log zerolog.Logger) []provider.TTSProvider {
	var tiers []provider.TTSProvider
	for _, name := range cfg.TTSTiers {
		switch strings.TrimSpace(name) {
		case "xtts":
			tiers = append(tiers, provider.NewXTTSClient(cfg.XTTSURL, cfg.XTTSVoice, cfg.XTTSLanguage, cfg.XTTSTimeout))
		case "piper":
			if !provider.CheckPiper(cfg.PiperBin) {
				log.Warn().Str("bin", cfg.PiperBin).Msg("piper binary not found, tier skipped")
				continue
			}
			tiers = append(tiers, provider.NewPiperClient(cfg.PiperBin, cfg.PiperVoice, cfg.PiperTimeout))
		case "espeak":
			tiers = append(tiers, provider.NewEspeakClient(cfg.EspeakBin))
		}
	}
	return tiers
}
