package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Engine control port (Liquidsoap-style telnet protocol).
	EngineHost       string        `env:"ENGINE_HOST" envDefault:"127.0.0.1"`
	EnginePort       int           `env:"ENGINE_PORT" envDefault:"1234"`
	EngineQueue      string        `env:"ENGINE_QUEUE" envDefault:"tts"`
	EngineOutput     string        `env:"ENGINE_OUTPUT" envDefault:"icecast"`
	EngineCmdTimeout time.Duration `env:"ENGINE_CMD_TIMEOUT" envDefault:"1s"`
	EngineEnqTimeout time.Duration `env:"ENGINE_ENQUEUE_TIMEOUT" envDefault:"3s"`

	// Harbor ingestion (HTTP PUT of raw audio). Preferred for enqueue when set.
	HarborURL string `env:"ENGINE_HARBOR_URL"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"./airwave.db"`
	ArtifactDir  string `env:"ARTIFACT_DIR" envDefault:"./tts"`
	TTSDropDir   string `env:"TTS_DROP_DIR"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":5055"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	WSWriteWait  time.Duration `env:"WS_WRITE_WAIT" envDefault:"2s"`
	AuthToken    string        `env:"AUTH_TOKEN"`

	// Optional MQTT ingest of track-change events published by engine-side
	// scripts. Disabled when the broker URL is empty.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"airwave/events"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"airwave"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// Metadata cache.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	StalenessCap time.Duration `env:"STALENESS_CAP" envDefault:"30s"`
	UpcomingMax  int           `env:"UPCOMING_MAX" envDefault:"8"`

	// DJ pipeline.
	DJDelay           time.Duration `env:"DJ_DELAY" envDefault:"30s"`
	DJMinSpacing      time.Duration `env:"DJ_MIN_SPACING" envDefault:"45s"`
	DJProbability     float64       `env:"DJ_PROBABILITY" envDefault:"1.0"`
	DJMaxConcurrent   int           `env:"DJ_MAX_CONCURRENT" envDefault:"1"`
	DJStyleHints      []string      `env:"DJ_STYLE_HINTS" envSeparator:"|" envDefault:"laid-back late-night|upbeat drive-time|warm and nostalgic|dry and witty"`
	TextMinChars      int           `env:"TEXT_MIN_CHARS" envDefault:"6"`
	TextMaxChars      int           `env:"TEXT_MAX_CHARS" envDefault:"200"`
	ForbiddenTokens   []string      `env:"FORBIDDEN_TOKENS" envSeparator:"," envDefault:"ai,artificial,algorithm,database,model,generated"`
	MinAudioBytes     int64         `env:"MIN_AUDIO_BYTES" envDefault:"1000"`
	IntroTemplates    []string      `env:"INTRO_TEMPLATES" envSeparator:"|" envDefault:"Up next, {title} by {artist}.|Here comes {artist} with {title}.|Keep it right here, {artist} is up with {title}.|Coming your way now, {title} by {artist}."`
	OutroTemplates    []string      `env:"OUTRO_TEMPLATES" envSeparator:"|" envDefault:"That was {title} by {artist}.|You just heard {artist} with {title}."`
	ArtifactRetention time.Duration `env:"ARTIFACT_RETENTION" envDefault:"168h"`
	HistoryKeep       int           `env:"HISTORY_KEEP" envDefault:"5000"`

	// LLM tiers, tried in order. Known names: openai, local, ollama, template.
	LLMTiers      []string      `env:"LLM_TIERS" envSeparator:"," envDefault:"openai,ollama,template"`
	OpenAIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAITimeout time.Duration `env:"OPENAI_TIMEOUT" envDefault:"15s"`
	LocalLLMURL   string        `env:"LOCAL_LLM_URL"`
	LocalLLMModel string        `env:"LOCAL_LLM_MODEL" envDefault:"llama3.1"`
	LocalTimeout  time.Duration `env:"LOCAL_LLM_TIMEOUT" envDefault:"30s"`
	OllamaURL     string        `env:"OLLAMA_URL" envDefault:"http://127.0.0.1:11434"`
	OllamaModel   string        `env:"OLLAMA_MODEL" envDefault:"llama3.1"`
	OllamaTimeout time.Duration `env:"OLLAMA_TIMEOUT" envDefault:"30s"`

	// TTS tiers, tried in order. Known names: xtts, piper, espeak.
	TTSTiers     []string      `env:"TTS_TIERS" envSeparator:"," envDefault:"xtts,piper,espeak"`
	XTTSURL      string        `env:"XTTS_URL" envDefault:"http://127.0.0.1:8020"`
	XTTSVoice    string        `env:"XTTS_VOICE" envDefault:"default"`
	XTTSLanguage string        `env:"XTTS_LANGUAGE" envDefault:"en"`
	XTTSTimeout  time.Duration `env:"XTTS_TIMEOUT" envDefault:"60s"`
	PiperBin     string        `env:"PIPER_BIN" envDefault:"piper"`
	PiperVoice   string        `env:"PIPER_VOICE"`
	PiperTimeout time.Duration `env:"PIPER_TIMEOUT" envDefault:"60s"`
	EspeakBin    string        `env:"ESPEAK_BIN" envDefault:"espeak-ng"`

	// Artwork cache.
	ArtworkDir      string `env:"ARTWORK_DIR" envDefault:"./artwork"`
	ArtworkCapBytes int64  `env:"ARTWORK_CAP_BYTES" envDefault:"268435456"`
	ArtworkFetch    bool   `env:"ARTWORK_FETCH" envDefault:"true"`

	StartupGrace time.Duration `env:"STARTUP_GRACE" envDefault:"30s"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	DatabasePath string
	EngineHost   string
	EnginePort   int
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabasePath != "" {
		cfg.DatabasePath = overrides.DatabasePath
	}
	if overrides.EngineHost != "" {
		cfg.EngineHost = overrides.EngineHost
	}
	if overrides.EnginePort != 0 {
		cfg.EnginePort = overrides.EnginePort
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.EnginePort < 1 || c.EnginePort > 65535 {
		return fmt.Errorf("invalid ENGINE_PORT %d", c.EnginePort)
	}
	if c.TextMinChars < 1 || c.TextMaxChars <= c.TextMinChars {
		return fmt.Errorf("invalid text bounds: min=%d max=%d", c.TextMinChars, c.TextMaxChars)
	}
	if c.DJProbability < 0 || c.DJProbability > 1 {
		return fmt.Errorf("DJ_PROBABILITY must be in [0,1], got %g", c.DJProbability)
	}
	if c.DJMaxConcurrent < 1 {
		return fmt.Errorf("DJ_MAX_CONCURRENT must be >= 1, got %d", c.DJMaxConcurrent)
	}
	if c.UpcomingMax < 1 {
		return fmt.Errorf("UPCOMING_MAX must be >= 1, got %d", c.UpcomingMax)
	}
	for _, tier := range c.LLMTiers {
		switch strings.TrimSpace(tier) {
		case "openai", "local", "ollama", "template":
		default:
			return fmt.Errorf("unknown LLM tier %q", tier)
		}
	}
	for _, tier := range c.TTSTiers {
		switch strings.TrimSpace(tier) {
		case "xtts", "piper", "espeak":
		default:
			return fmt.Errorf("unknown TTS tier %q", tier)
		}
	}
	return nil
}

// EngineAddr returns the host:port of the engine control port.
func (c *Config) EngineAddr() string {
	return fmt.Sprintf("%s:%d", c.EngineHost, c.EnginePort)
}
