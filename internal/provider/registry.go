package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/metrics"
)

// rateLimitCooldown is how long a tier sits out after a rate-limit refusal.
const rateLimitCooldown = 30 * time.Second

// Registry holds the ordered LLM and TTS tiers and applies the fallback
// policy. Validation callbacks let the caller reject output without the
// registry knowing the quality rules.
type Registry struct {
	llm []LLMProvider
	tts []TTSProvider
	log zerolog.Logger

	mu       sync.Mutex
	cooldown map[string]time.Time

	now func() time.Time // override in tests
}

// NewRegistry creates a registry over the given tiers, tried in slice order.
func NewRegistry(llm []LLMProvider, tts []TTSProvider, log zerolog.Logger) *Registry {
	return &Registry{
		llm:      llm,
		tts:      tts,
		log:      log,
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
}

// LLMTiers returns the configured tier names in order.
func (r *Registry) LLMTiers() []string {
	names := make([]string, len(r.llm))
	for i, p := range r.llm {
		names[i] = p.Name()
	}
	return names
}

// TTSTiers returns the configured tier names in order.
func (r *Registry) TTSTiers() []string {
	names := make([]string, len(r.tts))
	for i, p := range r.tts {
		names[i] = p.Name()
	}
	return names
}

// GenerateText walks the LLM tiers until one produces text that passes
// validate. validate may be nil. Returns the text and the winning tier name.
func (r *Registry) GenerateText(ctx context.Context, req Request, validate func(string) error) (string, string, error) {
	var lastErr error
	for _, p := range r.llm {
		if r.coolingDown("llm", p.Name()) {
			continue
		}
		text, err := p.Generate(ctx, req)
		if err != nil {
			lastErr = err
			r.recordFailure(ctx, "llm", p.Name(), err)
			continue
		}
		if validate != nil {
			if err := validate(text); err != nil {
				lastErr = err
				metrics.ProviderAttemptsTotal.WithLabelValues("llm", p.Name(), "quality_reject").Inc()
				r.log.Debug().Str("provider", p.Name()).Err(err).Msg("llm output rejected")
				continue
			}
		}
		metrics.ProviderAttemptsTotal.WithLabelValues("llm", p.Name(), "ok").Inc()
		return text, p.Name(), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no tier available")
	}
	return "", "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// Synthesize walks the TTS tiers until one writes audio to outPath that
// passes validate. validate may be nil. Returns the winning tier name.
func (r *Registry) Synthesize(ctx context.Context, text, outPath string, validate func(string) error) (string, error) {
	var lastErr error
	for _, p := range r.tts {
		if r.coolingDown("tts", p.Name()) {
			continue
		}
		if err := p.Synthesize(ctx, text, outPath); err != nil {
			lastErr = err
			r.recordFailure(ctx, "tts", p.Name(), err)
			continue
		}
		if validate != nil {
			if err := validate(outPath); err != nil {
				lastErr = err
				metrics.ProviderAttemptsTotal.WithLabelValues("tts", p.Name(), "quality_reject").Inc()
				r.log.Debug().Str("provider", p.Name()).Err(err).Msg("tts output rejected")
				continue
			}
		}
		metrics.ProviderAttemptsTotal.WithLabelValues("tts", p.Name(), "ok").Inc()
		return p.Name(), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no tier available")
	}
	return "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (r *Registry) coolingDown(kind, name string) bool {
	r.mu.Lock()
	until, ok := r.cooldown[kind+"/"+name]
	r.mu.Unlock()
	if !ok || r.now().After(until) {
		return false
	}
	metrics.ProviderAttemptsTotal.WithLabelValues(kind, name, "cooldown_skip").Inc()
	return true
}

func (r *Registry) recordFailure(ctx context.Context, kind, name string, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
		r.mu.Lock()
		r.cooldown[kind+"/"+name] = r.now().Add(rateLimitCooldown)
		r.mu.Unlock()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
	}
	metrics.ProviderAttemptsTotal.WithLabelValues(kind, name, outcome).Inc()
	r.log.Warn().Str("kind", kind).Str("provider", name).Err(err).Msg("provider tier failed")
}
