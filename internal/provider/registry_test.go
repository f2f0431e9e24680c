package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLLM struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeLLM) Name() string { return f.name }
func (f *fakeLLM) Generate(context.Context, Request) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeTTS struct {
	name  string
	err   error
	calls int
}

func (f *fakeTTS) Name() string { return f.name }
func (f *fakeTTS) Synthesize(_ context.Context, _, outPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outPath, []byte("RIFFaudio"), 0o644)
}

func TestGenerateTextFallback(t *testing.T) {
	req := Request{Mode: ModeIntro, Title: "So What", Artist: "Miles Davis"}

	t.Run("first_success_wins", func(t *testing.T) {
		a := &fakeLLM{name: "a", text: "line from a"}
		b := &fakeLLM{name: "b", text: "line from b"}
		r := NewRegistry([]LLMProvider{a, b}, nil, zerolog.Nop())

		text, name, err := r.GenerateText(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if text != "line from a" || name != "a" {
			t.Errorf("got %q from %q", text, name)
		}
		if b.calls != 0 {
			t.Errorf("second tier called %d times after first succeeded", b.calls)
		}
	})

	t.Run("error_advances_tier", func(t *testing.T) {
		a := &fakeLLM{name: "a", err: errors.New("boom")}
		b := &fakeLLM{name: "b", text: "line from b"}
		r := NewRegistry([]LLMProvider{a, b}, nil, zerolog.Nop())

		text, name, err := r.GenerateText(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if text != "line from b" || name != "b" {
			t.Errorf("got %q from %q", text, name)
		}
	})

	t.Run("quality_reject_advances_tier", func(t *testing.T) {
		a := &fakeLLM{name: "a", text: "bad"}
		b := &fakeLLM{name: "b", text: "good line"}
		r := NewRegistry([]LLMProvider{a, b}, nil, zerolog.Nop())

		validate := func(s string) error {
			if s == "bad" {
				return fmt.Errorf("%w: too short", ErrQualityReject)
			}
			return nil
		}
		text, name, err := r.GenerateText(context.Background(), req, validate)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if text != "good line" || name != "b" {
			t.Errorf("got %q from %q", text, name)
		}
	})

	t.Run("all_tiers_failing_exhausts", func(t *testing.T) {
		a := &fakeLLM{name: "a", err: errors.New("down")}
		b := &fakeLLM{name: "b", err: errors.New("also down")}
		r := NewRegistry([]LLMProvider{a, b}, nil, zerolog.Nop())

		_, _, err := r.GenerateText(context.Background(), req, nil)
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v, want ErrExhausted", err)
		}
	})

	t.Run("rate_limited_tier_sits_out", func(t *testing.T) {
		a := &fakeLLM{name: "a", err: fmt.Errorf("%w: a", ErrRateLimited)}
		b := &fakeLLM{name: "b", text: "fallback"}
		r := NewRegistry([]LLMProvider{a, b}, nil, zerolog.Nop())

		now := time.Now()
		r.now = func() time.Time { return now }

		if _, _, err := r.GenerateText(context.Background(), req, nil); err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if _, _, err := r.GenerateText(context.Background(), req, nil); err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if a.calls != 1 {
			t.Errorf("rate-limited tier called %d times, want 1", a.calls)
		}

		// Cooldown expires, the tier is tried again.
		now = now.Add(rateLimitCooldown + time.Second)
		a.err = nil
		a.text = "recovered"
		text, name, err := r.GenerateText(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if text != "recovered" || name != "a" {
			t.Errorf("got %q from %q after cooldown", text, name)
		}
	})
}

func TestSynthesizeFallback(t *testing.T) {
	t.Run("error_advances_tier", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "a.mp3")
		a := &fakeTTS{name: "a", err: errors.New("server down")}
		b := &fakeTTS{name: "b"}
		r := NewRegistry(nil, []TTSProvider{a, b}, zerolog.Nop())

		name, err := r.Synthesize(context.Background(), "hello", out, nil)
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		if name != "b" {
			t.Errorf("winner = %q, want b", name)
		}
		if _, err := os.Stat(out); err != nil {
			t.Errorf("output file missing: %v", err)
		}
	})

	t.Run("invalid_audio_advances_tier", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "a.mp3")
		a := &fakeTTS{name: "a"}
		b := &fakeTTS{name: "b"}
		r := NewRegistry(nil, []TTSProvider{a, b}, zerolog.Nop())

		rejectFirst := true
		validate := func(string) error {
			if rejectFirst {
				rejectFirst = false
				return fmt.Errorf("%w: truncated", ErrQualityReject)
			}
			return nil
		}
		name, err := r.Synthesize(context.Background(), "hello", out, validate)
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		if name != "b" {
			t.Errorf("winner = %q, want b", name)
		}
	})

	t.Run("all_tiers_failing_exhausts", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "a.mp3")
		a := &fakeTTS{name: "a", err: errors.New("down")}
		r := NewRegistry(nil, []TTSProvider{a}, zerolog.Nop())

		_, err := r.Synthesize(context.Background(), "hello", out, nil)
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v, want ErrExhausted", err)
		}
	})
}

func TestTemplateProvider(t *testing.T) {
	p := NewTemplateProvider(
		[]string{"Up next, {title} by {artist}."},
		[]string{"That was {title} by {artist}."},
	)

	t.Run("intro_substitution", func(t *testing.T) {
		got, err := p.Generate(context.Background(), Request{Mode: ModeIntro, Title: "Jóga", Artist: "Björk"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if got != "Up next, Jóga by Björk." {
			t.Errorf("got %q", got)
		}
	})

	t.Run("outro_uses_outro_pool", func(t *testing.T) {
		got, err := p.Generate(context.Background(), Request{Mode: ModeOutro, Title: "Jóga", Artist: "Björk"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if !strings.HasPrefix(got, "That was") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("never_fails_without_pools", func(t *testing.T) {
		empty := NewTemplateProvider(nil, nil)
		got, err := empty.Generate(context.Background(), Request{Title: "T", Artist: "A"})
		if err != nil || got == "" {
			t.Errorf("got %q, %v", got, err)
		}
	})
}

func TestUserPrompt(t *testing.T) {
	t.Run("intro_mentions_track", func(t *testing.T) {
		got := userPrompt(Request{Mode: ModeIntro, Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue"})
		for _, want := range []string{"So What", "Miles Davis", "Kind of Blue"} {
			if !strings.Contains(got, want) {
				t.Errorf("prompt %q missing %q", got, want)
			}
		}
	})

	t.Run("custom_uses_caller_prompt", func(t *testing.T) {
		got := userPrompt(Request{Mode: ModeCustom, Prompt: "Give a weather update."})
		if !strings.HasPrefix(got, "Give a weather update.") {
			t.Errorf("got %q", got)
		}
	})
}
