// Package provider implements the tiered text and speech backends behind
// the DJ pipeline. Tiers are tried in configured order; a failure, timeout
// or quality rejection advances to the next tier, success never does.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the registry and its providers.
var (
	// ErrExhausted means every configured tier failed for one request.
	ErrExhausted = errors.New("provider: all tiers exhausted")
	// ErrRateLimited marks a provider refusal that should put the tier on
	// cooldown rather than just advancing past it once.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrQualityReject is returned by validation callbacks to advance tiers
	// on output that is well-formed but unusable.
	ErrQualityReject = errors.New("provider: output rejected by quality gate")
)

// Announcement modes.
const (
	ModeIntro  = "intro"
	ModeOutro  = "outro"
	ModeCustom = "custom"
)

// Request describes one announcement to generate.
type Request struct {
	Mode      string // intro, outro or custom
	Title     string
	Artist    string
	Album     string
	StyleHint string
	Prompt    string // custom mode only; caller-supplied text request
}

// LLMProvider produces announcement text.
type LLMProvider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// TTSProvider renders text to an audio file at outPath.
type TTSProvider interface {
	Name() string
	Synthesize(ctx context.Context, text, outPath string) error
}

// systemPrompt is shared by every LLM tier.
const systemPrompt = "You are an on-air radio DJ. Reply with exactly one short spoken line, " +
	"no quotes, no stage directions, no emoji."

// userPrompt renders the per-request instruction for LLM tiers.
func userPrompt(req Request) string {
	var b strings.Builder
	switch req.Mode {
	case ModeOutro:
		fmt.Fprintf(&b, "The song %q by %s just finished. Say a one-sentence outro.", req.Title, req.Artist)
	case ModeCustom:
		b.WriteString(req.Prompt)
	default:
		fmt.Fprintf(&b, "Introduce the upcoming song %q by %s in one sentence.", req.Title, req.Artist)
	}
	if req.Album != "" {
		fmt.Fprintf(&b, " The album is %q.", req.Album)
	}
	if req.StyleHint != "" {
		fmt.Fprintf(&b, " Style: %s.", req.StyleHint)
	}
	return b.String()
}
