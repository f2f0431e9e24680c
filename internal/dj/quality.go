package dj

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/snarg/airwave/internal/provider"
)

// genericArtists are names that carry no identity; the artist-mention gate
// does not apply to them.
var genericArtists = map[string]bool{
	"unknown":         true,
	"unknown artist":  true,
	"various":         true,
	"various artists": true,
	"va":              true,
}

// QualityGate validates generated announcement text before synthesis.
type QualityGate struct {
	MinChars  int
	MaxChars  int
	Forbidden []string // matched case-insensitively as whole words
}

// Check returns nil when text passes every gate. Failures wrap
// provider.ErrQualityReject so the registry advances to the next tier.
func (g QualityGate) Check(text, artist string) error {
	n := len([]rune(strings.TrimSpace(text)))
	if n < g.MinChars {
		return fmt.Errorf("%w: %d chars, need at least %d", provider.ErrQualityReject, n, g.MinChars)
	}
	if n > g.MaxChars {
		return fmt.Errorf("%w: %d chars, cap is %d", provider.ErrQualityReject, n, g.MaxChars)
	}

	// Tokens match whole words only: "ai" must not reject "air" or "rain",
	// or no text mentioning an artist like "Air" could ever pass.
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range g.Forbidden {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if strings.ContainsRune(tok, ' ') {
			if strings.Contains(lower, tok) {
				return fmt.Errorf("%w: contains forbidden phrase %q", provider.ErrQualityReject, tok)
			}
			continue
		}
		for _, w := range words {
			if w == tok {
				return fmt.Errorf("%w: contains forbidden token %q", provider.ErrQualityReject, tok)
			}
		}
	}

	if artist != "" && !genericArtists[strings.ToLower(strings.TrimSpace(artist))] {
		if !strings.Contains(lower, strings.ToLower(artist)) {
			return fmt.Errorf("%w: artist %q not mentioned", provider.ErrQualityReject, artist)
		}
	}
	return nil
}
