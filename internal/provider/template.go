package provider

import (
	"context"
	"math/rand/v2"
	"strings"
)

// TemplateProvider is the terminal LLM tier. It fills a canned line with
// the track's title and artist and never fails, so every armed job can
// still produce an announcement when no model is reachable.
type TemplateProvider struct {
	intros []string
	outros []string
}

// NewTemplateProvider creates the template tier. Empty slices fall back to
// a built-in line.
func NewTemplateProvider(intros, outros []string) *TemplateProvider {
	if len(intros) == 0 {
		intros = []string{"Up next, {title} by {artist}."}
	}
	if len(outros) == 0 {
		outros = []string{"That was {title} by {artist}."}
	}
	return &TemplateProvider{intros: intros, outros: outros}
}

func (p *TemplateProvider) Name() string { return "template" }

// Generate implements LLMProvider. The error is always nil.
func (p *TemplateProvider) Generate(_ context.Context, req Request) (string, error) {
	pool := p.intros
	if req.Mode == ModeOutro {
		pool = p.outros
	}
	line := pool[rand.IntN(len(pool))]
	line = strings.ReplaceAll(line, "{title}", req.Title)
	line = strings.ReplaceAll(line, "{artist}", req.Artist)
	return line, nil
}
