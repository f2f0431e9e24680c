package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// espeakTimeout bounds the subprocess; espeak is fast or broken.
const espeakTimeout = 15 * time.Second

// EspeakClient is the terminal TTS tier. espeak-ng sounds robotic but is a
// plain offline binary, so an announcement still goes out when every
// neural backend is down.
type EspeakClient struct {
	bin string
}

// NewEspeakClient creates an espeak-ng subprocess runner.
func NewEspeakClient(bin string) *EspeakClient {
	if bin == "" {
		bin = "espeak-ng"
	}
	return &EspeakClient{bin: bin}
}

func (c *EspeakClient) Name() string { return "espeak" }

// Synthesize implements TTSProvider.
func (c *EspeakClient) Synthesize(ctx context.Context, text, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, espeakTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, "-w", outPath, text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("espeak: %w", ctx.Err())
		}
		return fmt.Errorf("espeak: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
