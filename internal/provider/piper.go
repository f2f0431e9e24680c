package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// PiperClient synthesizes speech with a local piper binary. Text goes in on
// stdin, audio comes out as a file.
type PiperClient struct {
	bin     string
	voice   string // path to the .onnx voice model
	timeout time.Duration
}

// NewPiperClient creates a piper subprocess runner.
func NewPiperClient(bin, voice string, timeout time.Duration) *PiperClient {
	return &PiperClient{bin: bin, voice: voice, timeout: timeout}
}

func (c *PiperClient) Name() string { return "piper" }

// CheckPiper reports whether the piper binary is on PATH.
func CheckPiper(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// Synthesize implements TTSProvider.
func (c *PiperClient) Synthesize(ctx context.Context, text, outPath string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{"--output_file", outPath}
	if c.voice != "" {
		args = append(args, "--model", c.voice)
	}
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("piper: %w", ctx.Err())
		}
		return fmt.Errorf("piper: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
