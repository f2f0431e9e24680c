package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// XTTSClient synthesizes speech through an XTTS HTTP server.
type XTTSClient struct {
	baseURL  string
	voice    string
	language string
	client   *http.Client
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// NewXTTSClient creates a client for the XTTS server at baseURL.
func NewXTTSClient(baseURL, voice, language string, timeout time.Duration) *XTTSClient {
	return &XTTSClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		voice:    voice,
		language: language,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *XTTSClient) Name() string { return "xtts" }

// Synthesize implements TTSProvider. The server streams audio back in the
// response body; it is written to outPath via a temp file so a failed
// request never leaves a partial artifact behind.
func (c *XTTSClient) Synthesize(ctx context.Context, text, outPath string) error {
	body, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: c.voice, Language: c.language})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("xtts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: xtts", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("xtts API error (status %d): %s", resp.StatusCode, string(msg))
	}

	tmp := outPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write audio: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close output: %w", err)
	}
	return os.Rename(tmp, outPath)
}
