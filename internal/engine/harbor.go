package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
)

// harborPut streams a clip to the engine's HTTP ingestion slot. The body is
// the raw audio; the engine mixes it in at the next opportunity.
func (c *Client) harborPut(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat clip: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.opts.HarborURL, f)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/mpeg")
	req.ContentLength = st.Size()

	client := &http.Client{Timeout: c.opts.EnqueueTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: harbor put: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: harbor status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
