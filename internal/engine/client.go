package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	reconnectMin = 100 * time.Millisecond
	reconnectMax = 5 * time.Second
)

// Options configures the engine client.
type Options struct {
	Addr           string // control port host:port
	Queue          string // queue name for <queue>.push
	Output         string // output name for output.<name>.*
	CmdTimeout     time.Duration
	EnqueueTimeout time.Duration
	HarborURL      string // optional HTTP PUT ingestion endpoint
	Log            zerolog.Logger
}

// Client serializes all engine traffic through one worker goroutine holding
// at most one control connection.
type Client struct {
	opts  Options
	reqCh chan *request
	done  chan struct{}

	connected atomic.Bool
}

type request struct {
	cmd     string
	timeout time.Duration
	respCh  chan response
}

type response struct {
	lines []string
	err   error
}

// New creates a client. Run must be started for requests to make progress.
func New(opts Options) *Client {
	if opts.CmdTimeout <= 0 {
		opts.CmdTimeout = time.Second
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 3 * time.Second
	}
	return &Client{
		opts:  opts,
		reqCh: make(chan *request, 16),
		done:  make(chan struct{}),
	}
}

// Connected reports whether the control connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run processes queued requests until ctx is cancelled. It owns the single
// control connection: dialing, reconnect backoff and teardown all happen
// here and nowhere else.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	var conn net.Conn
	var rd *bufio.Reader
	backoff := reconnectMin
	var nextDial time.Time

	teardown := func() {
		if conn != nil {
			// Best-effort polite close; the engine drops the session on quit.
			conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
			fmt.Fprintf(conn, "quit\n")
			conn.Close()
			conn = nil
			rd = nil
		}
		c.connected.Store(false)
	}
	defer teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.reqCh:
			if conn == nil {
				if wait := time.Until(nextDial); wait > 0 {
					req.respCh <- response{err: fmt.Errorf("%w: reconnecting", ErrUnavailable)}
					continue
				}
				d := net.Dialer{Timeout: req.timeout}
				nc, err := d.DialContext(ctx, "tcp", c.opts.Addr)
				if err != nil {
					nextDial = time.Now().Add(backoff)
					c.opts.Log.Warn().Err(err).Dur("retry_in", backoff).Msg("engine dial failed")
					backoff = min(backoff*2, reconnectMax)
					req.respCh <- response{err: fmt.Errorf("%w: dial: %v", ErrUnavailable, err)}
					continue
				}
				conn = nc
				rd = bufio.NewReader(conn)
				backoff = reconnectMin
				c.connected.Store(true)
				c.opts.Log.Info().Str("addr", c.opts.Addr).Msg("engine control connected")
			}

			lines, err := roundTrip(conn, rd, req.cmd, req.timeout)
			if err != nil {
				c.opts.Log.Warn().Err(err).Str("cmd", commandVerb(req.cmd)).Msg("engine command failed")
				teardown()
				nextDial = time.Now().Add(backoff)
				backoff = min(backoff*2, reconnectMax)
				req.respCh <- response{err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
				continue
			}
			req.respCh <- response{lines: lines}
		}
	}
}

// roundTrip writes one command and reads lines until the END sentinel.
func roundTrip(conn net.Conn, rd *bufio.Reader, cmd string, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "END" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// send queues a command for the worker and waits for the reply.
func (c *Client) send(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	req := &request{cmd: cmd, timeout: timeout, respCh: make(chan response, 1)}
	select {
	case c.reqCh <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("%w: client stopped", ErrUnavailable)
	}
	select {
	case resp := <-req.respCh:
		return resp.lines, resp.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// Now returns the engine's current track metadata.
func (c *Client) Now(ctx context.Context) (*NowPlaying, error) {
	lines, err := c.send(ctx, fmt.Sprintf("output.%s.metadata", c.opts.Output), c.opts.CmdTimeout)
	if err != nil {
		return nil, err
	}
	// Section "--- 1 ---" is the currently playing item.
	kv := ParseKVBlock(Section(lines, 1))
	if len(kv) == 0 {
		return nil, fmt.Errorf("%w: empty metadata", ErrUnavailable)
	}
	return &NowPlaying{
		Title:      kv["title"],
		Artist:     kv["artist"],
		Album:      kv["album"],
		Filename:   kv["filename"],
		DurationMS: parseDurationMS(kv["duration"]),
	}, nil
}

// Upcoming returns up to n queued tracks in play order, excluding the
// on-air item.
func (c *Client) Upcoming(ctx context.Context, n int) ([]TrackRef, error) {
	lines, err := c.send(ctx, "request.all", c.opts.CmdTimeout)
	if err != nil {
		return nil, err
	}
	ids := requestIDs(lines)
	if len(ids) == 0 {
		return nil, nil
	}

	onAir := ""
	if lines, err := c.send(ctx, "request.on_air", c.opts.CmdTimeout); err == nil {
		if air := requestIDs(lines); len(air) > 0 {
			onAir = air[0]
		}
	}

	var out []TrackRef
	for _, id := range ids {
		if id == onAir {
			continue
		}
		if len(out) >= n {
			break
		}
		lines, err := c.send(ctx, "request.metadata "+id, c.opts.CmdTimeout)
		if err != nil {
			return out, err
		}
		kv := ParseKVBlock(lines)
		if len(kv) == 0 {
			continue
		}
		out = append(out, TrackRef{
			RequestID:  id,
			Title:      kv["title"],
			Artist:     kv["artist"],
			Album:      kv["album"],
			Filename:   kv["filename"],
			DurationMS: parseDurationMS(kv["duration"]),
		})
	}
	return out, nil
}

// EnqueueTTS submits a synthesized clip for priority playback. The harbor
// PUT path is preferred when configured since it stays off the control
// plane; otherwise the clip is pushed onto the configured request queue.
func (c *Client) EnqueueTTS(ctx context.Context, path string) error {
	if c.opts.HarborURL != "" {
		return c.harborPut(ctx, path)
	}
	lines, err := c.send(ctx, fmt.Sprintf("%s.push %s", c.opts.Queue, path), c.opts.EnqueueTimeout)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if strings.Contains(line, "ERROR") {
			return fmt.Errorf("%w: %s", ErrRejected, line)
		}
	}
	return nil
}

// Skip asks the engine to advance past the current item.
func (c *Client) Skip(ctx context.Context) error {
	_, err := c.send(ctx, fmt.Sprintf("output.%s.skip", c.opts.Output), c.opts.CmdTimeout)
	return err
}

// requestIDs extracts whitespace-separated numeric request ids from
// response lines.
func requestIDs(lines []string) []string {
	var ids []string
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			if _, err := strconv.Atoi(tok); err == nil {
				ids = append(ids, tok)
			}
		}
	}
	return ids
}

func parseDurationMS(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * 1000)
}

func commandVerb(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
