// Package metadata holds the presentation snapshots of what is on air and
// what comes next. One goroutine polls the engine; everything else reads
// the cached copies. This is the only poller in the process.
package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/engine"
)

// NowSnapshot is the cached view of the current track.
type NowSnapshot struct {
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	Album          string `json:"album"`
	ArtworkRef     string `json:"artwork_ref,omitempty"`
	SourceURI      string `json:"source_uri,omitempty"`
	DurationMS     int64  `json:"duration_ms,omitempty"`
	TrackStartedAt int64  `json:"track_started_at_ms"`
	CapturedAt     int64  `json:"captured_at_ms"`
	Stale          bool   `json:"stale"`
}

// NextEntry is one upcoming track.
type NextEntry struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	ArtworkRef string `json:"artwork_ref,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Poller is the engine surface the cache needs.
type Poller interface {
	Now(ctx context.Context) (*engine.NowPlaying, error)
	Upcoming(ctx context.Context, n int) ([]engine.TrackRef, error)
}

// ArtworkStore resolves cached artwork keys. Read-only.
type ArtworkStore interface {
	GetArtwork(ctx context.Context, key string) (*database.ArtworkEntry, error)
}

// ChangeFunc receives the newly observed track when a change is detected.
// It feeds ingest; the cache never publishes or commits by itself.
type ChangeFunc func(now NowSnapshot, next []NextEntry)

// Options configures the cache.
type Options struct {
	Engine       Poller
	Artwork      ArtworkStore // may be nil
	PollInterval time.Duration
	StalenessCap time.Duration
	UpcomingMax  int
	OnChange     ChangeFunc // may be nil
	Log          zerolog.Logger
}

// Cache owns NowSnapshot and NextSnapshot.
type Cache struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	now      NowSnapshot
	next     []NextEntry
	lastOK   time.Time
	haveData bool

	clock func() time.Time // override in tests
}

// New creates a cache. Run must be started for it to fill.
func New(opts Options) *Cache {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.StalenessCap <= 0 {
		opts.StalenessCap = 30 * time.Second
	}
	if opts.UpcomingMax <= 0 {
		opts.UpcomingMax = 8
	}
	return &Cache{opts: opts, log: opts.Log, clock: time.Now}
}

// Run polls the engine until ctx is cancelled. The first poll happens
// immediately.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// Now returns the cached current-track snapshot. Stale is set when the
// engine has been unreadable past the staleness cap.
func (c *Cache) Now() (NowSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.now
	snap.Stale = c.staleLocked()
	return snap, c.haveData
}

// Next returns up to limit upcoming entries.
func (c *Cache) Next(limit int) []NextEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || limit > len(c.next) {
		limit = len(c.next)
	}
	out := make([]NextEntry, limit)
	copy(out, c.next[:limit])
	return out
}

// Stale reports whether the snapshots have outlived the staleness cap.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleLocked()
}

func (c *Cache) staleLocked() bool {
	return !c.haveData || c.clock().Sub(c.lastOK) > c.opts.StalenessCap
}

func (c *Cache) refresh(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, c.opts.PollInterval)
	defer cancel()

	np, err := c.opts.Engine.Now(pollCtx)
	if err != nil {
		c.log.Debug().Err(err).Msg("metadata poll failed")
		return
	}
	upcoming, err := c.opts.Engine.Upcoming(pollCtx, c.opts.UpcomingMax)
	if err != nil {
		// A readable Now still refreshes the current snapshot.
		upcoming = nil
	}

	next := make([]NextEntry, 0, len(upcoming))
	for _, t := range upcoming {
		next = append(next, NextEntry{
			Title:      t.Title,
			Artist:     t.Artist,
			Album:      t.Album,
			ArtworkRef: c.artworkRef(pollCtx, t.Artist, t.Album),
			DurationMS: t.DurationMS,
		})
	}

	nowArt := c.artworkRef(pollCtx, np.Artist, np.Album)

	nowMS := c.clock().UnixMilli()
	c.mu.Lock()
	changed := !c.haveData || np.Title != c.now.Title || np.Artist != c.now.Artist
	startedAt := c.now.TrackStartedAt
	if changed {
		startedAt = nowMS
	}
	c.now = NowSnapshot{
		Title:          np.Title,
		Artist:         np.Artist,
		Album:          np.Album,
		ArtworkRef:     nowArt,
		SourceURI:      np.Filename,
		DurationMS:     np.DurationMS,
		TrackStartedAt: startedAt,
		CapturedAt:     nowMS,
	}
	c.next = next
	c.lastOK = c.clock()
	c.haveData = true
	snap := c.now
	c.mu.Unlock()

	if changed && c.opts.OnChange != nil {
		c.opts.OnChange(snap, next)
	}
}

// artworkRef returns the cache key for artist/album when an entry exists.
func (c *Cache) artworkRef(ctx context.Context, artist, album string) string {
	if c.opts.Artwork == nil || (artist == "" && album == "") {
		return ""
	}
	key := ArtworkKey(artist, album)
	if entry, err := c.opts.Artwork.GetArtwork(ctx, key); err == nil && entry != nil {
		return key
	}
	return ""
}

// ArtworkKey fingerprints artist|album into a stable cache key.
func ArtworkKey(artist, album string) string {
	h := sha256.Sum256([]byte(strings.ToLower(artist) + "|" + strings.ToLower(album)))
	return hex.EncodeToString(h[:8])
}
