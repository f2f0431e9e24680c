// Package ingest is the single entry point for track events. Every source
// (webhook, engine poller backstop, MQTT, drop directory) funnels into
// Handle, which normalizes, deduplicates, commits, broadcasts and arms the
// announcement timer in that order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/bus"
	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/dj"
	"github.com/snarg/airwave/internal/metrics"
)

// timerID is the scheduler slot for the one pending announcement timer.
// Re-arming it on every track change implicitly cancels the previous one.
const timerID = "dj_intro"

// Event is one incoming track observation before normalization.
type Event struct {
	Kind      string            // song or dj; empty defaults to song
	EpochMS   int64             // 0 means server time
	Title     string
	Artist    string
	Album     string
	SourceURI string
	Extra     map[string]string
	Source    string // webhook, engine, mqtt, dropdir; label only
}

// Store is the database surface ingest writes through.
type Store interface {
	CommitPlayEvent(ctx context.Context, e *database.PlayEvent) (int64, error)
	CommitAndLink(ctx context.Context, e *database.PlayEvent, ttsID int64) (int64, error)
	LookupByDedup(ctx context.Context, key database.DedupKey) (*database.PlayEvent, error)
	GetTTSByAudioPath(ctx context.Context, path string) (*database.TTSArtifact, error)
}

// Timers is the scheduler surface ingest arms.
type Timers interface {
	ArmAfter(id string, delay time.Duration, fn func())
	Cancel(id string) bool
}

// Announcer is the DJ pipeline surface.
type Announcer interface {
	Arm(job *dj.Job) (string, bool)
	Cancel(key uint64) bool
}

// NextTrackFunc reports the predicted next track at timer-fire time.
type NextTrackFunc func() (title, artist, album string, ok bool)

// Options configures the pipeline.
type Options struct {
	Store     Store
	Bus       *bus.Bus
	Timers    Timers
	Announcer Announcer // may be nil to disable announcements
	NextTrack NextTrackFunc

	DJDelay time.Duration // armed timer delay after a track change

	Log zerolog.Logger
}

// monotoneSlack is how far an event's epoch may sit behind the newest
// committed one before it is replaced with server time. History ids ascend,
// so epochs must too, give or take source clock skew.
const monotoneSlack = 2 * time.Second

// Pipeline serializes event handling.
type Pipeline struct {
	opts Options
	log  zerolog.Logger

	armMu        sync.Mutex
	lastArmedKey uint64

	epochMu     sync.Mutex
	lastEpochMS int64

	now func() time.Time
}

// New creates the ingest pipeline.
func New(opts Options) *Pipeline {
	if opts.DJDelay <= 0 {
		opts.DJDelay = 30 * time.Second
	}
	return &Pipeline{opts: opts, log: opts.Log, now: time.Now}
}

// Result reports what Handle did with an event.
type Result struct {
	EventID int64
	Deduped bool
}

// Handle processes one event. Duplicates are not errors: the result carries
// the already-committed event's id with Deduped set.
func (p *Pipeline) Handle(ctx context.Context, ev Event) (Result, error) {
	pe := p.normalize(ev)
	pe.EpochMS = p.monotoneEpoch(pe.EpochMS)

	id, err := p.commit(ctx, ev, pe)
	if errors.Is(err, database.ErrDuplicateEvent) {
		metrics.EventsDedupedTotal.Inc()
		existing, lookErr := p.opts.Store.LookupByDedup(ctx, database.DedupKey{
			Kind: pe.Kind, Title: pe.Title, Artist: pe.Artist, EpochMS: pe.EpochMS,
		})
		if lookErr != nil || existing == nil {
			return Result{Deduped: true}, nil
		}
		return Result{EventID: existing.ID, Deduped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("commit event: %w", err)
	}
	pe.ID = id
	metrics.EventsIngestedTotal.WithLabelValues(sourceLabel(ev.Source)).Inc()
	p.log.Info().
		Int64("id", id).
		Str("kind", pe.Kind).
		Str("title", pe.Title).
		Str("artist", pe.Artist).
		Str("source", ev.Source).
		Msg("event committed")

	// Broadcast strictly after the commit so subscribers can re-read it.
	p.opts.Bus.Publish(bus.TopicHistoryAppended, *pe)
	if pe.Kind == database.KindSong {
		p.opts.Bus.Publish(bus.TopicTrackChanged, *pe)
		p.armNext()
	}
	return Result{EventID: id}, nil
}

// commit picks the write path. DJ events whose source path matches a known
// artifact are committed with the FK link in one transaction.
func (p *Pipeline) commit(ctx context.Context, ev Event, pe *database.PlayEvent) (int64, error) {
	if pe.Kind == database.KindDJ && pe.SourceURI != "" {
		if art, err := p.opts.Store.GetTTSByAudioPath(ctx, pe.SourceURI); err == nil && art != nil {
			id, err := p.opts.Store.CommitAndLink(ctx, pe, art.ID)
			if !errors.Is(err, database.ErrNotReady) {
				return id, err
			}
			// Artifact exists but is not ready; fall through to an
			// unlinked commit so history still records the break.
		}
	}
	return p.opts.Store.CommitPlayEvent(ctx, pe)
}

func (p *Pipeline) normalize(ev Event) *database.PlayEvent {
	kind := ev.Kind
	if kind != database.KindDJ {
		kind = database.KindSong
	}
	return &database.PlayEvent{
		Kind:      kind,
		EpochMS:   clampEpoch(ev.EpochMS, p.now()),
		Title:     normalizeText(ev.Title),
		Artist:    normalizeText(ev.Artist),
		Album:     normalizeText(ev.Album),
		SourceURI: strings.TrimSpace(ev.SourceURI),
		Extra:     ev.Extra,
	}
}

// monotoneEpoch keeps committed epochs ascending with the ids. An epoch
// that would rewind past the newest committed event by more than the slack
// is replaced with server time; small regressions from source clock skew
// pass through.
func (p *Pipeline) monotoneEpoch(epochMS int64) int64 {
	p.epochMu.Lock()
	defer p.epochMu.Unlock()
	if epochMS < p.lastEpochMS-monotoneSlack.Milliseconds() {
		epochMS = p.now().UnixMilli()
	}
	if epochMS > p.lastEpochMS {
		p.lastEpochMS = epochMS
	}
	return epochMS
}

// armNext cancels the previous pending announcement and arms a fresh timer.
// The next track is resolved when the timer fires, not now, so a queue
// reshuffle between arm and fire picks up the newer prediction.
func (p *Pipeline) armNext() {
	if p.opts.Announcer == nil || p.opts.Timers == nil {
		return
	}
	p.armMu.Lock()
	key := p.lastArmedKey
	p.lastArmedKey = 0
	p.armMu.Unlock()
	if key != 0 {
		p.opts.Announcer.Cancel(key)
	}
	p.opts.Timers.ArmAfter(timerID, p.opts.DJDelay, p.fireAnnouncement)
}

func (p *Pipeline) fireAnnouncement() {
	if p.opts.NextTrack == nil {
		return
	}
	title, artist, album, ok := p.opts.NextTrack()
	if !ok || title == "" {
		p.log.Debug().Msg("no upcoming track, announcement skipped")
		return
	}
	job := dj.NewJob(dj.ModeIntro, title, artist, album, p.now().UnixMilli())
	if _, armed := p.opts.Announcer.Arm(job); armed {
		p.armMu.Lock()
		p.lastArmedKey = job.DedupKey
		p.armMu.Unlock()
	}
}

func sourceLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
