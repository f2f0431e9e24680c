package dj

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/bus"
	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/metrics"
	"github.com/snarg/airwave/internal/provider"
)

const (
	enqueueAttempts = 3
	enqueueBackoff  = 500 * time.Millisecond
	queueSize       = 32
	recentKeep      = 64
)

// Store is the slice of the database the pipeline needs.
type Store interface {
	LatestDJEvent(ctx context.Context) (int64, error)
	RegisterTTS(ctx context.Context, a *database.TTSArtifact) (int64, error)
	MarkTTS(ctx context.Context, id int64, status string, sizeBytes, durationMS int64) error
}

// Enqueuer pushes a finished clip into the engine's priority queue.
type Enqueuer interface {
	EnqueueTTS(ctx context.Context, path string) error
}

// Options configures the pipeline.
type Options struct {
	Store       Store
	Engine      Enqueuer
	Registry    *provider.Registry
	Bus         *bus.Bus
	ArtifactDir string

	MinSpacing    time.Duration
	Probability   float64 // chance an armed job proceeds, 0..1
	MaxConcurrent int
	StyleHints    []string
	Gate          QualityGate
	MinAudioBytes int64

	// CurrentTrack reports what is on air, for the obsolescence check.
	// May be nil.
	CurrentTrack func() (title, artist string, ok bool)

	Log zerolog.Logger
}

// Pipeline owns the DJJob set. Arm is the only way in; everything else is
// driven by the worker goroutines.
type Pipeline struct {
	opts Options
	jobs chan *Job
	log  zerolog.Logger

	mu     sync.Mutex
	active map[uint64]*Job // non-terminal jobs by dedup key
	recent []Snapshot      // terminal jobs, newest last

	cancels sync.Map // dedup key → context.CancelFunc

	now  func() time.Time
	roll func() float64 // probability roll, override in tests
}

// New creates a pipeline. Run must be called before jobs make progress.
func New(opts Options) *Pipeline {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Probability <= 0 || opts.Probability > 1 {
		opts.Probability = 1
	}
	return &Pipeline{
		opts:   opts,
		jobs:   make(chan *Job, queueSize),
		log:    opts.Log,
		active: make(map[uint64]*Job),
		now:    time.Now,
		roll:   rand.Float64,
	}
}

// Run starts the worker goroutines and blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.runJob(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Arm submits a job. Re-arming a dedup key that is already non-terminal is
// a no-op and returns the existing job id.
func (p *Pipeline) Arm(job *Job) (string, bool) {
	p.mu.Lock()
	if existing, ok := p.active[job.DedupKey]; ok {
		p.mu.Unlock()
		return existing.ID, false
	}
	p.active[job.DedupKey] = job
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		p.publish(job)
		return job.ID, true
	default:
		p.finish(job, StateFailed, "pipeline queue full")
		return job.ID, false
	}
}

// Cancel marks the job for the given dedup key cancelled. A job already
// running notices through its context. Returns false when no such job.
func (p *Pipeline) Cancel(key uint64) bool {
	p.mu.Lock()
	_, ok := p.active[key]
	p.mu.Unlock()
	if !ok {
		return false
	}
	// LoadOrStore pairs with the worker's LoadOrStore in runJob: whichever
	// side stores first, the other observes it, so a cancel can neither be
	// overwritten by a racing pickup nor vice versa.
	if c, loaded := p.cancels.LoadOrStore(key, context.CancelFunc(func() {})); loaded {
		c.(context.CancelFunc)()
	}
	return true
}

// ActiveJobs returns the number of non-terminal jobs past the queue.
func (p *Pipeline) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, j := range p.active {
		if j.State != StateArmed {
			n++
		}
	}
	return n
}

// QueuedJobs returns the number of jobs waiting for a worker.
func (p *Pipeline) QueuedJobs() int { return len(p.jobs) }

// Jobs returns the non-terminal jobs plus the recent terminal ones,
// for the debug endpoint.
func (p *Pipeline) Jobs() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.active)+len(p.recent))
	for _, j := range p.active {
		out = append(out, j.snapshot())
	}
	out = append(out, p.recent...)
	return out
}

// runJob drives one job through the state machine.
func (p *Pipeline) runJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, cancelled := p.cancels.LoadOrStore(job.DedupKey, context.CancelFunc(cancel)); cancelled {
		p.cancels.Delete(job.DedupKey)
		p.finish(job, StateCancelled, "cancelled while queued")
		return
	}
	defer p.cancels.Delete(job.DedupKey)

	// Spacing gate: one voice break at a time on air.
	if last, err := p.opts.Store.LatestDJEvent(jobCtx); err == nil && last > 0 {
		if p.now().UnixMilli()-last < p.opts.MinSpacing.Milliseconds() {
			p.finish(job, StateCancelled, "too soon after previous announcement")
			return
		}
	}

	if p.roll() >= p.opts.Probability {
		p.finish(job, StateCancelled, "probability roll")
		return
	}

	if p.obsolete(job) {
		p.finish(job, StateCancelled, "target track already passed")
		return
	}

	// generating
	p.transition(job, StateGenerating)
	req := provider.Request{
		Mode:   job.Mode,
		Title:  job.Title,
		Artist: job.Artist,
		Album:  job.Album,
		Prompt: job.Prompt,
	}
	if len(p.opts.StyleHints) > 0 {
		req.StyleHint = p.opts.StyleHints[rand.IntN(len(p.opts.StyleHints))]
	}
	text, llmTier, err := p.opts.Registry.GenerateText(jobCtx, req, func(s string) error {
		return p.opts.Gate.Check(s, job.Artist)
	})
	if err != nil {
		p.fail(job, fmt.Errorf("generate: %w", err))
		return
	}
	job.Text = text
	job.LLMTier = llmTier

	// synthesizing
	p.transition(job, StateSynthesizing)
	epoch := p.now().UnixMilli()
	audioPath := filepath.Join(p.opts.ArtifactDir, fmt.Sprintf("%s_%d.mp3", job.Mode, epoch))
	ttsTier, err := p.opts.Registry.Synthesize(jobCtx, text, audioPath, func(path string) error {
		return ValidateAudio(path, p.opts.MinAudioBytes)
	})
	if err != nil {
		p.fail(job, fmt.Errorf("synthesize: %w", err))
		return
	}
	job.TTSTier = ttsTier
	job.AudioPath = audioPath

	transcriptPath := filepath.Join(p.opts.ArtifactDir, fmt.Sprintf("%s_%d.txt", job.Mode, epoch))
	if err := os.WriteFile(transcriptPath, []byte(text+"\n"), 0o644); err != nil {
		p.log.Warn().Err(err).Str("path", transcriptPath).Msg("transcript write failed")
		transcriptPath = ""
	}

	// registered
	size := fileSize(audioPath)
	ttsID, err := p.opts.Store.RegisterTTS(jobCtx, &database.TTSArtifact{
		EpochMS:        epoch,
		Text:           text,
		AudioPath:      audioPath,
		TranscriptPath: transcriptPath,
		TrackTitle:     job.Title,
		TrackArtist:    job.Artist,
		Mode:           job.Mode,
	})
	if err != nil {
		p.fail(job, fmt.Errorf("register: %w", err))
		return
	}
	job.TTSID = ttsID
	if err := p.opts.Store.MarkTTS(jobCtx, ttsID, database.StatusReady, size, 0); err != nil {
		p.fail(job, fmt.Errorf("mark ready: %w", err))
		return
	}
	metrics.TTSBytesTotal.Add(float64(size))
	p.transition(job, StateRegistered)

	if p.obsolete(job) {
		p.markGarbage(jobCtx, job)
		p.finish(job, StateCancelled, "target track passed during synthesis")
		return
	}

	// enqueued
	var enqErr error
	for attempt := 1; attempt <= enqueueAttempts; attempt++ {
		if enqErr = p.opts.Engine.EnqueueTTS(jobCtx, audioPath); enqErr == nil {
			break
		}
		if jobCtx.Err() != nil {
			break
		}
		p.log.Warn().Err(enqErr).Int("attempt", attempt).Str("path", audioPath).Msg("enqueue failed")
		select {
		case <-jobCtx.Done():
		case <-time.After(enqueueBackoff):
		}
	}
	if enqErr != nil {
		p.markGarbage(jobCtx, job)
		p.fail(job, fmt.Errorf("enqueue: %w", enqErr))
		return
	}
	p.finish(job, StateEnqueued, "")
	p.log.Info().
		Str("job_id", job.ID).
		Str("mode", job.Mode).
		Str("title", job.Title).
		Str("artist", job.Artist).
		Str("llm", job.LLMTier).
		Str("tts", job.TTSTier).
		Msg("announcement enqueued")
}

// obsolete reports whether the target track has already been replaced by a
// later one. An announcement for the on-air track is still useful.
func (p *Pipeline) obsolete(job *Job) bool {
	if p.opts.CurrentTrack == nil {
		return false
	}
	title, artist, ok := p.opts.CurrentTrack()
	if !ok {
		return false
	}
	if title == job.Title && artist == job.Artist {
		return false
	}
	return p.now().UnixMilli() > job.TargetEpochMS
}

func (p *Pipeline) markGarbage(ctx context.Context, job *Job) {
	if job.TTSID == 0 {
		return
	}
	if err := p.opts.Store.MarkTTS(ctx, job.TTSID, database.StatusGarbage, 0, 0); err != nil &&
		!errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Int64("tts_id", job.TTSID).Msg("garbage mark failed")
	}
}

func (p *Pipeline) fail(job *Job, err error) {
	if errors.Is(err, context.Canceled) {
		p.finish(job, StateCancelled, "cancelled")
		return
	}
	p.finish(job, StateFailed, err.Error())
}

// transition moves a live job forward and announces it.
func (p *Pipeline) transition(job *Job, state string) {
	p.mu.Lock()
	job.State = state
	job.UpdatedAt = p.now()
	p.mu.Unlock()
	p.publish(job)
}

// finish moves a job to a terminal state, retires it from the active set
// and records the outcome.
func (p *Pipeline) finish(job *Job, state, reason string) {
	p.mu.Lock()
	job.State = state
	job.Err = reason
	job.UpdatedAt = p.now()
	delete(p.active, job.DedupKey)
	p.recent = append(p.recent, job.snapshot())
	if len(p.recent) > recentKeep {
		p.recent = p.recent[len(p.recent)-recentKeep:]
	}
	p.mu.Unlock()

	metrics.DJJobsTotal.WithLabelValues(state).Inc()
	p.publish(job)
	if state != StateEnqueued {
		p.log.Debug().Str("job_id", job.ID).Str("state", state).Str("reason", reason).Msg("job finished")
	}
}

func (p *Pipeline) publish(job *Job) {
	if p.opts.Bus == nil {
		return
	}
	p.mu.Lock()
	snap := job.snapshot()
	p.mu.Unlock()
	p.opts.Bus.Publish(bus.TopicDJState, snap)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
