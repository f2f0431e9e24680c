// Package dj runs the announcement pipeline: for each armed track, generate
// a spoken line, synthesize it, register the artifact and hand it to the
// engine queue. At most one announcement per armed track, ever.
package dj

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Job states.
const (
	StateArmed        = "armed"
	StateGenerating   = "generating"
	StateSynthesizing = "synthesizing"
	StateRegistered   = "registered"
	StateEnqueued     = "enqueued"
	StateFailed       = "failed"
	StateCancelled    = "cancelled"
)

// Announcement modes mirror the provider package.
const (
	ModeIntro  = "intro"
	ModeOutro  = "outro"
	ModeCustom = "custom"
)

// Job is one announcement attempt. Jobs live in memory only; the durable
// outcome is the TTS artifact row and the linked play event.
type Job struct {
	ID            string
	DedupKey      uint64
	Mode          string
	Title         string
	Artist        string
	Album         string
	Prompt        string // custom mode only
	TargetEpochMS int64  // start time of the track being introduced

	State      string
	Err        string
	LLMTier    string
	TTSTier    string
	TTSID      int64
	AudioPath  string
	Text       string
	UpdatedAt  time.Time
}

// NewJob creates an armed job for the given track.
func NewJob(mode, title, artist, album string, targetEpochMS int64) *Job {
	return &Job{
		ID:            uuid.NewString(),
		DedupKey:      DedupKey(title, artist, targetEpochMS),
		Mode:          mode,
		Title:         title,
		Artist:        artist,
		Album:         album,
		TargetEpochMS: targetEpochMS,
		State:         StateArmed,
		UpdatedAt:     time.Now(),
	}
}

// DedupKey hashes the job identity. Two arms for the same track at the same
// target time collapse to one job.
func DedupKey(title, artist string, targetEpochMS int64) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", title, artist, targetEpochMS)
	return h.Sum64()
}

// terminal reports whether the state admits no further transitions.
func terminal(state string) bool {
	return state == StateEnqueued || state == StateFailed || state == StateCancelled
}

// Snapshot is the read-only view handed to the debug endpoint and the bus.
type Snapshot struct {
	JobID         string    `json:"job_id"`
	Mode          string    `json:"mode"`
	Title         string    `json:"title"`
	Artist        string    `json:"artist"`
	TargetEpochMS int64     `json:"target_epoch_ms"`
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	LLMTier       string    `json:"llm_tier,omitempty"`
	TTSTier       string    `json:"tts_tier,omitempty"`
	Text          string    `json:"text,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		JobID:         j.ID,
		Mode:          j.Mode,
		Title:         j.Title,
		Artist:        j.Artist,
		TargetEpochMS: j.TargetEpochMS,
		State:         j.State,
		Error:         j.Err,
		LLMTier:       j.LLMTier,
		TTSTier:       j.TTSTier,
		Text:          j.Text,
		UpdatedAt:     j.UpdatedAt,
	}
}
