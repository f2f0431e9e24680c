// Package engine owns every interaction with the audio engine. All commands
// flow through a single long-lived control connection behind a request
// queue; no other package may open its own connection to the engine.
package engine

import "errors"

var (
	// ErrUnavailable means the control port could not be reached or the
	// request timed out. The client reconnects with backoff.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrRejected means the engine explicitly refused the request.
	ErrRejected = errors.New("engine rejected request")
)

// NowPlaying is the engine's view of the current track.
type NowPlaying struct {
	Title      string
	Artist     string
	Album      string
	Filename   string
	DurationMS int64 // 0 when the engine does not report it
}

// TrackRef is one queued upcoming item.
type TrackRef struct {
	RequestID  string
	Title      string
	Artist     string
	Album      string
	Filename   string
	DurationMS int64
}
