package database

import "errors"

var (
	// ErrDuplicateEvent is returned by CommitPlayEvent when an event with the
	// same (kind, title, artist) already exists inside the dedup window.
	ErrDuplicateEvent = errors.New("duplicate play event")

	// ErrNotReady is returned by LinkTTS when the artifact is not in "ready".
	ErrNotReady = errors.New("tts artifact not ready")

	// ErrIllegalTransition is returned by MarkTTS for transitions other than
	// pending→ready, pending→failed and ready→garbage.
	ErrIllegalTransition = errors.New("illegal tts status transition")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps storage-level failures. Callers retry with backoff.
	ErrUnavailable = errors.New("storage unavailable")
)
