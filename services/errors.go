package services

import "errors"

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrConflict means the owner already has an interview in progress.
	ErrConflict = errors.New("interview already in progress")
	// ErrState means the operation is illegal in the session's current status.
	ErrState = errors.New("invalid session state")
	// ErrNotFound covers both missing sessions and sessions owned by someone else.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable is returned when the question provider fails or times out.
	// Callers may retry.
	ErrUpstreamUnavailable = errors.New("question provider unavailable")
)
