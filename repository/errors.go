package repository

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveSessionExists indicates the owner already has an IN_PROGRESS session.
	ErrActiveSessionExists = errors.New("owner already has an interview in progress")

	// ErrInvalidMessage indicates an append or update that would break the transcript invariants.
	ErrInvalidMessage = errors.New("invalid transcript message")
)
