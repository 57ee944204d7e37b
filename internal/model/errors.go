package model

import "errors"

var (
	// ErrInvalidReport marks a report rejected before anything was persisted
	ErrInvalidReport = errors.New("invalid report")
	// ErrInvalidArgument marks a malformed operator request
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks an unknown alert, command or endpoint on a targeted operation
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a transient persistence failure; callers may retry
	ErrUnavailable = errors.New("store unavailable")
)
