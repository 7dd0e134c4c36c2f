package models

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when a feed was claimed by another scheduler. Not a failure.
	ErrAlreadyClaimed = errors.New("feed already claimed")

	// ErrUnavailable wraps transient store or queue failures that are safe to retry.
	ErrUnavailable = errors.New("infrastructure unavailable")

	// ErrInvalidRecord marks a raw record that failed validation and was skipped.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrRunBlocked is returned when the circuit breaker refused to promote a run.
	ErrRunBlocked = errors.New("run blocked by circuit breaker")

	// ErrPermanent marks job failures that must not be retried.
	ErrPermanent = errors.New("permanent failure")
)
