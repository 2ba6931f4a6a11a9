package themedraft

import "errors"

var (
	// Not found errors.
	ErrJobNotFound   = errors.New("themedraft: job not found")
	ErrQuotaNotFound = errors.New("themedraft: quota not found")

	// Conflict errors.
	ErrDuplicateIdempotencyKey = errors.New("themedraft: idempotency key already exists for tenant")

	// State errors.
	ErrInvalidTransition  = errors.New("themedraft: invalid status transition")
	ErrMaxRetriesExceeded = errors.New("themedraft: max retries exceeded")
)
