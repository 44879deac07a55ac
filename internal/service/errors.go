package service

import (
	"errors"

	"comm_dispatch/internal/repository"
)

var (
	ErrValidation   = errors.New("invalid input")
	ErrNoRecipients = errors.New("no recipients resolved")
	ErrRetryLimit   = errors.New("retry limit reached")
	ErrNotRetryable = errors.New("recipient is not in failed state")
	// ErrDuplicateInFlight means another request with the same idempotency key is
	// being persisted right now.
	ErrDuplicateInFlight = errors.New("request with this idempotency key is in progress")

	ErrNotFound = repository.ErrNotFound
)
