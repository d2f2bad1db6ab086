package service

import (
	"errors"

	"exchange-service/internal/repository"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("authentication required")
	// ErrProfileUnavailable is returned when the counterpart never
	// authenticated, so there is no profile to resolve.
	ErrProfileUnavailable = errors.New("counterpart profile unavailable")
	ErrSelfRedeem         = errors.New("cannot redeem own share token")

	// Store errors surface unchanged so callers can match either name.
	ErrSessionNotFound    = repository.ErrSessionNotFound
	ErrSessionExists      = repository.ErrSessionExists
	ErrMatchNotFound      = repository.ErrMatchNotFound
	ErrAlreadyScanned     = repository.ErrAlreadyScanned
	ErrShareTokenNotFound = repository.ErrShareTokenNotFound
	ErrProfileNotFound    = repository.ErrProfileNotFound
)
