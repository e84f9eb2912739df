package exception

import "errors"

var (
	ErrBreakerTripped       = errors.New("breaker: tripped, submissions blocked")
	ErrBreakerAlreadySet    = errors.New("breaker: already in requested state")
	ErrBreakerMissingReason = errors.New("breaker: reason is required")
	ErrBreakerMissingActor  = errors.New("breaker: operator is required")
)
