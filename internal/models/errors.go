package models

import "errors"

// Caller-correctable error conditions. Handlers map these to HTTP status
// codes with errors.Is; operations wrap them with fmt.Errorf("%w: ...") to
// attach detail.
var (
	ErrValidation    = errors.New("validation failed")
	ErrRateLimited   = errors.New("too many requests")
	ErrNotFound      = errors.New("request not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotOwner      = errors.New("not the request owner")
	ErrNotCandidate  = errors.New("not an unresponded candidate")
	ErrTerminalState = errors.New("request is in a terminal state")
)
