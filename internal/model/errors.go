package model

import "errors"

var (
	// Taxonomy shared by every layer; APIError values unwrap to one of these.
	ErrMalformedRequest    = errors.New("malformed request")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrIdentityUnavailable = errors.New("identity unavailable")
	ErrVersionStale        = errors.New("token version stale")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnexpected          = errors.New("unexpected error")

	// Identity store errors
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
