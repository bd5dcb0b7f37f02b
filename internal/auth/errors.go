package auth

import "errors"

// Sentinel errors returned by the token manager. Callers should use
// errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a token's exp claim has passed.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrMissingSubject is returned when a token is requested without a user id.
	ErrMissingSubject = errors.New("auth: user id is required")

	// ErrUnknownRole is returned when a token is requested for a role the
	// server does not recognise.
	ErrUnknownRole = errors.New("auth: unknown role")
)
