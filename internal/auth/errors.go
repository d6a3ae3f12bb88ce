package auth

import "errors"

var (
	// ErrInvalidRole marks role data outside the closed role set.
	ErrInvalidRole = errors.New("auth: invalid role")
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	errMissingSecret = errors.New("auth: token secret is not configured")
)
