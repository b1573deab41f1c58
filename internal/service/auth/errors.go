package auth

import "errors"

// Proxy key authentication errors.
var (
	// ErrMissingToken indicates no proxy token was presented.
	ErrMissingToken = errors.New("proxy token is missing")

	// ErrMalformedToken indicates the token is not "<id>.<secret>".
	ErrMalformedToken = errors.New("proxy token is malformed")

	// ErrInvalidToken indicates the key does not exist, is inactive, or the secret does not match.
	ErrInvalidToken = errors.New("invalid proxy token")
)
