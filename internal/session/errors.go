package session

import "errors"

// Sentinel errors. Transport layers map these to status codes; see
// internal/server/errors.go.
var (
	// ErrInvalidCredential covers malformed, unsigned, expired or unknown
	// tokens. It never has side effects.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrReuseDetected means an already consumed refresh token was presented.
	// Every refresh token of the implicated user has been revoked by the time
	// the caller sees this error.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrTokenNotFound is returned by a Ledger for keys that are not live.
	ErrTokenNotFound = errors.New("ledger: token not found")
)
