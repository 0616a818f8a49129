package api

import "errors"

// ErrCode mirrors the server's typed error codes. Only the codes the
// runtime reacts to are enumerated; anything else is handled generically.
type ErrCode string

const (
	CodeAttemptTimedOut   ErrCode = "ATTEMPT_TIMED_OUT"
	CodeRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"
	CodeAttemptNotFound   ErrCode = "NOT_FOUND"
	CodeForbidden         ErrCode = "FORBIDDEN"
	CodeTokenExpired      ErrCode = "TOKEN_EXPIRED"
)

// Sentinel errors for the conditions the engine branches on.
// ErrAlreadyTimedOut and ErrRateLimited are authoritative-state signals,
// not failures: callers adopt them as the new local truth.
var (
	// ErrAlreadyTimedOut means the server considers the attempt expired.
	ErrAlreadyTimedOut = errors.New("attempt already timed out")

	// ErrRateLimited means the server asked the client to back off.
	ErrRateLimited = errors.New("rate limited")

	// ErrAttemptNotFound means the attempt id is unknown to the server.
	ErrAttemptNotFound = errors.New("attempt not found")
)
