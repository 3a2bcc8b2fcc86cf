// Package apperrors defines the closed error taxonomy for the sync engine.
// Callers branch on error kind with errors.Is/errors.As instead of matching
// message strings.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRefreshLockHeld   = errors.New("token refresh already in progress")
	ErrTokensKeyMismatch = errors.New("stored tokens were encrypted with a different key")
)

// AuthError indicates that a stored grant could not produce a usable access
// token: the refresh token was revoked, the client credentials are wrong, or
// the token endpoint rejected the exchange. Not retried within a run.
type AuthError struct {
	ConnectionID string
	Reason       string
	Err          error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed for connection %s: %s: %v", e.ConnectionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failed for connection %s: %s", e.ConnectionID, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// QueryErrorKind classifies a single upstream analytics call failure.
type QueryErrorKind string

const (
	// QueryTransient covers timeouts, connection failures and upstream 5xx.
	// Eligible for retry on the next scheduled run.
	QueryTransient QueryErrorKind = "transient"
	// QueryAuthFailure means upstream rejected the token on this call even
	// though its stored expiry looked valid (clock skew, revoked mid-run).
	QueryAuthFailure QueryErrorKind = "auth_failure"
	// QueryNotFound means the property is unknown to upstream.
	QueryNotFound QueryErrorKind = "not_found"
)

// QueryError wraps a failed analytics API call with its classification.
type QueryError struct {
	Kind       QueryErrorKind
	StatusCode int
	Err        error
}

func (e *QueryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("query failed (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("query failed (%s): %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is worth retrying. Only transient
// failures qualify; auth and not-found failures are permanent for this run.
func (e *QueryError) IsRetryable() bool { return e.Kind == QueryTransient }

// PersistError indicates a write to the relational store failed. Successful
// writes for other properties are not rolled back.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
