package session

import (
	"context"
	"errors"
	"net"

	"volunteerhub/internal/identity"
	"volunteerhub/internal/repo"
)

type AuthErrorKind string

const (
	KindDuplicateEmail     AuthErrorKind = "duplicate_email"
	KindWeakPassword       AuthErrorKind = "weak_password"
	KindInvalidCredentials AuthErrorKind = "invalid_credentials"
	KindNetwork            AuthErrorKind = "network"
	KindUnknown            AuthErrorKind = "unknown"
)

// AuthError is the typed failure surfaced by every auth operation.
// They are always converted to a user notification at the store
// boundary, never propagated as unhandled failures.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Message is the toast text shown to the user for this failure.
func (e *AuthError) Message() string {
	switch e.Kind {
	case KindDuplicateEmail:
		return "An account with this email already exists"
	case KindWeakPassword:
		return "Password is too weak, use at least 8 characters"
	case KindInvalidCredentials:
		return "Invalid email or password"
	case KindNetwork:
		return "Connection problem, please try again"
	default:
		return "Something went wrong, please try again"
	}
}

func classify(err error) *AuthError {
	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, repo.ErrDuplicateEmail):
		kind = KindDuplicateEmail
	case errors.Is(err, identity.ErrWeakPassword):
		kind = KindWeakPassword
	case errors.Is(err, identity.ErrInvalidCredentials):
		kind = KindInvalidCredentials
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		kind = KindNetwork
	}
	return &AuthError{Kind: kind, Err: err}
}
