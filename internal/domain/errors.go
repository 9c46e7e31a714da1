package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrRecordNotFound   = errors.New("score record not found")
	ErrNoActiveIdentity = errors.New("no active identity")
	ErrInvalidDelta     = errors.New("invalid score delta")
	ErrConflict         = errors.New("update conflict not resolved")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// AuthErrorKind classifies sign-in failures.
type AuthErrorKind string

const (
	AuthInvalidCredentials AuthErrorKind = "invalid-credentials"
	AuthUserNotFound       AuthErrorKind = "user-not-found"
	AuthDisabled           AuthErrorKind = "disabled"
	AuthRateLimited        AuthErrorKind = "rate-limited"
	AuthUnknown            AuthErrorKind = "unknown"
)

// AuthError is returned by the identity service. It is non-fatal and
// rendered to the user as a short message.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth failed (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Message returns the user-facing text for an auth failure.
func (e *AuthError) Message() string {
	switch e.Kind {
	case AuthInvalidCredentials:
		return "Incorrect email or password."
	case AuthUserNotFound:
		return "No account exists for that email."
	case AuthDisabled:
		return "This account has been disabled."
	case AuthRateLimited:
		return "Too many attempts. Try again in a moment."
	default:
		return "Sign-in failed. Please try again."
	}
}

// AsAuthError unwraps err into an *AuthError if it is one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
