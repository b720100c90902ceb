package authgate

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is the only answer a caller gets for a rejected
	// password, TOTP code or WebAuthn assertion.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrRegulationLockout is returned while brute-force regulation blocks the
	// user. It wraps ErrAuthenticationFailed so callers that only match the
	// generic failure treat both the same.
	ErrRegulationLockout = fmt.Errorf("%w: too many attempts", ErrAuthenticationFailed)
	// ErrBackendUnavailable means a backing store could not be reached and
	// retrying may help.
	ErrBackendUnavailable = errors.New("authentication backend unavailable")
	// ErrIdentityValidationFailed is returned for every unusable identity
	// validation link: unknown, expired, replayed or forged.
	ErrIdentityValidationFailed = errors.New("identity validation failed")
	// ErrNotAllowed means the operation is not valid for the session's
	// current level or capability.
	ErrNotAllowed = errors.New("operation not allowed")
	// ErrSessionNotFound is returned for unknown or expired session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPasswordPolicy is returned when a new password does not satisfy the
	// configured length bounds.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrSecondFactorNotConfigured means the user has no registration for the
	// requested second factor.
	ErrSecondFactorNotConfigured = errors.New("second factor not configured")
	// ErrInvalidRequest is returned for malformed arguments such as an
	// unknown device kind.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrEngineNotReady is returned by an Engine that was not built with
	// [Builder.Build].
	ErrEngineNotReady = errors.New("engine not initialized")
)
