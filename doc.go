// Package authgate is a multi-factor authentication gateway.
//
// An [Engine] checks passwords against a credential backend, verifies TOTP
// codes and WebAuthn assertions, regulates brute-force attempts and runs the
// emailed identity validation that gates password reset and second factor
// registration. Each caller holds a server-side session whose level moves
// NotAuthenticated, OneFactor, TwoFactor and back to NotAuthenticated on
// logout.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config]
// and value types such as [SessionInfo] and [MetricsSnapshot]. Flow
// orchestration, regulation, token storage and audit dispatch live under
// internal/ and are never exported.
//
// # Failure reporting
//
// Credential and factor failures collapse to [ErrAuthenticationFailed];
// lockouts return [ErrRegulationLockout], which wraps it. Only
// [ErrBackendUnavailable] tells the caller that retrying may help. The
// precise reason is logged, never returned.
package authgate
