// Package middleware gates HTTP handlers on the authentication level of the
// caller's session.
//
// # Guards
//
//   - [Guard] admits sessions at or above a given level.
//   - [RequireOneFactor] and [RequireTwoFactor] are the common cases.
//
// The session ID is read from the [SessionCookie] cookie, falling back to
// the [SessionHeader] header. Admitted requests carry the session in their
// context; see [SessionFromContext].
//
// # Architecture boundaries
//
// Every decision is delegated to Engine.SessionInfo. This package never
// touches Redis or credential stores directly.
package middleware
