// Package internal contains helpers private to authgate.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - flows: orchestrators for first factor, second factor, identity
//     validation and logout
//   - limiters: the authentication regulator and the identity validation
//     throttle
//   - rate: token bucket and Redis window primitives
//   - security: configuration posture report
//   - sqlitedb: shared SQLite opener
//   - stores: single-use identity validation tokens
//
// The package itself only holds the enumeration delay used by identity
// validation.
package internal
