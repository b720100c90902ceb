// Package limiters holds the authentication regulator and the
// identity-validation throttle.
//
// # Limiters
//
//   - [Regulator] locks a (username, factor) pair after consecutive failures
//     read from the authentication trace log.
//   - [IdentityValidationLimiter] caps validation links per identity, locally
//     with a token bucket and across replicas with a Redis window.
//
// All limiters are nil-safe: a nil receiver allows everything.
//
// # What this package must NOT do
//
//   - Import the root package or internal/flows.
//   - Decide what a rejection means to the caller; flows map it.
package limiters
