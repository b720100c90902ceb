// Package stores provides the Redis-backed identity-validation token store.
//
// # Design
//
// A token is 32 random bytes; only its SHA-256 is used as the Redis key. The
// record is versioned and binary encoded, and Consume runs a WATCH/MULTI
// optimistic transaction with retry so that a token is redeemed at most once
// under concurrency.
//
// # What this package must NOT do
//
//   - Log or persist plaintext tokens.
//   - Make authentication decisions; flows decide what a missing or expired
//     token means.
package stores
