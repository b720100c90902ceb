// Package session holds the authentication session model, its state machine
// and its Redis persistence.
//
// # State machine
//
// [Apply] is a pure function from (session, event) to (session, outcome). It
// enforces the level ordering NotAuthenticated, OneFactor, TwoFactor and the
// rules for pending challenges and one-shot capabilities. Callers persist the
// returned session; nothing in this package decides whether a credential is
// valid.
//
// # Binary encoding
//
// Sessions are stored as a compact versioned binary record. [Decode] rejects
// unknown versions, truncated input and trailing bytes.
//
// # Architecture boundaries
//
// This package must not import the engine, credential stores or the JWT
// package.
package session
