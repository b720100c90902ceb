// Package tracelog records authentication attempts.
//
// A Log is append-only: traces are immutable once written and only leave the log
// through time-based pruning. The regulator reads the most recent traces for a
// (username, factor) pair to decide whether a new attempt may proceed.
package tracelog

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrUnavailable wraps storage failures.
var ErrUnavailable = errors.New("trace log unavailable")

// FactorType identifies which authentication factor a trace belongs to.
type FactorType string

// Factor types.
const (
	FactorFirst    FactorType = "first"
	FactorTOTP     FactorType = "totp"
	FactorWebAuthn FactorType = "webauthn"
)

// Valid reports whether f is a known factor type.
func (f FactorType) Valid() bool {
	switch f {
	case FactorFirst, FactorTOTP, FactorWebAuthn:
		return true
	default:
		return false
	}
}

// Trace is one authentication attempt.
type Trace struct {
	Username string
	Factor   FactorType
	Time     time.Time
	Success  bool
}

// Log is the trace storage contract.
type Log interface {
	Append(ctx context.Context, t Trace) error
	// Recent returns at most limit traces for the pair that are strictly newer
	// than since, newest first.
	Recent(ctx context.Context, username string, factor FactorType, since time.Time, limit int) ([]Trace, error)
	// Prune removes traces older than before and reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// lowerBound maps since to unix nanos. The zero time means no lower bound.
func lowerBound(since time.Time) int64 {
	if since.IsZero() {
		return math.MinInt64
	}
	return since.UnixNano()
}
