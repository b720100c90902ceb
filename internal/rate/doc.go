// Package rate holds the throttling primitives used by identity validation.
//
// [MapLimiter] is an in-process token bucket per key built on golang.org/x/time/rate.
// [WindowLimiter] is a fixed-window Redis counter for caps that must hold across
// replicas. Both are nil-safe: a nil limiter allows everything.
package rate
