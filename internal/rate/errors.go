package rate

import "errors"

var (
	// ErrRateLimited is returned once a key has spent its budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter storage failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
