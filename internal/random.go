package internal

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// RandomDuration returns a uniformly distributed duration in [min, max].
func RandomDuration(min, max time.Duration) (time.Duration, error) {
	if max <= min {
		return min, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)+1))
	if err != nil {
		return 0, err
	}
	return min + time.Duration(n.Int64()), nil
}

// SleepJitterSince blocks until a random point in [start+min, start+max] or
// until ctx is done, in which case it returns the context error. Time already
// spent since start counts toward the delay, so callers doing different
// amounts of work after start still return together.
func SleepJitterSince(ctx context.Context, start time.Time, min, max time.Duration) error {
	d, err := RandomDuration(min, max)
	if err != nil {
		return err
	}
	d -= time.Since(start)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
