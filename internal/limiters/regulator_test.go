package limiters

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/tracelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errWrongPassword = errors.New("wrong password")

func newTestRegulator(t *testing.T) (*Regulator, *fakeClock, tracelog.Log) {
	t.Helper()
	log, err := tracelog.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegulator(log, RegulatorConfig{Enabled: true, Now: clock.Now}, nil)
	return r, clock, log
}

func fail(context.Context) error    { return errWrongPassword }
func succeed(context.Context) error { return nil }

func TestRegulatorLocksAfterConsecutiveFailures(t *testing.T) {
	r, clock, _ := newTestRegulator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, r.Attempt(ctx, "bob", tracelog.FactorFirst, fail), errWrongPassword)
		clock.Advance(10 * time.Second)
	}

	called := false
	err := r.Attempt(ctx, "bob", tracelog.FactorFirst, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrRegulated)
	assert.False(t, called, "verify must not run while locked")

	allowed, err := r.IsAllowed(ctx, "bob", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other factors and users are unaffected.
	allowed, err = r.IsAllowed(ctx, "bob", tracelog.FactorTOTP)
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, err = r.IsAllowed(ctx, "alice", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRegulatorSuccessResetsStreak(t *testing.T) {
	r, _, _ := newTestRegulator(t)
	ctx := context.Background()

	r.Record(ctx, "john", tracelog.FactorFirst, false)
	r.Record(ctx, "john", tracelog.FactorFirst, false)
	r.Record(ctx, "john", tracelog.FactorFirst, true)

	allowed, err := r.IsAllowed(ctx, "john", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.True(t, allowed)

	r.Record(ctx, "john", tracelog.FactorFirst, false)
	r.Record(ctx, "john", tracelog.FactorFirst, false)
	allowed, err = r.IsAllowed(ctx, "john", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.True(t, allowed)

	r.Record(ctx, "john", tracelog.FactorFirst, false)
	allowed, err = r.IsAllowed(ctx, "john", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRegulatorSlidingWindow(t *testing.T) {
	r, clock, _ := newTestRegulator(t)
	ctx := context.Background()

	r.Record(ctx, "bob", tracelog.FactorFirst, false)
	clock.Advance(time.Minute)
	r.Record(ctx, "bob", tracelog.FactorFirst, false)
	clock.Advance(time.Minute)
	r.Record(ctx, "bob", tracelog.FactorFirst, false)

	clock.Advance(2 * time.Minute)
	allowed, err := r.IsAllowed(ctx, "bob", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.False(t, allowed)

	// The oldest failure leaves the five minute window.
	clock.Advance(time.Minute + time.Second)
	allowed, err = r.IsAllowed(ctx, "bob", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.True(t, allowed)

	// One more failure re-arms the lock from the two remaining ones.
	require.ErrorIs(t, r.Attempt(ctx, "bob", tracelog.FactorFirst, fail), errWrongPassword)
	allowed, err = r.IsAllowed(ctx, "bob", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRegulatorLockedAttemptsAreNotRecorded(t *testing.T) {
	r, _, log := newTestRegulator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Attempt(ctx, "bob", tracelog.FactorFirst, fail)
	}
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, r.Attempt(ctx, "bob", tracelog.FactorFirst, succeed), ErrRegulated)
	}

	traces, err := log.Recent(ctx, "bob", tracelog.FactorFirst, time.Time{}, 100)
	require.NoError(t, err)
	assert.Len(t, traces, 3)
}

func TestRegulatorTransientErrorsAreNotRecorded(t *testing.T) {
	r, _, log := newTestRegulator(t)
	errBackend := errors.New("backend down")
	r.config.IsTransient = func(err error) bool { return errors.Is(err, errBackend) }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, r.Attempt(ctx, "carol", tracelog.FactorFirst, func(context.Context) error {
			return errBackend
		}), errBackend)
	}
	require.ErrorIs(t, r.Attempt(ctx, "carol", tracelog.FactorFirst, func(context.Context) error {
		return context.DeadlineExceeded
	}), context.DeadlineExceeded)

	traces, err := log.Recent(ctx, "carol", tracelog.FactorFirst, time.Time{}, 100)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestRegulatorConcurrentAttemptsAreSerialized(t *testing.T) {
	r, _, _ := newTestRegulator(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		verified atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Attempt(ctx, "mallory", tracelog.FactorFirst, func(context.Context) error {
				verified.Add(1)
				return errWrongPassword
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), verified.Load(), "only MaxAttempts guesses may be evaluated")
}

// holdPair starts an attempt for username that blocks inside verify until
// the returned func is called.
func holdPair(t *testing.T, r *Regulator, username string) func() {
	t.Helper()
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Attempt(context.Background(), username, tracelog.FactorFirst, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("held attempt never reached verify")
	}
	return func() {
		close(release)
		<-done
	}
}

func TestRegulatorWaitHonoursContext(t *testing.T) {
	r, _, _ := newTestRegulator(t)
	release := holdPair(t, r, "bob")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	called := false
	err := r.Attempt(ctx, "bob", tracelog.FactorFirst, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegulatorUnrelatedPairsDoNotWait(t *testing.T) {
	r, _, _ := newTestRegulator(t)
	release := holdPair(t, r, "bob")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, user := range []string{"alice", "carol", "dave"} {
		require.NoError(t, r.Attempt(ctx, user, tracelog.FactorFirst, succeed), user)
	}
	// Same user, other factor.
	require.NoError(t, r.Attempt(ctx, "bob", tracelog.FactorTOTP, succeed))
}

func TestRegulatorLocksAreForgotten(t *testing.T) {
	r, _, _ := newTestRegulator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := []string{"bob", "alice"}[i%2]
			_ = r.Attempt(ctx, user, tracelog.FactorFirst, succeed)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, r.locks.len())
}

func TestRegulatorDisabled(t *testing.T) {
	r, _, _ := newTestRegulator(t)
	r.config.Enabled = false
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, r.Attempt(ctx, "bob", tracelog.FactorFirst, fail), errWrongPassword)
	}
	allowed, err := r.IsAllowed(ctx, "bob", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.True(t, allowed)

	var nilRegulator *Regulator
	allowed, err = nilRegulator.IsAllowed(ctx, "bob", tracelog.FactorFirst)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRegulatorPrune(t *testing.T) {
	r, clock, log := newTestRegulator(t)
	ctx := context.Background()

	r.Record(ctx, "bob", tracelog.FactorFirst, false)
	clock.Advance(time.Hour)
	r.Record(ctx, "bob", tracelog.FactorFirst, false)

	removed, err := r.Prune(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	traces, err := log.Recent(ctx, "bob", tracelog.FactorFirst, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, traces, 1)
}
