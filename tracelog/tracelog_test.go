package tracelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteLog(t *testing.T) Log {
	t.Helper()
	l, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newRedisLog(t *testing.T) Log {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedis(rdb, time.Hour)
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l Log)) {
	backends := map[string]func(*testing.T) Log{
		"sqlite": newSQLiteLog,
		"redis":  newRedisLog,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestRecentNewestFirstAndScoped(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		base := time.Unix(1_700_000_000, 0)

		for i, success := range []bool{false, true, false, false} {
			require.NoError(t, l.Append(ctx, Trace{
				Username: "john", Factor: FactorFirst,
				Time: base.Add(time.Duration(i) * time.Second), Success: success,
			}))
		}
		require.NoError(t, l.Append(ctx, Trace{Username: "john", Factor: FactorTOTP, Time: base, Success: false}))
		require.NoError(t, l.Append(ctx, Trace{Username: "bob", Factor: FactorFirst, Time: base, Success: false}))

		traces, err := l.Recent(ctx, "john", FactorFirst, base.Add(-time.Minute), 3)
		require.NoError(t, err)
		require.Len(t, traces, 3)
		assert.True(t, traces[0].Time.Equal(base.Add(3*time.Second)))
		assert.True(t, traces[2].Time.Equal(base.Add(1*time.Second)))
		assert.False(t, traces[0].Success)
		assert.True(t, traces[2].Success)
		for _, tr := range traces {
			assert.Equal(t, "john", tr.Username)
			assert.Equal(t, FactorFirst, tr.Factor)
		}

		// since is exclusive.
		traces, err = l.Recent(ctx, "john", FactorFirst, base.Add(2*time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, traces, 1)

		traces, err = l.Recent(ctx, "nobody", FactorFirst, time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, traces)
	})
}

func TestPrune(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		base := time.Unix(1_700_000_000, 0)

		for i := 0; i < 5; i++ {
			require.NoError(t, l.Append(ctx, Trace{
				Username: "alice", Factor: FactorWebAuthn,
				Time: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		removed, err := l.Prune(ctx, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		traces, err := l.Recent(ctx, "alice", FactorWebAuthn, time.Time{}, 10)
		require.NoError(t, err)
		assert.Len(t, traces, 3)
	})
}

func TestFactorTypeValid(t *testing.T) {
	assert.True(t, FactorFirst.Valid())
	assert.True(t, FactorWebAuthn.Valid())
	assert.False(t, FactorType("sms").Valid())
}
