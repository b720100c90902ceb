package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every Redis transport failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrNotFound is returned for unknown, expired or unreadable sessions.
var ErrNotFound = errors.New("session not found")

// ErrConflict means Update kept losing the race against other writers.
var ErrConflict = errors.New("session modified concurrently")

const (
	minSlidingTTL     = time.Second
	updateMaxAttempts = 4
)

const indexScript = `
redis.call("SADD", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`

var indexLua = redis.NewScript(indexScript)

const deleteSessionScript = `
local existed = redis.call("DEL", KEYS[1])
if KEYS[2] then
  redis.call("SREM", KEYS[2], ARGV[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store persists sessions in Redis.
//
// Each session lives under its own key whose TTL never exceeds the session's
// absolute expiry. Authenticated sessions are also indexed per username so
// that all of a user's sessions can be dropped at once.
type Store struct {
	redis         redis.UniversalClient
	prefix        string
	sliding       bool
	jitterEnabled bool
	jitterRange   time.Duration
	now           func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// sliding makes [Store.Get] push the idle deadline forward; jitterEnabled and
// jitterRange randomize it.
func NewStore(
	redis redis.UniversalClient,
	prefix string,
	sliding bool,
	jitterEnabled bool,
	jitterRange time.Duration,
) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:         redis,
		prefix:        prefix,
		sliding:       sliding,
		jitterEnabled: jitterEnabled,
		jitterRange:   jitterRange,
		now:           time.Now,
	}
}

// WithClock replaces the time source used for absolute expiry checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) userKey(username string) string {
	return s.prefix + ":u:" + username
}

// Save writes sess with an idle TTL of ttl, capped at the session's absolute
// expiry. Sessions at OneFactor or above are added to the user index.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || !ValidID(sess.ID) {
		return errors.New("session id is invalid")
	}
	remaining := s.remainingAbsoluteTTL(sess, s.now())
	if remaining <= 0 {
		return ErrNotFound
	}
	if ttl <= 0 || ttl > remaining {
		ttl = remaining
	}

	data, err := Encode(sess)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if sess.Username != "" && sess.Level >= OneFactor {
		err := indexLua.Run(ctx, s.redis, []string{s.userKey(sess.Username)}, sess.ID, remaining.Milliseconds()).Err()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return nil
}

// Get loads a session. When sliding expiration is enabled the key's TTL is
// reset to idle (jittered), never beyond the absolute expiry.
func (s *Store) Get(ctx context.Context, sessionID string, idle time.Duration) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remaining := s.remainingAbsoluteTTL(sess, s.now())
	if remaining <= 0 {
		if err := s.deleteSessionAndIndex(ctx, sess.Username, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	if s.sliding {
		window := remaining
		if idle > 0 && idle < window {
			window = idle
		}
		nextTTL, err := s.nextSlidingTTL(window)
		if err != nil {
			return nil, err
		}
		if err := s.redis.Expire(ctx, s.key(sessionID), nextTTL).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return sess, nil
}

// Update applies fn to the stored session and writes the result only if the
// key was left untouched since it was read. A concurrent write makes the
// transaction retry on the fresh record, so fn may run more than once and
// must only depend on its argument. An error from fn aborts without writing
// and is returned as is.
func (s *Store) Update(ctx context.Context, sessionID string, ttl time.Duration, fn func(Session) (Session, error)) (*Session, error) {
	if !ValidID(sessionID) {
		return nil, ErrNotFound
	}
	key := s.key(sessionID)

	for i := 0; i < updateMaxAttempts; i++ {
		var (
			updated *Session
			fnErr   error
		)

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			cur, err := Decode(data)
			if err != nil || cur.ID != sessionID {
				return ErrNotFound
			}
			remaining := s.remainingAbsoluteTTL(cur, s.now())
			if remaining <= 0 {
				return ErrNotFound
			}

			next, err := fn(*cur)
			if err != nil {
				fnErr = err
				return err
			}
			next.ID = sessionID
			encoded, err := Encode(&next)
			if err != nil {
				return err
			}

			keyTTL := ttl
			if keyTTL <= 0 || keyTTL > remaining {
				keyTTL = remaining
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, keyTTL)
				return nil
			}); err != nil {
				return err
			}
			updated = &next
			return nil
		}, key)

		switch {
		case fnErr != nil:
			return nil, fnErr
		case err == nil:
			if updated.Username != "" && updated.Level >= OneFactor {
				remaining := s.remainingAbsoluteTTL(updated, s.now())
				if err := indexLua.Run(ctx, s.redis, []string{s.userKey(updated.Username)}, sessionID, remaining.Milliseconds()).Err(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
			}
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrRedisUnavailable):
			return nil, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return nil, ErrConflict
}

// GetReadOnly loads a session without touching its TTL.
func (s *Store) GetReadOnly(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.remainingAbsoluteTTL(sess, s.now()) <= 0 {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*Session, error) {
	if !ValidID(sessionID) {
		return nil, ErrNotFound
	}

	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		// unreadable records are dropped rather than served
		_ = s.redis.Del(ctx, s.key(sessionID)).Err()
		return nil, ErrNotFound
	}
	if sess.ID != sessionID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete removes a session and its index entry. Deleting a missing session
// is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if !ValidID(sessionID) {
		return nil
	}

	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var username string
	if sess, err := Decode(data); err == nil {
		username = sess.Username
	}
	return s.deleteSessionAndIndex(ctx, username, sessionID)
}

// DeleteAllForUser removes every indexed session of username and returns how
// many existed.
//
// Not atomic with concurrent Save: a session indexed between the read and
// the delete survives until its own expiry.
func (s *Store) DeleteAllForUser(ctx context.Context, username string) (int, error) {
	userKey := s.userKey(username)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessionKeys := make([]string, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		sessionKeys = append(sessionKeys, s.key(sessionID))
	}

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(sessionKeys) > 0 {
			deleted = pipe.Del(ctx, sessionKeys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// ActiveSessionIDs lists the indexed sessions of username that still exist.
func (s *Store) ActiveSessionIDs(ctx context.Context, username string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(username)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

// Ping measures a Redis round trip.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) remainingAbsoluteTTL(sess *Session, now time.Time) time.Duration {
	return time.Unix(sess.ExpiresAt, 0).Sub(now)
}

func (s *Store) nextSlidingTTL(window time.Duration) (time.Duration, error) {
	nextTTL := window

	if s.jitterEnabled && s.jitterRange > 0 {
		jitter, err := randomJitter(s.jitterRange)
		if err != nil {
			return 0, err
		}
		nextTTL += jitter
	}

	if nextTTL > window {
		nextTTL = window
	}

	minTTL := minSlidingTTL
	if window < minTTL {
		minTTL = window
	}
	if nextTTL < minTTL {
		nextTTL = minTTL
	}

	return nextTTL, nil
}

func randomJitter(jitterRange time.Duration) (time.Duration, error) {
	if jitterRange <= 0 {
		return 0, nil
	}

	hi := jitterRange.Nanoseconds()
	if hi > (math.MaxInt64-1)/2 {
		return 0, errors.New("jitter range too large")
	}
	span := hi*2 + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}

	return time.Duration(n.Int64() - hi), nil
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, username, sessionID string) error {
	keys := []string{s.key(sessionID)}
	if username != "" {
		keys = append(keys, s.userKey(username))
	}

	if err := deleteSessionLua.Run(ctx, s.redis, keys, sessionID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
