package stores

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	identityTokenVersionV1 = 1
	identityTokenBytes     = 32
	identityTokenGrace     = time.Minute
	maxPayloadBytes        = 64 << 10
)

var (
	// ErrTokenNotFound means the token was never issued or was already consumed.
	ErrTokenNotFound = errors.New("identity token not found")
	// ErrTokenExpired means the token exists but its max age has elapsed.
	ErrTokenExpired = errors.New("identity token expired")
	// ErrTokenUnavailable wraps Redis failures.
	ErrTokenUnavailable = errors.New("identity token store unavailable")
)

// IdentityTokenRecord is what a token resolves to.
type IdentityTokenRecord struct {
	Username  string
	Action    string
	Payload   []byte
	ExpiresAt int64 // unix nanos
}

// IdentityTokenStore issues single-use identity-validation tokens. Only a
// SHA-256 of the token is used as the Redis key.
type IdentityTokenStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewIdentityTokenStore creates a store under prefix (default "aiv").
func NewIdentityTokenStore(redisClient redis.UniversalClient, prefix string) *IdentityTokenStore {
	if prefix == "" {
		prefix = "aiv"
	}
	return &IdentityTokenStore{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *IdentityTokenStore) WithClock(now func() time.Time) *IdentityTokenStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *IdentityTokenStore) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Issue stores a new token for username. A zero maxAge yields a token that is
// already expired. The Redis TTL outlives maxAge by a grace period so late
// consumers see ErrTokenExpired rather than ErrTokenNotFound.
func (s *IdentityTokenStore) Issue(
	ctx context.Context,
	username, action string,
	payload []byte,
	maxAge time.Duration,
) (string, time.Time, error) {
	if maxAge < 0 {
		maxAge = 0
	}

	raw := make([]byte, identityTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	expiresAt := s.now().Add(maxAge)
	encoded, err := encodeIdentityTokenRecord(&IdentityTokenRecord{
		Username:  username,
		Action:    action,
		Payload:   payload,
		ExpiresAt: expiresAt.UnixNano(),
	})
	if err != nil {
		return "", time.Time{}, err
	}

	if err := s.redis.Set(ctx, s.key(token), encoded, maxAge+identityTokenGrace).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}

	return token, expiresAt, nil
}

// Consume resolves and deletes token atomically. Of any number of concurrent
// consumers of one token, exactly one receives the record; the others get
// ErrTokenNotFound. Expired tokens are rejected and left for the TTL to reap.
func (s *IdentityTokenStore) Consume(ctx context.Context, token string) (*IdentityTokenRecord, error) {
	const maxRetries = 4
	if token == "" {
		return nil, ErrTokenNotFound
	}
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		var matched *IdentityTokenRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeIdentityTokenRecord(data)
			if err != nil {
				return err
			}

			if !s.now().Before(time.Unix(0, record.ExpiresAt)) {
				return ErrTokenExpired
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, errMalformedIdentityToken):
				return nil, ErrTokenNotFound
			case errors.Is(err, ErrTokenExpired):
				return nil, ErrTokenExpired
			default:
				return nil, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
			}
		}

		return matched, nil
	}

	// Every retry lost a race, so someone else consumed it.
	return nil, ErrTokenNotFound
}

var errMalformedIdentityToken = errors.New("malformed identity token record")

func encodeIdentityTokenRecord(record *IdentityTokenRecord) ([]byte, error) {
	if len(record.Username) > 65535 || len(record.Action) > 255 {
		return nil, errors.New("identity token record field too long")
	}
	if len(record.Payload) > maxPayloadBytes {
		return nil, errors.New("identity token payload too large")
	}

	var buf bytes.Buffer
	buf.WriteByte(identityTokenVersionV1)

	buf.WriteByte(byte(len(record.Action)))
	buf.WriteString(record.Action)

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Username))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Username)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(record.Payload))); err != nil {
		return nil, err
	}
	buf.Write(record.Payload)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeIdentityTokenRecord(data []byte) (*IdentityTokenRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil || version != identityTokenVersionV1 {
		return nil, errMalformedIdentityToken
	}

	actionLen, err := reader.ReadByte()
	if err != nil {
		return nil, errMalformedIdentityToken
	}
	action := make([]byte, actionLen)
	if _, err := io.ReadFull(reader, action); err != nil {
		return nil, errMalformedIdentityToken
	}

	var usernameLen uint16
	if err := binary.Read(reader, binary.BigEndian, &usernameLen); err != nil {
		return nil, errMalformedIdentityToken
	}
	username := make([]byte, usernameLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return nil, errMalformedIdentityToken
	}

	var payloadLen uint32
	if err := binary.Read(reader, binary.BigEndian, &payloadLen); err != nil {
		return nil, errMalformedIdentityToken
	}
	if payloadLen > maxPayloadBytes {
		return nil, errMalformedIdentityToken
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, errMalformedIdentityToken
	}

	record := &IdentityTokenRecord{
		Username: string(username),
		Action:   string(action),
		Payload:  payload,
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, errMalformedIdentityToken
	}
	if reader.Len() != 0 {
		return nil, errMalformedIdentityToken
	}

	return record, nil
}
