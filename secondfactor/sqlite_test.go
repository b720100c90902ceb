package secondfactor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/internal/sqlitedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "authgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTOTPIsSingletonPerUser(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.LoadTOTP(ctx, "john")
	require.ErrorIs(t, err, ErrNotFound)

	first := TOTPConfig{Username: "john", Secret: "AAAA", Algorithm: "SHA1", Digits: 6, Period: 30, CreatedAt: time.Unix(100, 0)}
	require.NoError(t, s.SaveTOTP(ctx, first))

	second := first
	second.Secret = "BBBB"
	second.Digits = 8
	require.NoError(t, s.SaveTOTP(ctx, second))

	got, err := s.LoadTOTP(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, "BBBB", got.Secret)
	assert.Equal(t, 8, got.Digits)
	assert.Equal(t, int64(100), got.CreatedAt.Unix())

	require.NoError(t, s.DeleteTOTP(ctx, "john"))
	_, err = s.LoadTOTP(ctx, "john")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, s.SaveTOTP(ctx, TOTPConfig{Username: "john"}))
}

func TestWebAuthnDevices(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.LoadWebAuthnDevices(ctx, "john", "example.com")
	require.ErrorIs(t, err, ErrNotFound)

	a := WebAuthnDevice{
		Username: "john", RPID: "example.com", CredentialID: []byte{1, 2, 3},
		Description: "yubikey", PublicKey: []byte("pk-a"), AttestationType: "none",
		Transports: []string{"usb", "nfc"}, AAGUID: make([]byte, 16), SignCount: 5,
		Flags: 0x45, CreatedAt: time.Unix(100, 0),
	}
	b := WebAuthnDevice{
		Username: "john", RPID: "example.com", CredentialID: []byte{9},
		PublicKey: []byte("pk-b"), CreatedAt: time.Unix(200, 0),
	}
	other := WebAuthnDevice{
		Username: "john", RPID: "other.example", CredentialID: []byte{1, 2, 3},
		PublicKey: []byte("pk-c"), CreatedAt: time.Unix(50, 0),
	}
	for _, d := range []WebAuthnDevice{a, b, other} {
		require.NoError(t, s.SaveWebAuthnDevice(ctx, d))
	}

	devs, err := s.LoadWebAuthnDevices(ctx, "john", "example.com")
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, []byte{1, 2, 3}, devs[0].CredentialID)
	assert.Equal(t, []string{"usb", "nfc"}, devs[0].Transports)
	assert.Equal(t, byte(0x45), devs[0].Flags)
	assert.Equal(t, uint32(5), devs[0].SignCount)
	assert.True(t, devs[0].LastUsedAt.IsZero())
	assert.Nil(t, devs[1].Transports)

	used := time.Unix(300, 0)
	require.NoError(t, s.UpdateWebAuthnSignCount(ctx, "john", "example.com", []byte{1, 2, 3}, 6, true, used))
	devs, err = s.LoadWebAuthnDevices(ctx, "john", "example.com")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), devs[0].SignCount)
	assert.True(t, devs[0].CloneWarning)
	assert.Equal(t, used.Unix(), devs[0].LastUsedAt.Unix())

	err = s.UpdateWebAuthnSignCount(ctx, "john", "example.com", []byte{7}, 1, false, used)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteWebAuthnDevice(ctx, "john", "example.com", []byte{9}))
	require.ErrorIs(t, s.DeleteWebAuthnDevice(ctx, "john", "example.com", []byte{9}), ErrNotFound)

	devs, err = s.LoadWebAuthnDevices(ctx, "john", "other.example")
	require.NoError(t, err)
	require.Len(t, devs, 1)
}

func TestPreferredMethod(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.LoadPreferredMethod(ctx, "john")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SavePreferredMethod(ctx, "john", MethodWebAuthn))
	require.NoError(t, s.SavePreferredMethod(ctx, "john", MethodTOTP))
	m, err := s.LoadPreferredMethod(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, MethodTOTP, m)

	require.Error(t, s.SavePreferredMethod(ctx, "john", Method("sms")))
}

func TestSharedDatabaseAndClose(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)

	s, err := NewSQLite(ctx, db)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, db.PingContext(ctx), "Close must leave a shared database open")

	require.NoError(t, db.Close())
	_, err = s.LoadTOTP(ctx, "john")
	require.ErrorIs(t, err, ErrUnavailable)
}
