// Package secondfactor persists second-factor material: one TOTP
// configuration per user, any number of WebAuthn devices per user and
// relying party, and each user's preferred method.
package secondfactor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the lookup.
	ErrNotFound = errors.New("second factor not found")
	// ErrUnavailable wraps storage failures.
	ErrUnavailable = errors.New("second factor store unavailable")
)

// Method names a second-factor kind a user may prefer.
type Method string

const (
	MethodTOTP     Method = "totp"
	MethodWebAuthn Method = "webauthn"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodTOTP || m == MethodWebAuthn
}

// TOTPConfig is a user's shared TOTP secret and parameters.
type TOTPConfig struct {
	Username  string
	Secret    string
	Algorithm string
	Digits    int
	Period    int
	CreatedAt time.Time
}

// WebAuthnDevice is a registered authenticator. (Username, RPID,
// CredentialID) identifies it.
type WebAuthnDevice struct {
	Username        string
	RPID            string
	CredentialID    []byte
	Description     string
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	CloneWarning    bool
	// Flags is the raw authenticator data flags byte of the registration.
	Flags      byte
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Store is the SecondFactorStore.
type Store interface {
	SaveTOTP(ctx context.Context, cfg TOTPConfig) error
	LoadTOTP(ctx context.Context, username string) (*TOTPConfig, error)
	DeleteTOTP(ctx context.Context, username string) error

	SaveWebAuthnDevice(ctx context.Context, dev WebAuthnDevice) error
	LoadWebAuthnDevices(ctx context.Context, username, rpID string) ([]WebAuthnDevice, error)
	UpdateWebAuthnSignCount(ctx context.Context, username, rpID string, credentialID []byte, signCount uint32, cloneWarning bool, usedAt time.Time) error
	DeleteWebAuthnDevice(ctx context.Context, username, rpID string, credentialID []byte) error

	SavePreferredMethod(ctx context.Context, username string, m Method) error
	LoadPreferredMethod(ctx context.Context, username string) (Method, error)

	Close() error
}
