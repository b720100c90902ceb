package authgate

import (
	"context"
	"time"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/webauthn"
)

// Level is the authentication strength of a session.
type Level = session.Level

const (
	NotAuthenticated = session.NotAuthenticated
	OneFactor        = session.OneFactor
	TwoFactor        = session.TwoFactor
)

// Notifier delivers identity validation links. Delivery runs in the
// background; a returned error is logged and counted, never retried.
type Notifier interface {
	Notify(ctx context.Context, to, subject, link string) error
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, to, subject, link string) error

func (f NotifierFunc) Notify(ctx context.Context, to, subject, link string) error {
	return f(ctx, to, subject, link)
}

// WebAuthnVerifier runs WebAuthn ceremonies. [webauthn.Verifier] implements
// it.
type WebAuthnVerifier interface {
	RPID() string
	BeginAttestation(u webauthn.User) (*webauthn.Ceremony, error)
	FinishAttestation(u webauthn.User, state, response []byte) (*webauthn.Credential, error)
	BeginAssertion(u webauthn.User) (*webauthn.Ceremony, error)
	FinishAssertion(u webauthn.User, state, response []byte) (*webauthn.Credential, error)
}

// DeviceKind selects which second factor a registration is for.
type DeviceKind string

const (
	DeviceTOTP     DeviceKind = "totp"
	DeviceWebAuthn DeviceKind = "webauthn"
)

func (k DeviceKind) Valid() bool {
	return k == DeviceTOTP || k == DeviceWebAuthn
}

// SessionInfo is the caller-visible view of a session.
type SessionInfo struct {
	SessionID         string
	Username          string
	DisplayName       string
	Level             Level
	Emails            []string
	Groups            []string
	RedirectionTarget string
	// PendingChallenge is set while a WebAuthn ceremony awaits its response.
	PendingChallenge bool
	// Capability names a granted one-shot permission, if any.
	Capability string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// DeviceRegistration is what a finished registration identity validation
// hands back to the client. For TOTP the secret is already stored; for
// WebAuthn the client must answer AttestationOptions with
// [Engine.CompleteWebAuthnRegistration].
type DeviceRegistration struct {
	Kind               DeviceKind
	ProvisioningURI    string
	Secret             string
	AttestationOptions []byte
}

// HealthStatus reports backend reachability.
type HealthStatus struct {
	RedisAvailable bool
	RedisLatency   time.Duration
}

func sessionInfo(s *session.Session) SessionInfo {
	if s == nil {
		return SessionInfo{}
	}
	info := SessionInfo{
		SessionID:         s.ID,
		Username:          s.Username,
		DisplayName:       s.DisplayName,
		Level:             s.Level,
		Emails:            append([]string(nil), s.Emails...),
		Groups:            append([]string(nil), s.Groups...),
		RedirectionTarget: s.RedirectionTarget,
		PendingChallenge:  s.Pending != nil,
		CreatedAt:         time.Unix(s.CreatedAt, 0),
		ExpiresAt:         time.Unix(s.ExpiresAt, 0),
	}
	if s.Capability != session.CapabilityNone {
		info.Capability = s.Capability.String()
	}
	return info
}
