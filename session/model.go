package session

import (
	"time"

	"github.com/google/uuid"
)

// Level is the authentication strength a session currently holds.
type Level uint8

const (
	NotAuthenticated Level = iota
	OneFactor
	TwoFactor
)

func (l Level) String() string {
	switch l {
	case NotAuthenticated:
		return "not_authenticated"
	case OneFactor:
		return "one_factor"
	case TwoFactor:
		return "two_factor"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l <= TwoFactor
}

// ChallengeKind identifies the ceremony a pending challenge belongs to.
type ChallengeKind uint8

const (
	ChallengeWebAuthnAssertion ChallengeKind = iota + 1
	ChallengeWebAuthnAttestation
)

// Challenge is server-side state for an in-flight ceremony. State is opaque to
// this package.
type Challenge struct {
	Kind      ChallengeKind
	State     []byte
	ExpiresAt int64
}

// Expired reports whether the challenge can no longer be answered at now.
func (c *Challenge) Expired(now time.Time) bool {
	return c == nil || !now.Before(time.Unix(c.ExpiresAt, 0))
}

// Capability is a one-shot permission granted by a completed identity
// validation.
type Capability uint8

const (
	CapabilityNone Capability = iota
	CapabilityResetPassword
	CapabilityRegisterTOTP
	CapabilityRegisterWebAuthn
)

func (c Capability) String() string {
	switch c {
	case CapabilityNone:
		return "none"
	case CapabilityResetPassword:
		return "reset_password"
	case CapabilityRegisterTOTP:
		return "register_totp"
	case CapabilityRegisterWebAuthn:
		return "register_webauthn"
	default:
		return "unknown"
	}
}

// Session is the persisted authentication state of one caller.
//
// Times are unix seconds. ExpiresAt is the absolute end of the session
// regardless of activity.
type Session struct {
	ID          string
	Username    string
	DisplayName string
	Level       Level
	Emails      []string
	Groups      []string

	Pending *Challenge

	Capability     Capability
	CapabilityUser string

	RedirectionTarget string

	CreatedAt int64
	UpdatedAt int64
	ExpiresAt int64
}

// NewID returns a fresh random session identifier.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ValidID reports whether id has the shape produced by [NewID].
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// New creates an unauthenticated session that lives at most lifetime.
func New(now time.Time, lifetime time.Duration) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        id,
		Level:     NotAuthenticated,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		ExpiresAt: now.Add(lifetime).Unix(),
	}, nil
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Emails = cloneStrings(s.Emails)
	out.Groups = cloneStrings(s.Groups)
	if s.Pending != nil {
		p := *s.Pending
		p.State = append([]byte(nil), s.Pending.State...)
		out.Pending = &p
	}
	return &out
}

// HasCapability reports whether the session holds c for username.
func (s *Session) HasCapability(c Capability, username string) bool {
	return c != CapabilityNone && s.Capability == c && s.CapabilityUser == username
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
