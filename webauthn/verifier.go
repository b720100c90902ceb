// Package webauthn runs WebAuthn registration and authentication ceremonies
// for devices kept in the second-factor store.
package webauthn

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	gowebauthn "github.com/go-webauthn/webauthn/webauthn"

	"github.com/MrEthical07/authgate/secondfactor"
)

var (
	// ErrInvalidResponse is returned when a client response fails to parse
	// or verify.
	ErrInvalidResponse = errors.New("webauthn response invalid")
	// ErrInvalidState is returned for unreadable ceremony state.
	ErrInvalidState = errors.New("webauthn ceremony state invalid")
	// ErrNoDevices is returned by BeginAssertion for users without devices.
	ErrNoDevices = errors.New("webauthn user has no devices")
)

// Config configures the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// Timeout bounds each ceremony and is enforced server side.
	Timeout time.Duration
	// UserVerification is "required", "preferred" or "discouraged".
	UserVerification string
}

// DefaultConfig returns a configuration with a one minute ceremony timeout.
func DefaultConfig() Config {
	return Config{
		RPDisplayName:    "authgate",
		Timeout:          time.Minute,
		UserVerification: string(protocol.VerificationPreferred),
	}
}

// User is the identity a ceremony runs for.
type User struct {
	Username    string
	DisplayName string
	Devices     []secondfactor.WebAuthnDevice
}

// Ceremony is a started ceremony. Options go to the client; State stays on
// the server until the response arrives.
type Ceremony struct {
	Options   []byte
	State     []byte
	ExpiresAt time.Time
}

// Credential is the verified outcome of a ceremony.
type Credential struct {
	ID              []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	CloneWarning    bool
	Flags           byte
}

// Device converts c into a storable device record.
func (c *Credential) Device(username, rpID, description string, now time.Time) secondfactor.WebAuthnDevice {
	return secondfactor.WebAuthnDevice{
		Username:        username,
		RPID:            rpID,
		CredentialID:    c.ID,
		Description:     description,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transports:      c.Transports,
		AAGUID:          c.AAGUID,
		SignCount:       c.SignCount,
		CloneWarning:    c.CloneWarning,
		Flags:           c.Flags,
		CreatedAt:       now,
	}
}

// Verifier wraps a configured relying party.
type Verifier struct {
	wa  *gowebauthn.WebAuthn
	cfg Config
}

// New validates cfg and builds a Verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.RPID == "" {
		return nil, errors.New("webauthn rp id must be set")
	}
	if len(cfg.RPOrigins) == 0 {
		return nil, errors.New("webauthn rp origins must be set")
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = cfg.RPID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	uv := protocol.UserVerificationRequirement(cfg.UserVerification)
	switch uv {
	case "":
		uv = protocol.VerificationPreferred
	case protocol.VerificationRequired, protocol.VerificationPreferred, protocol.VerificationDiscouraged:
	default:
		return nil, fmt.Errorf("webauthn user verification %q is invalid", cfg.UserVerification)
	}
	cfg.UserVerification = string(uv)

	timeout := gowebauthn.TimeoutConfig{Enforce: true, Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout}
	wa, err := gowebauthn.New(&gowebauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: uv,
		},
		Timeouts: gowebauthn.TimeoutsConfig{Login: timeout, Registration: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Verifier{wa: wa, cfg: cfg}, nil
}

// RPID returns the relying party identifier devices are bound to.
func (v *Verifier) RPID() string {
	return v.cfg.RPID
}

// BeginAttestation starts registering a new device for u. Devices u already
// owns are excluded.
func (v *Verifier) BeginAttestation(u User) (*Ceremony, error) {
	wu := newWebAuthnUser(u)
	exclusions := make([]protocol.CredentialDescriptor, 0, len(wu.credentials))
	for _, c := range wu.credentials {
		exclusions = append(exclusions, c.Descriptor())
	}

	creation, state, err := v.wa.BeginRegistration(wu,
		gowebauthn.WithExclusions(exclusions),
		gowebauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementDiscouraged),
	)
	if err != nil {
		return nil, err
	}
	return newCeremony(creation, state)
}

// FinishAttestation verifies the client's registration response.
func (v *Verifier) FinishAttestation(u User, state, response []byte) (*Credential, error) {
	sd, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	cred, err := v.wa.CreateCredential(newWebAuthnUser(u), *sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return fromLibrary(cred), nil
}

// BeginAssertion starts authenticating u with one of the stored devices.
func (v *Verifier) BeginAssertion(u User) (*Ceremony, error) {
	if len(u.Devices) == 0 {
		return nil, ErrNoDevices
	}
	assertion, state, err := v.wa.BeginLogin(newWebAuthnUser(u))
	if err != nil {
		return nil, err
	}
	return newCeremony(assertion, state)
}

// FinishAssertion verifies the signed assertion against the stored public key
// and the challenge in state. The returned credential carries the updated
// sign count.
func (v *Verifier) FinishAssertion(u User, state, response []byte) (*Credential, error) {
	sd, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	cred, err := v.wa.ValidateLogin(newWebAuthnUser(u), *sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return fromLibrary(cred), nil
}

func newCeremony(options any, state *gowebauthn.SessionData) (*Ceremony, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &Ceremony{Options: opts, State: raw, ExpiresAt: state.Expires}, nil
}

func decodeState(state []byte) (*gowebauthn.SessionData, error) {
	if len(state) == 0 {
		return nil, ErrInvalidState
	}
	var sd gowebauthn.SessionData
	if err := json.Unmarshal(state, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if sd.Challenge == "" {
		return nil, ErrInvalidState
	}
	return &sd, nil
}

func fromLibrary(c *gowebauthn.Credential) *Credential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return &Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transports:      transports,
		AAGUID:          c.Authenticator.AAGUID,
		SignCount:       c.Authenticator.SignCount,
		CloneWarning:    c.Authenticator.CloneWarning,
		Flags:           byte(c.Flags.ProtocolValue()),
	}
}

type webAuthnUser struct {
	id          []byte
	name        string
	displayName string
	credentials []gowebauthn.Credential
}

var _ gowebauthn.User = (*webAuthnUser)(nil)

func newWebAuthnUser(u User) *webAuthnUser {
	id := sha256.Sum256([]byte(u.Username))
	display := u.DisplayName
	if display == "" {
		display = u.Username
	}
	creds := make([]gowebauthn.Credential, 0, len(u.Devices))
	for _, d := range u.Devices {
		transports := make([]protocol.AuthenticatorTransport, 0, len(d.Transports))
		for _, t := range d.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		creds = append(creds, gowebauthn.Credential{
			ID:              d.CredentialID,
			PublicKey:       d.PublicKey,
			AttestationType: d.AttestationType,
			Transport:       transports,
			Flags:           gowebauthn.NewCredentialFlags(protocol.AuthenticatorFlags(d.Flags)),
			Authenticator: gowebauthn.Authenticator{
				AAGUID:       d.AAGUID,
				SignCount:    d.SignCount,
				CloneWarning: d.CloneWarning,
			},
		})
	}
	return &webAuthnUser{id: id[:], name: u.Username, displayName: display, credentials: creds}
}

func (u *webAuthnUser) WebAuthnID() []byte { return u.id }
func (u *webAuthnUser) WebAuthnName() string { return u.name }
func (u *webAuthnUser) WebAuthnDisplayName() string { return u.displayName }
func (u *webAuthnUser) WebAuthnCredentials() []gowebauthn.Credential { return u.credentials }
