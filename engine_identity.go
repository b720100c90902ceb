package authgate

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/credentials"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/webauthn"
)

const (
	challengeResetPassword    = "reset-password"
	challengeRegisterTOTP     = "register-totp"
	challengeRegisterWebAuthn = "register-webauthn"
)

/*
====================================
STRATEGIES
====================================
*/

// resetPasswordStrategy validates the identity named in the request. The
// session it finishes in receives the reset capability for that identity.
type resetPasswordStrategy struct {
	e *Engine
}

func (resetPasswordStrategy) ChallengeID() string { return challengeResetPassword }
func (resetPasswordStrategy) MailSubject() string { return "Password reset request" }

func (s resetPasswordStrategy) PreValidationInit(ctx context.Context, req flows.IdentityRequest) (flows.IdentityChallenge, error) {
	if req.Username == "" {
		return flows.IdentityChallenge{}, credentials.ErrNotFound
	}
	emails, err := s.e.credentials.GetEmails(ctx, req.Username)
	if err != nil {
		return flows.IdentityChallenge{}, err
	}
	if len(emails) == 0 {
		return flows.IdentityChallenge{}, credentials.ErrNoEmail
	}
	return flows.IdentityChallenge{Username: req.Username, Email: emails[0]}, nil
}

func (s resetPasswordStrategy) PostValidationInit(ctx context.Context, req flows.IdentityRequest, username string, _ []byte) error {
	return s.e.grantCapability(ctx, req.Session, session.CapabilityResetPassword, username)
}

// registerStrategy validates the fully authenticated session user before a
// new second factor may be registered.
type registerStrategy struct {
	e          *Engine
	kind       DeviceKind
	capability session.Capability
}

func (s registerStrategy) ChallengeID() string {
	if s.kind == DeviceWebAuthn {
		return challengeRegisterWebAuthn
	}
	return challengeRegisterTOTP
}

func (s registerStrategy) MailSubject() string {
	if s.kind == DeviceWebAuthn {
		return "Register your security key"
	}
	return "Register your one-time password device"
}

func (s registerStrategy) PreValidationInit(ctx context.Context, req flows.IdentityRequest) (flows.IdentityChallenge, error) {
	sess := req.Session
	if sess == nil || sess.Level != session.TwoFactor {
		return flows.IdentityChallenge{}, fmt.Errorf("%w: registration requires two factors", ErrNotAllowed)
	}

	emails := sess.Emails
	if len(emails) == 0 {
		var err error
		emails, err = s.e.credentials.GetEmails(ctx, sess.Username)
		if err != nil {
			return flows.IdentityChallenge{}, err
		}
	}
	if len(emails) == 0 {
		return flows.IdentityChallenge{}, credentials.ErrNoEmail
	}
	return flows.IdentityChallenge{Username: sess.Username, Email: emails[0]}, nil
}

func (s registerStrategy) PostValidationInit(ctx context.Context, req flows.IdentityRequest, username string, _ []byte) error {
	return s.e.grantCapability(ctx, req.Session, s.capability, username)
}

func (e *Engine) registerStrategy(kind DeviceKind) registerStrategy {
	c := session.CapabilityRegisterTOTP
	if kind == DeviceWebAuthn {
		c = session.CapabilityRegisterWebAuthn
	}
	return registerStrategy{e: e, kind: kind, capability: c}
}

// grantCapability applies the validated identity to sess, persists it and
// updates sess in place.
func (e *Engine) grantCapability(ctx context.Context, sess *session.Session, c session.Capability, username string) error {
	if sess == nil {
		return ErrNotAllowed
	}
	next, outcome := session.Apply(*sess, session.Event{
		Kind:       session.EventIdentityValidated,
		At:         e.now(),
		Username:   username,
		Capability: c,
	})
	if outcome != session.Applied {
		return fmt.Errorf("%w: %s from %s", ErrNotAllowed, c, sess.Level)
	}
	if err := e.saveSession(ctx, &next); err != nil {
		return err
	}
	*sess = next
	return nil
}

// consumeCapability spends capability c of sess in the stored record.
func (e *Engine) consumeCapability(ctx context.Context, sess *session.Session, c session.Capability) error {
	return e.spendCapability(ctx, sess.ID, c, sess.CapabilityUser)
}

/*
====================================
PASSWORD RESET
====================================
*/

// StartPasswordReset mails a reset link to username. The result is the same
// whether or not the user exists.
func (e *Engine) StartPasswordReset(ctx context.Context, sessionID, username string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return e.flows.StartIdentityValidation(ctx, resetPasswordStrategy{e: e}, flows.IdentityRequest{
		Session:  sess,
		Username: username,
	})
}

// FinishPasswordReset consumes a reset link and grants the session the
// one-shot right to set the user's password.
func (e *Engine) FinishPasswordReset(ctx context.Context, sessionID, linkToken string) (SessionInfo, error) {
	if !e.ready() {
		return SessionInfo{}, ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	err = e.flows.FinishIdentityValidation(ctx, resetPasswordStrategy{e: e}, flows.IdentityRequest{Session: sess}, linkToken)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(sess), nil
}

// ResetPassword sets a new password using the session's reset capability,
// then drops every session of the user. The capability is spent before the
// backend is touched, so of concurrent calls on one session only one reaches
// UpdatePassword. A backend outage gives it back.
func (e *Engine) ResetPassword(ctx context.Context, sessionID, newPassword string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Capability != session.CapabilityResetPassword || sess.CapabilityUser == "" {
		return ErrNotAllowed
	}
	username := sess.CapabilityUser

	n := utf8.RuneCountInString(newPassword)
	if n < e.config.Password.MinLength || len(newPassword) > e.config.Password.MaxLength {
		e.emitAudit(ctx, auditEventPasswordReset, false, username, sess.ID, ErrPasswordPolicy, nil)
		return ErrPasswordPolicy
	}

	if err := e.spendCapability(ctx, sessionID, session.CapabilityResetPassword, username); err != nil {
		return err
	}

	if err := e.credentials.UpdatePassword(ctx, username, newPassword); err != nil {
		if isContextError(err) || credentials.IsTransient(err) {
			if rerr := e.regrantCapability(ctx, sessionID, session.CapabilityResetPassword, username); rerr != nil {
				e.logger.Warn("unable to restore reset capability", zap.String("username", username), zap.Error(rerr))
			}
		}
		if isContextError(err) {
			return err
		}
		if credentials.IsTransient(err) {
			e.logger.Error("unable to update password", zap.String("username", username), zap.Error(err))
			e.emitAudit(ctx, auditEventPasswordReset, false, username, sess.ID, ErrBackendUnavailable, nil)
			return ErrBackendUnavailable
		}
		e.logger.Info("password update rejected", zap.String("username", username), zap.Error(err))
		e.emitAudit(ctx, auditEventPasswordReset, false, username, sess.ID, ErrNotAllowed, nil)
		return ErrNotAllowed
	}

	if _, err := e.flows.LogoutAll(ctx, username); err != nil {
		e.logger.Warn("unable to drop sessions after password reset", zap.String("username", username), zap.Error(err))
	}

	e.metricInc(MetricPasswordReset)
	e.emitAudit(ctx, auditEventPasswordReset, true, username, sess.ID, nil, nil)
	return nil
}

// spendCapability atomically removes capability c held for username from the
// stored session. ErrNotAllowed means another caller spent it first.
func (e *Engine) spendCapability(ctx context.Context, sessionID string, c session.Capability, username string) error {
	_, err := e.sessionStore.Update(ctx, sessionID, e.config.Session.IdleTimeout, func(cur session.Session) (session.Session, error) {
		next, outcome := session.Apply(cur, session.Event{
			Kind:       session.EventCapabilityConsumed,
			At:         e.now(),
			Username:   username,
			Capability: c,
		})
		if outcome != session.Applied {
			return session.Session{}, ErrNotAllowed
		}
		return next, nil
	})
	if errors.Is(err, session.ErrConflict) {
		return ErrNotAllowed
	}
	return mapSessionError(err)
}

func (e *Engine) regrantCapability(ctx context.Context, sessionID string, c session.Capability, username string) error {
	_, err := e.sessionStore.Update(context.WithoutCancel(ctx), sessionID, e.config.Session.IdleTimeout, func(cur session.Session) (session.Session, error) {
		next, outcome := session.Apply(cur, session.Event{
			Kind:       session.EventIdentityValidated,
			At:         e.now(),
			Username:   username,
			Capability: c,
		})
		if outcome != session.Applied {
			return session.Session{}, ErrNotAllowed
		}
		return next, nil
	})
	return mapSessionError(err)
}

/*
====================================
DEVICE REGISTRATION
====================================
*/

// StartDeviceRegistration mails a registration link to the fully
// authenticated session user.
func (e *Engine) StartDeviceRegistration(ctx context.Context, sessionID string, kind DeviceKind) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !kind.Valid() {
		return ErrInvalidRequest
	}
	if kind == DeviceWebAuthn && e.webauthn == nil {
		return ErrSecondFactorNotConfigured
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return e.flows.StartIdentityValidation(ctx, e.registerStrategy(kind), flows.IdentityRequest{Session: sess})
}

// FinishDeviceRegistration consumes a registration link. For TOTP a new
// secret is generated and stored right away, replacing any previous one. For
// WebAuthn an attestation challenge is issued and must be answered with
// [Engine.CompleteWebAuthnRegistration].
func (e *Engine) FinishDeviceRegistration(ctx context.Context, sessionID string, kind DeviceKind, linkToken string) (*DeviceRegistration, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if !kind.Valid() {
		return nil, ErrInvalidRequest
	}
	if kind == DeviceWebAuthn && e.webauthn == nil {
		return nil, ErrSecondFactorNotConfigured
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Level != session.TwoFactor {
		return nil, ErrNotAllowed
	}

	strategy := e.registerStrategy(kind)
	if err := e.flows.FinishIdentityValidation(ctx, strategy, flows.IdentityRequest{Session: sess}, linkToken); err != nil {
		return nil, err
	}

	if kind == DeviceTOTP {
		return e.registerTOTP(ctx, sess)
	}
	return e.beginWebAuthnRegistration(ctx, sess)
}

func (e *Engine) registerTOTP(ctx context.Context, sess *session.Session) (*DeviceRegistration, error) {
	cfg, uri, err := e.totp.Generate(sess.Username, e.now())
	if err != nil {
		e.logger.Error("unable to generate totp secret", zap.String("username", sess.Username), zap.Error(err))
		return nil, err
	}
	if err := e.consumeCapability(ctx, sess, session.CapabilityRegisterTOTP); err != nil {
		return nil, err
	}
	if err := e.secondFactor.SaveTOTP(ctx, cfg); err != nil {
		return nil, e.backendError("unable to save totp configuration", sess.Username, err)
	}
	e.defaultPreferredMethod(ctx, sess.Username, secondfactor.MethodTOTP)

	e.metricInc(MetricDeviceRegistered)
	e.emitAudit(ctx, auditEventTOTPRegistered, true, sess.Username, sess.ID, nil, nil)
	return &DeviceRegistration{
		Kind:            DeviceTOTP,
		ProvisioningURI: uri,
		Secret:          cfg.Secret,
	}, nil
}

func (e *Engine) beginWebAuthnRegistration(ctx context.Context, sess *session.Session) (*DeviceRegistration, error) {
	devices, err := e.loadDevices(ctx, sess.Username)
	if err != nil {
		return nil, err
	}
	ceremony, err := e.webauthn.BeginAttestation(webauthn.User{
		Username:    sess.Username,
		DisplayName: sess.DisplayName,
		Devices:     devices,
	})
	if err != nil {
		e.logger.Error("unable to start webauthn attestation", zap.String("username", sess.Username), zap.Error(err))
		return nil, ErrBackendUnavailable
	}

	next, outcome := session.Apply(*sess, session.Event{
		Kind: session.EventChallengeIssued,
		At:   e.now(),
		Challenge: &session.Challenge{
			Kind:      session.ChallengeWebAuthnAttestation,
			State:     ceremony.State,
			ExpiresAt: ceremony.ExpiresAt.Unix(),
		},
	})
	if outcome != session.Applied {
		return nil, ErrNotAllowed
	}
	if err := e.saveSession(ctx, &next); err != nil {
		return nil, err
	}
	return &DeviceRegistration{Kind: DeviceWebAuthn, AttestationOptions: ceremony.Options}, nil
}

// CompleteWebAuthnRegistration verifies the attestation answering the
// session's pending registration challenge and stores the new device. The
// registration capability is spent whatever the verdict.
func (e *Engine) CompleteWebAuthnRegistration(ctx context.Context, sessionID string, response []byte, description string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if e.webauthn == nil {
		return ErrSecondFactorNotConfigured
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Level != session.TwoFactor || !sess.HasCapability(session.CapabilityRegisterWebAuthn, sess.Username) {
		return ErrNotAllowed
	}
	pending := sess.Pending
	if pending == nil || pending.Kind != session.ChallengeWebAuthnAttestation {
		return ErrNotAllowed
	}

	if err := e.consumeCapability(ctx, sess, session.CapabilityRegisterWebAuthn); err != nil {
		return err
	}

	fail := func(reason string, cause error) error {
		e.logger.Debug("webauthn registration rejected",
			zap.String("username", sess.Username), zap.String("reason", reason), zap.Error(cause))
		e.emitAudit(ctx, auditEventWebAuthnRegisterFailure, false, sess.Username, sess.ID, ErrAuthenticationFailed, func() map[string]string {
			return map[string]string{"reason": reason}
		})
		return ErrAuthenticationFailed
	}

	if pending.Expired(e.now()) {
		return fail("challenge_expired", nil)
	}

	devices, err := e.loadDevices(ctx, sess.Username)
	if err != nil {
		return err
	}
	user := webauthn.User{Username: sess.Username, DisplayName: sess.DisplayName, Devices: devices}
	cred, err := e.webauthn.FinishAttestation(user, pending.State, response)
	if err != nil {
		return fail("attestation_invalid", err)
	}

	if description == "" {
		description = "security key"
	}
	device := cred.Device(sess.Username, e.webauthn.RPID(), description, e.now())
	if err := e.secondFactor.SaveWebAuthnDevice(ctx, device); err != nil {
		return e.backendError("unable to save webauthn device", sess.Username, err)
	}
	e.defaultPreferredMethod(ctx, sess.Username, secondfactor.MethodWebAuthn)

	e.metricInc(MetricDeviceRegistered)
	e.emitAudit(ctx, auditEventWebAuthnRegistered, true, sess.Username, sess.ID, nil, func() map[string]string {
		return map[string]string{"description": description}
	})
	return nil
}

func (e *Engine) loadDevices(ctx context.Context, username string) ([]secondfactor.WebAuthnDevice, error) {
	devices, err := e.secondFactor.LoadWebAuthnDevices(ctx, username, e.webauthn.RPID())
	if err != nil {
		if errors.Is(err, secondfactor.ErrNotFound) {
			return nil, nil
		}
		return nil, e.backendError("unable to load webauthn devices", username, err)
	}
	return devices, nil
}

// defaultPreferredMethod records m as preferred when the user has no
// preference yet.
func (e *Engine) defaultPreferredMethod(ctx context.Context, username string, m secondfactor.Method) {
	_, err := e.secondFactor.LoadPreferredMethod(ctx, username)
	if !errors.Is(err, secondfactor.ErrNotFound) {
		return
	}
	if err := e.secondFactor.SavePreferredMethod(ctx, username, m); err != nil {
		e.logger.Warn("unable to save default preferred method", zap.String("username", username), zap.Error(err))
	}
}
