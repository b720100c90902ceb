package flows

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tracelog"
	"github.com/MrEthical07/authgate/webauthn"
)

var (
	errTOTPMismatch      = errors.New("totp code mismatch")
	errCloneWarning      = errors.New("webauthn authenticator may be cloned")
	errChallengeMismatch = errors.New("no matching webauthn challenge")
)

// SecondFactorMetrics carries metric IDs needed by second-factor flows.
type SecondFactorMetrics struct {
	TOTPSuccess     int
	TOTPFailure     int
	WebAuthnSuccess int
	WebAuthnFailure int
	Regulated       int
}

// SecondFactorEvents carries audit event names used by second-factor flows.
type SecondFactorEvents struct {
	TOTPSuccess       string
	TOTPFailure       string
	WebAuthnChallenge string
	WebAuthnSuccess   string
	WebAuthnFailure   string
	Regulated         string
}

// SecondFactorErrors carries host-level sentinel errors used by second-factor flows.
type SecondFactorErrors struct {
	EngineNotReady       error
	AuthenticationFailed error
	RegulationLockout    error
	BackendUnavailable   error
	NotAllowed           error
	NotConfigured        error
}

// SecondFactorDeps captures TOTP and WebAuthn verification dependencies.
type SecondFactorDeps struct {
	Now func() time.Time

	Attempt       func(ctx context.Context, username string, factor tracelog.FactorType, verify func(context.Context) error) error
	IsRegulated   func(error) bool
	IsUnavailable func(error) bool

	LoadTOTP     func(ctx context.Context, username string) (*secondfactor.TOTPConfig, error)
	ValidateTOTP func(code string, cfg *secondfactor.TOTPConfig, at time.Time) (bool, error)

	LoadWebAuthnDevices func(ctx context.Context, username string) ([]secondfactor.WebAuthnDevice, error)
	BeginAssertion      func(webauthn.User) (*webauthn.Ceremony, error)
	FinishAssertion     func(u webauthn.User, state, response []byte) (*webauthn.Credential, error)
	UpdateSignCount     func(ctx context.Context, username string, cred *webauthn.Credential, at time.Time) error

	SaveSession func(context.Context, *session.Session) error

	MetricInc func(int)
	EmitAudit AuditFunc
	Logger    *zap.Logger

	Metrics SecondFactorMetrics
	Events  SecondFactorEvents
	Errors  SecondFactorErrors
}

func normalizeSecondFactorDeps(deps *SecondFactorDeps) {
	deps.Now = defaultNow(deps.Now)
	deps.Logger = defaultLogger(deps.Logger)
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
	if deps.IsRegulated == nil {
		deps.IsRegulated = never
	}
	if deps.IsUnavailable == nil {
		deps.IsUnavailable = never
	}
	if deps.Attempt == nil {
		deps.Attempt = func(ctx context.Context, _ string, _ tracelog.FactorType, verify func(context.Context) error) error {
			return verify(ctx)
		}
	}
}

// RunSubmitTOTP verifies a TOTP code for a OneFactor session and moves it to
// TwoFactor. Any other level is rejected before the code is looked at.
func RunSubmitTOTP(ctx context.Context, sess *session.Session, code string, deps SecondFactorDeps) (*session.Session, error) {
	normalizeSecondFactorDeps(&deps)
	if deps.LoadTOTP == nil || deps.ValidateTOTP == nil || deps.SaveSession == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if sess == nil || sess.Level != session.OneFactor {
		return nil, deps.Errors.NotAllowed
	}

	username := sess.Username
	err := deps.Attempt(ctx, username, tracelog.FactorTOTP, func(ctx context.Context) error {
		cfg, err := deps.LoadTOTP(ctx, username)
		if err != nil {
			return err
		}
		ok, err := deps.ValidateTOTP(code, cfg, deps.Now())
		if err != nil {
			return err
		}
		if !ok {
			return errTOTPMismatch
		}
		return nil
	})
	if err != nil {
		return nil, secondFactorFailure(ctx, err, sess, tracelog.FactorTOTP, &deps)
	}

	next, outcome := session.Apply(*sess, session.Event{Kind: session.EventSecondFactorSucceeded, At: deps.Now()})
	if outcome != session.Applied {
		return nil, deps.Errors.NotAllowed
	}
	if err := deps.SaveSession(ctx, &next); err != nil {
		deps.Logger.Error("unable to save session after totp", zap.String("username", username), zap.Error(err))
		return nil, deps.Errors.BackendUnavailable
	}

	deps.MetricInc(deps.Metrics.TOTPSuccess)
	deps.EmitAudit(ctx, deps.Events.TOTPSuccess, true, username, next.ID, nil, nil)
	return &next, nil
}

// RunStartWebAuthnSignRequest issues an assertion challenge for a OneFactor
// session. The ceremony state is kept in the session; the returned options
// go to the client.
func RunStartWebAuthnSignRequest(ctx context.Context, sess *session.Session, deps SecondFactorDeps) (*session.Session, []byte, error) {
	normalizeSecondFactorDeps(&deps)
	if deps.LoadWebAuthnDevices == nil || deps.BeginAssertion == nil || deps.SaveSession == nil {
		return nil, nil, deps.Errors.EngineNotReady
	}
	if sess == nil || sess.Level != session.OneFactor {
		return nil, nil, deps.Errors.NotAllowed
	}

	devices, err := deps.LoadWebAuthnDevices(ctx, sess.Username)
	if err != nil {
		if errors.Is(err, secondfactor.ErrNotFound) {
			return nil, nil, deps.Errors.NotConfigured
		}
		if isContextError(err) {
			return nil, nil, err
		}
		deps.Logger.Error("unable to load webauthn devices", zap.String("username", sess.Username), zap.Error(err))
		return nil, nil, deps.Errors.BackendUnavailable
	}

	ceremony, err := deps.BeginAssertion(webauthnUser(sess, devices))
	if err != nil {
		if errors.Is(err, webauthn.ErrNoDevices) {
			return nil, nil, deps.Errors.NotConfigured
		}
		deps.Logger.Error("unable to start webauthn assertion", zap.String("username", sess.Username), zap.Error(err))
		return nil, nil, deps.Errors.BackendUnavailable
	}

	next, outcome := session.Apply(*sess, session.Event{
		Kind: session.EventChallengeIssued,
		At:   deps.Now(),
		Challenge: &session.Challenge{
			Kind:      session.ChallengeWebAuthnAssertion,
			State:     ceremony.State,
			ExpiresAt: ceremony.ExpiresAt.Unix(),
		},
	})
	if outcome != session.Applied {
		return nil, nil, deps.Errors.NotAllowed
	}
	if err := deps.SaveSession(ctx, &next); err != nil {
		return nil, nil, deps.Errors.BackendUnavailable
	}

	deps.EmitAudit(ctx, deps.Events.WebAuthnChallenge, true, sess.Username, next.ID, nil, nil)
	return &next, ceremony.Options, nil
}

// RunSubmitWebAuthn verifies a signed assertion against the pending challenge
// and the user's stored public keys. The challenge is single use: it is
// cleared whatever the verdict.
func RunSubmitWebAuthn(ctx context.Context, sess *session.Session, response []byte, deps SecondFactorDeps) (*session.Session, error) {
	normalizeSecondFactorDeps(&deps)
	if deps.LoadWebAuthnDevices == nil || deps.FinishAssertion == nil || deps.SaveSession == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if sess == nil || sess.Level != session.OneFactor {
		return nil, deps.Errors.NotAllowed
	}

	pending := sess.Pending
	if pending == nil || pending.Kind != session.ChallengeWebAuthnAssertion {
		deps.Logger.Debug("webauthn assertion without a pending challenge", zap.String("username", sess.Username))
		return nil, deps.Errors.NotAllowed
	}

	cleared, _ := session.Apply(*sess, session.Event{Kind: session.EventChallengeCleared, At: deps.Now()})
	if pending.Expired(deps.Now()) {
		if err := deps.SaveSession(ctx, &cleared); err != nil {
			return nil, deps.Errors.BackendUnavailable
		}
		deps.EmitAudit(ctx, deps.Events.WebAuthnFailure, false, sess.Username, sess.ID, deps.Errors.AuthenticationFailed, func() map[string]string {
			return map[string]string{"reason": "challenge_expired"}
		})
		return nil, deps.Errors.AuthenticationFailed
	}

	username := sess.Username
	err := deps.Attempt(ctx, username, tracelog.FactorWebAuthn, func(ctx context.Context) error {
		devices, err := deps.LoadWebAuthnDevices(ctx, username)
		if err != nil {
			if errors.Is(err, secondfactor.ErrNotFound) {
				return errChallengeMismatch
			}
			return err
		}
		cred, err := deps.FinishAssertion(webauthnUser(sess, devices), pending.State, response)
		if err != nil {
			return err
		}
		if deps.UpdateSignCount != nil {
			if err := deps.UpdateSignCount(ctx, username, cred, deps.Now()); err != nil {
				return err
			}
		}
		if cred.CloneWarning {
			deps.Logger.Warn("webauthn sign count regressed", zap.String("username", username))
			return errCloneWarning
		}
		return nil
	})
	if err != nil {
		if !isContextError(err) && !deps.IsUnavailable(err) {
			if saveErr := deps.SaveSession(ctx, &cleared); saveErr != nil {
				deps.Logger.Warn("unable to clear webauthn challenge", zap.Error(saveErr))
			}
		}
		return nil, secondFactorFailure(ctx, err, sess, tracelog.FactorWebAuthn, &deps)
	}

	next, outcome := session.Apply(*sess, session.Event{Kind: session.EventSecondFactorSucceeded, At: deps.Now()})
	if outcome != session.Applied {
		return nil, deps.Errors.NotAllowed
	}
	if err := deps.SaveSession(ctx, &next); err != nil {
		deps.Logger.Error("unable to save session after webauthn", zap.String("username", username), zap.Error(err))
		return nil, deps.Errors.BackendUnavailable
	}

	deps.MetricInc(deps.Metrics.WebAuthnSuccess)
	deps.EmitAudit(ctx, deps.Events.WebAuthnSuccess, true, username, next.ID, nil, nil)
	return &next, nil
}

func secondFactorFailure(ctx context.Context, err error, sess *session.Session, factor tracelog.FactorType, deps *SecondFactorDeps) error {
	failureEvent, failureMetric := deps.Events.TOTPFailure, deps.Metrics.TOTPFailure
	if factor == tracelog.FactorWebAuthn {
		failureEvent, failureMetric = deps.Events.WebAuthnFailure, deps.Metrics.WebAuthnFailure
	}

	switch {
	case isContextError(err):
		return err
	case deps.IsRegulated(err):
		deps.MetricInc(deps.Metrics.Regulated)
		deps.EmitAudit(ctx, deps.Events.Regulated, false, sess.Username, sess.ID, deps.Errors.RegulationLockout, func() map[string]string {
			return map[string]string{"factor": string(factor)}
		})
		return deps.Errors.RegulationLockout
	case deps.IsUnavailable(err):
		deps.Logger.Error("second factor backend unavailable",
			zap.String("username", sess.Username), zap.String("factor", string(factor)), zap.Error(err))
		return deps.Errors.BackendUnavailable
	default:
		deps.Logger.Debug("second factor rejected",
			zap.String("username", sess.Username), zap.String("factor", string(factor)), zap.Error(err))
		deps.MetricInc(failureMetric)
		deps.EmitAudit(ctx, failureEvent, false, sess.Username, sess.ID, deps.Errors.AuthenticationFailed, nil)
		return deps.Errors.AuthenticationFailed
	}
}

func webauthnUser(sess *session.Session, devices []secondfactor.WebAuthnDevice) webauthn.User {
	return webauthn.User{Username: sess.Username, DisplayName: sess.DisplayName, Devices: devices}
}
