package authgate

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authgate/internal"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/internal/limiters"
	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/webauthn"
)

func (e *Engine) metricIncFlow(id int) {
	e.metricInc(MetricID(id))
}

func isRegulated(err error) bool {
	return errors.Is(err, limiters.ErrRegulated)
}

func (e *Engine) firstFactorFlowDeps() flows.FirstFactorDeps {
	deps := flows.FirstFactorDeps{
		Now:             e.clock,
		Attempt:         e.regulator.Attempt,
		IsRegulated:     isRegulated,
		IsUnavailable:   isUnavailable,
		ResolveUsername: e.credentials.ResolveUsername,
		CheckPassword: func(ctx context.Context, username, password string) (flows.FirstFactorIdentity, error) {
			details, err := e.credentials.CheckPassword(ctx, username, password)
			if err != nil {
				return flows.FirstFactorIdentity{}, err
			}
			return flows.FirstFactorIdentity{
				Username:    details.Username,
				DisplayName: details.DisplayName,
				Emails:      details.Emails,
				Groups:      details.Groups,
			}, nil
		},
		SaveSession:   e.saveSession,
		DeleteSession: e.sessionStore.Delete,
		ObserveLatency: func(d time.Duration) {
			e.metrics.Observe(MetricFirstFactorLatency, d)
		},
		MetricInc: e.metricIncFlow,
		EmitAudit: e.emitAudit,
		Logger:    e.logger.Named("first_factor"),
		Metrics: flows.FirstFactorMetrics{
			Success:   int(MetricFirstFactorSuccess),
			Failure:   int(MetricFirstFactorFailure),
			Regulated: int(MetricRegulated),
		},
		Events: flows.FirstFactorEvents{
			Success:   auditEventFirstFactorSuccess,
			Failure:   auditEventFirstFactorFailure,
			Regulated: auditEventRegulated,
		},
		Errors: flows.FirstFactorErrors{
			EngineNotReady:       ErrEngineNotReady,
			AuthenticationFailed: ErrAuthenticationFailed,
			RegulationLockout:    ErrRegulationLockout,
			BackendUnavailable:   ErrBackendUnavailable,
			NotAllowed:           ErrNotAllowed,
		},
	}
	if e.config.Session.RotateOnFirstFactor {
		deps.NewSessionID = session.NewID
	}
	return deps
}

func (e *Engine) secondFactorFlowDeps() flows.SecondFactorDeps {
	deps := flows.SecondFactorDeps{
		Now:           e.clock,
		Attempt:       e.regulator.Attempt,
		IsRegulated:   isRegulated,
		IsUnavailable: isUnavailable,
		LoadTOTP:      e.secondFactor.LoadTOTP,
		ValidateTOTP:  e.totp.Validate,
		SaveSession:   e.saveSession,
		MetricInc:     e.metricIncFlow,
		EmitAudit:     e.emitAudit,
		Logger:        e.logger.Named("second_factor"),
		Metrics: flows.SecondFactorMetrics{
			TOTPSuccess:     int(MetricTOTPSuccess),
			TOTPFailure:     int(MetricTOTPFailure),
			WebAuthnSuccess: int(MetricWebAuthnSuccess),
			WebAuthnFailure: int(MetricWebAuthnFailure),
			Regulated:       int(MetricRegulated),
		},
		Events: flows.SecondFactorEvents{
			TOTPSuccess:       auditEventTOTPSuccess,
			TOTPFailure:       auditEventTOTPFailure,
			WebAuthnChallenge: auditEventWebAuthnChallenge,
			WebAuthnSuccess:   auditEventWebAuthnSuccess,
			WebAuthnFailure:   auditEventWebAuthnFailure,
			Regulated:         auditEventRegulated,
		},
		Errors: flows.SecondFactorErrors{
			EngineNotReady:       ErrEngineNotReady,
			AuthenticationFailed: ErrAuthenticationFailed,
			RegulationLockout:    ErrRegulationLockout,
			BackendUnavailable:   ErrBackendUnavailable,
			NotAllowed:           ErrNotAllowed,
			NotConfigured:        ErrSecondFactorNotConfigured,
		},
	}

	if e.webauthn != nil {
		v := e.webauthn
		deps.LoadWebAuthnDevices = func(ctx context.Context, username string) ([]secondfactor.WebAuthnDevice, error) {
			return e.secondFactor.LoadWebAuthnDevices(ctx, username, v.RPID())
		}
		deps.BeginAssertion = v.BeginAssertion
		deps.FinishAssertion = v.FinishAssertion
		deps.UpdateSignCount = func(ctx context.Context, username string, cred *webauthn.Credential, at time.Time) error {
			return e.secondFactor.UpdateWebAuthnSignCount(ctx, username, v.RPID(), cred.ID, cred.SignCount, cred.CloneWarning, at)
		}
	}
	return deps
}

func (e *Engine) identityValidationFlowDeps() flows.IdentityValidationDeps {
	cfg := e.config.IdentityValidation
	return flows.IdentityValidationDeps{
		Now:     e.clock,
		MaxAge:  cfg.TokenMaxAge,
		BaseURL: cfg.BaseURL,
		LinkPaths: map[string]string{
			challengeResetPassword:    cfg.ResetPasswordPath,
			challengeRegisterTOTP:     cfg.RegisterTOTPPath,
			challengeRegisterWebAuthn: cfg.RegisterWebAuthnPath,
		},
		Throttle: e.ivLimiter.Allow,
		PadEnumerationDelay: func(ctx context.Context, started time.Time) error {
			return internal.SleepJitterSince(ctx, started, cfg.EnumerationDelayMin, cfg.EnumerationDelayMax)
		},
		IssueToken:   e.tokens.Issue,
		ConsumeToken: e.tokens.Consume,
		SignLink:     e.links.SignLink,
		ParseLink: func(link string) (string, string, error) {
			claims, err := e.links.ParseLink(link)
			if err != nil {
				return "", "", err
			}
			return claims.ID, claims.Action, nil
		},
		Notify:        e.notifier.Notify,
		Go:            e.goBackground,
		IsUnavailable: isUnavailable,
		MetricInc:     e.metricIncFlow,
		EmitAudit:     e.emitAudit,
		Logger:        e.logger.Named("identity_validation"),
		Metrics: flows.IdentityValidationMetrics{
			Started:       int(MetricIdentityValidationStarted),
			Throttled:     int(MetricIdentityValidationThrottled),
			Completed:     int(MetricIdentityValidationCompleted),
			Rejected:      int(MetricIdentityValidationRejected),
			NotifyFailure: int(MetricNotificationFailure),
		},
		Events: flows.IdentityValidationEvents{
			Start:  auditEventIdentityValidationStart,
			Finish: auditEventIdentityValidationEnd,
		},
		Errors: flows.IdentityValidationErrors{
			EngineNotReady:           ErrEngineNotReady,
			IdentityValidationFailed: ErrIdentityValidationFailed,
			BackendUnavailable:       ErrBackendUnavailable,
			NotAllowed:               ErrNotAllowed,
		},
	}
}

func (e *Engine) logoutFlowDeps() flows.LogoutDeps {
	return flows.LogoutDeps{
		Now:              e.clock,
		SaveSession:      e.saveSession,
		DeleteSession:    e.sessionStore.Delete,
		DeleteAllForUser: e.sessionStore.DeleteAllForUser,
		MetricInc:        e.metricIncFlow,
		EmitAudit:        e.emitAudit,
		Logger:           e.logger.Named("logout"),
		Metrics: flows.LogoutMetrics{
			Logout:    int(MetricLogout),
			LogoutAll: int(MetricLogoutAll),
		},
		Events: flows.LogoutEvents{
			Logout:    auditEventLogout,
			LogoutAll: auditEventLogoutAll,
		},
		Errors: flows.LogoutErrors{
			EngineNotReady:     ErrEngineNotReady,
			BackendUnavailable: ErrBackendUnavailable,
		},
	}
}
