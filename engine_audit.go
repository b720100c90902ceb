package authgate

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventSessionCreated          = "session_created"
	auditEventFirstFactorSuccess      = "first_factor_success"
	auditEventFirstFactorFailure      = "first_factor_failure"
	auditEventRegulated               = "regulated"
	auditEventTOTPSuccess             = "totp_success"
	auditEventTOTPFailure             = "totp_failure"
	auditEventWebAuthnChallenge       = "webauthn_challenge"
	auditEventWebAuthnSuccess         = "webauthn_success"
	auditEventWebAuthnFailure         = "webauthn_failure"
	auditEventIdentityValidationStart = "identity_validation_start"
	auditEventIdentityValidationEnd   = "identity_validation_finish"
	auditEventPasswordReset           = "password_reset"
	auditEventTOTPRegistered          = "totp_registered"
	auditEventWebAuthnRegistered      = "webauthn_registered"
	auditEventWebAuthnRegisterFailure = "webauthn_register_failure"
	auditEventPreferredMethodSet      = "preferred_method_set"
	auditEventLogout                  = "logout"
	auditEventLogoutAll               = "logout_all"
)

// AuditErrorCode is the stable error classification carried by audit events.
type AuditErrorCode string

const (
	auditErrAuthenticationFailed AuditErrorCode = "authentication_failed"
	auditErrRegulated            AuditErrorCode = "regulated"
	auditErrUnavailable          AuditErrorCode = "backend_unavailable"
	auditErrIdentityValidation   AuditErrorCode = "identity_validation_failed"
	auditErrNotAllowed           AuditErrorCode = "not_allowed"
	auditErrSessionNotFound      AuditErrorCode = "session_not_found"
	auditErrPasswordPolicy       AuditErrorCode = "password_policy"
	auditErrNotConfigured        AuditErrorCode = "not_configured"
	auditErrInvalidRequest       AuditErrorCode = "invalid_request"
	auditErrInternal             AuditErrorCode = "internal_error"
)

// emitAudit has the shape of flows.AuditFunc so it can be handed to the flows
// as a method value.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	username string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Username:  username,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Publish(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRegulationLockout):
		return auditErrRegulated
	case errors.Is(err, ErrAuthenticationFailed):
		return auditErrAuthenticationFailed
	case errors.Is(err, ErrBackendUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrIdentityValidationFailed):
		return auditErrIdentityValidation
	case errors.Is(err, ErrNotAllowed):
		return auditErrNotAllowed
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrSecondFactorNotConfigured):
		return auditErrNotConfigured
	case errors.Is(err, ErrInvalidRequest):
		return auditErrInvalidRequest
	default:
		return auditErrInternal
	}
}
