package authgate

import (
	"net/url"
	"strings"

	"github.com/MrEthical07/authgate/internal/security"
)

// SecurityReport summarizes the engine's effective security posture.
type SecurityReport = security.Report

// PasswordConfigReport describes the digest policy.
type PasswordConfigReport = security.PasswordReport

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	var scheme string
	if u, err := url.Parse(e.config.IdentityValidation.BaseURL); err == nil {
		scheme = u.Scheme
	}
	hashing := e.config.Password.Hashing

	return security.BuildReport(security.ReportInput{
		ProductionMode:    e.config.Security.ProductionMode,
		LinkSigningMethod: e.config.Link.SigningMethod,
		RegulationEnabled: e.config.Regulation.Enabled,
		MaxAttempts:       e.config.Regulation.MaxAttempts,
		RegulationWindow:  e.config.Regulation.Window,
		Password: PasswordConfigReport{
			Algorithm:   string(hashing.Algorithm),
			Rounds:      hashing.Rounds,
			SaltLength:  hashing.SaltLength,
			Memory:      hashing.Argon2.Memory,
			Time:        hashing.Argon2.Time,
			Parallelism: hashing.Argon2.Parallelism,
			MinLength:   e.config.Password.MinLength,
		},
		TOTPAlgorithm:       strings.ToUpper(e.config.TOTP.Algorithm),
		TOTPDigits:          e.config.TOTP.Digits,
		TOTPSkew:            e.config.TOTP.Skew,
		WebAuthnEnabled:     e.webauthn != nil,
		IdentityTokenMaxAge: e.config.IdentityValidation.TokenMaxAge,
		BaseURLScheme:       scheme,
		SessionIdleTimeout:  e.config.Session.IdleTimeout,
		SessionLifetime:     e.config.Session.AbsoluteLifetime,
		SlidingExpiration:   e.config.Session.SlidingExpiration,
		SessionRotation:     e.config.Session.RotateOnFirstFactor,
		SafeRedirectDomain:  e.config.Session.SafeRedirectionDomain,
		AuditEnabled:        e.config.Audit.Enabled,
	})
}
