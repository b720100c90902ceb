package security

import "time"

type PasswordReport struct {
	Algorithm   string
	Rounds      int
	SaltLength  int
	Memory      uint32
	Time        uint32
	Parallelism uint8
	MinLength   int
}

type Report struct {
	ProductionMode      bool
	LinkSigningMethod   string
	RegulationEnabled   bool
	MaxAttempts         int
	RegulationWindow    time.Duration
	Password            PasswordReport
	TOTPAlgorithm       string
	TOTPDigits          int
	TOTPSkew            uint
	WebAuthnEnabled     bool
	IdentityTokenMaxAge time.Duration
	LinksOverHTTPS      bool
	SessionIdleTimeout  time.Duration
	SessionLifetime     time.Duration
	SlidingExpiration   bool
	SessionRotation     bool
	RedirectionAllowed  bool
	AuditEnabled        bool
	Warnings            []string
}

type ReportInput struct {
	ProductionMode      bool
	LinkSigningMethod   string
	RegulationEnabled   bool
	MaxAttempts         int
	RegulationWindow    time.Duration
	Password            PasswordReport
	TOTPAlgorithm       string
	TOTPDigits          int
	TOTPSkew            uint
	WebAuthnEnabled     bool
	IdentityTokenMaxAge time.Duration
	BaseURLScheme       string
	SessionIdleTimeout  time.Duration
	SessionLifetime     time.Duration
	SlidingExpiration   bool
	SessionRotation     bool
	SafeRedirectDomain  string
	AuditEnabled        bool
}

const (
	minSafeRounds    = 100000
	maxSafeTokenAge  = time.Hour
	minSafeMinLength = 8
)

// BuildReport summarizes the posture of a configuration and lists settings
// that weaken it.
func BuildReport(input ReportInput) Report {
	r := Report{
		ProductionMode:      input.ProductionMode,
		LinkSigningMethod:   input.LinkSigningMethod,
		RegulationEnabled:   input.RegulationEnabled,
		MaxAttempts:         input.MaxAttempts,
		RegulationWindow:    input.RegulationWindow,
		Password:            input.Password,
		TOTPAlgorithm:       input.TOTPAlgorithm,
		TOTPDigits:          input.TOTPDigits,
		TOTPSkew:            input.TOTPSkew,
		WebAuthnEnabled:     input.WebAuthnEnabled,
		IdentityTokenMaxAge: input.IdentityTokenMaxAge,
		LinksOverHTTPS:      input.BaseURLScheme == "https",
		SessionIdleTimeout:  input.SessionIdleTimeout,
		SessionLifetime:     input.SessionLifetime,
		SlidingExpiration:   input.SlidingExpiration,
		SessionRotation:     input.SessionRotation,
		RedirectionAllowed:  input.SafeRedirectDomain != "",
		AuditEnabled:        input.AuditEnabled,
	}

	if !r.RegulationEnabled {
		r.Warnings = append(r.Warnings, "brute-force regulation is disabled")
	}
	if !r.LinksOverHTTPS {
		r.Warnings = append(r.Warnings, "identity validation links are not served over https")
	}
	if r.IdentityTokenMaxAge > maxSafeTokenAge {
		r.Warnings = append(r.Warnings, "identity validation tokens live longer than one hour")
	}
	if r.Password.Algorithm != "argon2id" && r.Password.Rounds < minSafeRounds {
		r.Warnings = append(r.Warnings, "password digest rounds are below 100000")
	}
	if r.Password.MinLength < minSafeMinLength {
		r.Warnings = append(r.Warnings, "minimum password length is below 8")
	}
	if !r.SessionRotation {
		r.Warnings = append(r.Warnings, "session id is not rotated after the first factor")
	}
	if r.LinkSigningMethod == "hs256" {
		r.Warnings = append(r.Warnings, "link tokens use a shared secret")
	}
	return r
}
