package authgate

import (
	"errors"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/password"
)

// Config holds every tunable of the engine. Start from [DefaultConfig] and
// override what you need; [Builder.Build] validates the result.
type Config struct {
	Session            SessionConfig
	Regulation         RegulationConfig
	TOTP               TOTPConfig
	WebAuthn           WebAuthnConfig
	IdentityValidation IdentityValidationConfig
	Link               LinkConfig
	Password           PasswordConfig
	TraceLog           TraceLogConfig
	Audit              AuditConfig
	Metrics            MetricsConfig
	Security           SecurityConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session persistence in Redis.
type SessionConfig struct {
	RedisPrefix string
	// IdleTimeout is the inactivity window; with SlidingExpiration every
	// access pushes it forward.
	IdleTimeout       time.Duration
	SlidingExpiration bool
	// AbsoluteLifetime caps a session regardless of activity.
	AbsoluteLifetime time.Duration
	JitterEnabled    bool
	JitterRange      time.Duration
	// RotateOnFirstFactor issues a new session ID when the first factor
	// succeeds.
	RotateOnFirstFactor bool
	// SafeRedirectionDomain is the domain redirection targets must live
	// under. Empty disables redirection targets.
	SafeRedirectionDomain string
}

/*
====================================
REGULATION CONFIG
====================================
*/

// RegulationConfig controls brute-force regulation. A user is locked out of a
// factor while their MaxAttempts most recent attempts inside Window all
// failed.
type RegulationConfig struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
}

/*
====================================
SECOND FACTOR CONFIG
====================================
*/

// TOTPConfig sets the parameters of newly registered TOTP secrets and the
// verification skew.
type TOTPConfig struct {
	Issuer    string
	Algorithm string // "SHA1" (default), "SHA256" or "SHA512"
	Digits    int
	Period    int
	// Skew is the number of adjacent time steps accepted on either side.
	Skew       uint
	SecretSize uint
}

// WebAuthnConfig describes the relying party. It is only used when no
// verifier is injected with [Builder.WithWebAuthnVerifier]; an empty RPID
// disables WebAuthn.
type WebAuthnConfig struct {
	RPID             string
	RPDisplayName    string
	RPOrigins        []string
	Timeout          time.Duration
	UserVerification string
}

/*
====================================
IDENTITY VALIDATION CONFIG
====================================
*/

// IdentityValidationConfig controls the emailed one-time links that gate
// password reset and device registration.
type IdentityValidationConfig struct {
	// BaseURL is the externally visible origin links point to.
	BaseURL     string
	TokenMaxAge time.Duration
	RedisPrefix string

	ResetPasswordPath    string
	RegisterTOTPPath     string
	RegisterWebAuthnPath string

	// Per-identity throttle: a local token bucket plus a shared Redis window.
	PerSecond float64
	Burst     int
	WindowMax int
	Window    time.Duration

	// Every start sleeps a random duration in this range so that responses
	// for known and unknown identities take the same time.
	EnumerationDelayMin time.Duration
	EnumerationDelayMax time.Duration
}

// LinkConfig configures the signature on identity validation links.
type LinkConfig struct {
	SigningMethod string // "ed25519" or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	// KeyID is stamped on issued links. With VerifyKeys set, links are
	// verified with the key named by their kid, so links signed before a key
	// rotation stay valid until they expire.
	KeyID      string
	VerifyKeys map[string][]byte
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the digest policy handed to credential backends and
// the length bounds enforced on reset.
type PasswordConfig struct {
	Hashing   password.Config
	MinLength int
	MaxLength int
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// TraceLogConfig controls housekeeping of the authentication trace log.
type TraceLogConfig struct {
	PruneInterval time.Duration
	Retention     time.Duration
}

// AuditConfig controls asynchronous audit dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// DeliveryTimeout bounds one sink call. Zero leaves it unbounded.
	DeliveryTimeout time.Duration
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SecurityConfig holds deployment-wide switches.
type SecurityConfig struct {
	// ProductionMode turns a handful of unsafe settings into build errors.
	ProductionMode bool
}

// DefaultConfig returns the configuration used by [New].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix:         "as",
			IdleTimeout:         30 * time.Minute,
			SlidingExpiration:   true,
			AbsoluteLifetime:    12 * time.Hour,
			JitterEnabled:       true,
			JitterRange:         30 * time.Second,
			RotateOnFirstFactor: true,
		},
		Regulation: RegulationConfig{
			Enabled:     true,
			MaxAttempts: 3,
			Window:      5 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:     "authgate",
			Algorithm:  "SHA1",
			Digits:     6,
			Period:     30,
			Skew:       1,
			SecretSize: 20,
		},
		WebAuthn: WebAuthnConfig{
			RPDisplayName:    "authgate",
			Timeout:          time.Minute,
			UserVerification: "preferred",
		},
		IdentityValidation: IdentityValidationConfig{
			TokenMaxAge:          5 * time.Minute,
			RedisPrefix:          "aiv",
			ResetPasswordPath:    "/reset-password/finish",
			RegisterTOTPPath:     "/secondfactor/totp/identity/finish",
			RegisterWebAuthnPath: "/secondfactor/webauthn/identity/finish",
			PerSecond:            1.0 / 60,
			Burst:                3,
			WindowMax:            10,
			Window:               time.Hour,
			EnumerationDelayMin:  20 * time.Millisecond,
			EnumerationDelayMax:  40 * time.Millisecond,
		},
		Link: LinkConfig{
			SigningMethod: "ed25519",
			Issuer:        "authgate",
		},
		Password: PasswordConfig{
			Hashing:   password.DefaultConfig(),
			MinLength: 8,
			MaxLength: password.DefaultMaxPasswordBytes,
		},
		TraceLog: TraceLogConfig{
			PruneInterval: time.Hour,
			Retention:     7 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:         false,
			BufferSize:      1024,
			DropIfFull:      true,
			DeliveryTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Link.PrivateKey = cloneBytes(cfg.Link.PrivateKey)
	out.Link.PublicKey = cloneBytes(cfg.Link.PublicKey)
	if cfg.Link.VerifyKeys != nil {
		out.Link.VerifyKeys = make(map[string][]byte, len(cfg.Link.VerifyKeys))
		for kid, key := range cfg.Link.VerifyKeys {
			out.Link.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	if cfg.WebAuthn.RPOrigins != nil {
		out.WebAuthn.RPOrigins = append([]string(nil), cfg.WebAuthn.RPOrigins...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Session
	if c.Session.IdleTimeout <= 0 {
		return errors.New("Session IdleTimeout must be > 0")
	}
	if c.Session.AbsoluteLifetime <= 0 {
		return errors.New("Session AbsoluteLifetime must be > 0")
	}
	if c.Session.IdleTimeout > c.Session.AbsoluteLifetime {
		return errors.New("Session IdleTimeout must not exceed AbsoluteLifetime")
	}
	if c.Session.JitterRange < 0 {
		return errors.New("Session JitterRange must be >= 0")
	}
	if c.Session.JitterRange > time.Duration((math.MaxInt64-1)/2) {
		return errors.New("Session JitterRange is too large")
	}
	if c.Session.JitterEnabled && c.Session.JitterRange <= 0 {
		return errors.New("Session JitterRange must be > 0 when JitterEnabled is true")
	}
	if strings.ContainsAny(c.Session.SafeRedirectionDomain, "/:@ ") {
		return errors.New("Session SafeRedirectionDomain must be a bare domain")
	}

	// Regulation
	if c.Regulation.Enabled {
		if c.Regulation.MaxAttempts <= 0 {
			return errors.New("Regulation MaxAttempts must be > 0")
		}
		if c.Regulation.Window <= 0 {
			return errors.New("Regulation Window must be > 0")
		}
	}

	// TOTP
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew > 2 {
		return errors.New("TOTP Skew must be <= 2")
	}
	if c.TOTP.SecretSize < 16 {
		return errors.New("TOTP SecretSize must be >= 16")
	}
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must be set")
	}

	// Identity validation
	u, err := url.Parse(c.IdentityValidation.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("IdentityValidation BaseURL must be an absolute URL")
	}
	if c.IdentityValidation.TokenMaxAge <= 0 {
		return errors.New("IdentityValidation TokenMaxAge must be > 0")
	}
	if c.IdentityValidation.ResetPasswordPath == "" ||
		c.IdentityValidation.RegisterTOTPPath == "" ||
		c.IdentityValidation.RegisterWebAuthnPath == "" {
		return errors.New("IdentityValidation link paths must be set")
	}
	if c.IdentityValidation.PerSecond <= 0 || c.IdentityValidation.Burst <= 0 {
		return errors.New("IdentityValidation PerSecond and Burst must be > 0")
	}
	if c.IdentityValidation.WindowMax <= 0 || c.IdentityValidation.Window <= 0 {
		return errors.New("IdentityValidation WindowMax and Window must be > 0")
	}
	if c.IdentityValidation.EnumerationDelayMin < 0 ||
		c.IdentityValidation.EnumerationDelayMax < c.IdentityValidation.EnumerationDelayMin {
		return errors.New("IdentityValidation enumeration delay range is invalid")
	}

	// Link signing
	switch c.Link.SigningMethod {
	case "ed25519":
		if len(c.Link.PrivateKey) == 0 || (len(c.Link.PublicKey) == 0 && len(c.Link.VerifyKeys) == 0) {
			return errors.New("ed25519 link signing requires PrivateKey and PublicKey or VerifyKeys")
		}
	case "hs256":
		if len(c.Link.PrivateKey) == 0 {
			return errors.New("hs256 link signing requires PrivateKey")
		}
	default:
		return errors.New("unsupported link signing method")
	}

	// Password
	if c.Password.MinLength < 1 {
		return errors.New("Password MinLength must be >= 1")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}

	// Trace log
	if c.TraceLog.PruneInterval < 0 {
		return errors.New("TraceLog PruneInterval must be >= 0")
	}
	if c.Regulation.Enabled && c.TraceLog.Retention > 0 && c.TraceLog.Retention < c.Regulation.Window {
		return errors.New("TraceLog Retention must cover the regulation Window")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Audit.DeliveryTimeout < 0 {
		return errors.New("Audit DeliveryTimeout must be >= 0")
	}

	if c.Security.ProductionMode {
		if !c.Regulation.Enabled {
			return errors.New("ProductionMode requires Regulation to be enabled")
		}
		if u.Scheme != "https" {
			return errors.New("ProductionMode requires an https IdentityValidation BaseURL")
		}
		if c.IdentityValidation.TokenMaxAge > time.Hour {
			return errors.New("ProductionMode requires IdentityValidation TokenMaxAge <= 1h")
		}
		if c.Password.MinLength < 8 {
			return errors.New("ProductionMode requires Password MinLength >= 8")
		}
	}

	return nil
}
