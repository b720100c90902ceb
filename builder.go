package authgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/credentials"
	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/internal/limiters"
	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tracelog"
	"github.com/MrEthical07/authgate/webauthn"
)

// Builder assembles an [Engine]. A Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	credentials  credentials.Store
	traceLog     tracelog.Log
	secondFactor secondfactor.Store
	webauthn     WebAuthnVerifier
	notifier     Notifier
	auditSink    AuditSink
	logger       *zap.Logger
	now          func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for sessions, identity tokens, the shared
// identity validation throttle and, unless [Builder.WithTraceLog] is used,
// the trace log. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore sets the first-factor backend. Required.
func (b *Builder) WithCredentialStore(store credentials.Store) *Builder {
	b.credentials = store
	return b
}

// WithTraceLog replaces the default Redis trace log.
func (b *Builder) WithTraceLog(log tracelog.Log) *Builder {
	b.traceLog = log
	return b
}

// WithSecondFactorStore sets the TOTP and WebAuthn registration store.
// Required.
func (b *Builder) WithSecondFactorStore(store secondfactor.Store) *Builder {
	b.secondFactor = store
	return b
}

// WithWebAuthnVerifier injects a verifier instead of building one from
// Config.WebAuthn.
func (b *Builder) WithWebAuthnVerifier(v WebAuthnVerifier) *Builder {
	b.webauthn = v
	return b
}

// WithNotifier sets the identity validation link transport. Required.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces the engine's time source. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}
	if b.secondFactor == nil {
		return nil, errors.New("second factor store required")
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// Digests are computed by the credential backend; the policy is only
	// checked here so a bad config fails at startup.
	if _, err := password.New(cfg.Password.Hashing); err != nil {
		return nil, fmt.Errorf("password hashing: %w", err)
	}

	links, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.Link.SigningMethod),
		PrivateKey:    cfg.Link.PrivateKey,
		PublicKey:     cfg.Link.PublicKey,
		Issuer:        cfg.Link.Issuer,
		Audience:      cfg.Link.Audience,
		Leeway:        cfg.Link.Leeway,
		KeyID:         cfg.Link.KeyID,
		VerifyKeys:    cfg.Link.VerifyKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("link signing: %w", err)
	}

	verifier := b.webauthn
	if verifier == nil && cfg.WebAuthn.RPID != "" {
		v, err := webauthn.New(webauthn.Config{
			RPID:             cfg.WebAuthn.RPID,
			RPDisplayName:    cfg.WebAuthn.RPDisplayName,
			RPOrigins:        cfg.WebAuthn.RPOrigins,
			Timeout:          cfg.WebAuthn.Timeout,
			UserVerification: cfg.WebAuthn.UserVerification,
		})
		if err != nil {
			return nil, fmt.Errorf("webauthn: %w", err)
		}
		verifier = v
	}

	traceLog := b.traceLog
	if traceLog == nil {
		traceLog = tracelog.NewRedis(b.redis, cfg.TraceLog.Retention)
	}

	e := &Engine{
		config: cfg,
		sessionStore: session.NewStore(
			b.redis,
			cfg.Session.RedisPrefix,
			cfg.Session.SlidingExpiration,
			cfg.Session.JitterEnabled,
			cfg.Session.JitterRange,
		).WithClock(now),
		credentials:  b.credentials,
		traceLog:     traceLog,
		secondFactor: b.secondFactor,
		webauthn:     verifier,
		notifier:     b.notifier,
		links:        links,
		tokens:       stores.NewIdentityTokenStore(b.redis, cfg.IdentityValidation.RedisPrefix).WithClock(now),
		totp:         newTOTPManager(cfg.TOTP),
		metrics:      NewMetrics(cfg.Metrics),
		logger:       logger,
		now:          now,
	}

	e.regulator = limiters.NewRegulator(traceLog, limiters.RegulatorConfig{
		Enabled:     cfg.Regulation.Enabled,
		MaxAttempts: cfg.Regulation.MaxAttempts,
		Window:      cfg.Regulation.Window,
		Now:         e.clock,
		IsTransient: isTransientVerifyError,
	}, logger.Named("regulator"))

	e.ivLimiter = limiters.NewIdentityValidationLimiter(b.redis, limiters.IdentityValidationConfig{
		PerSecond: cfg.IdentityValidation.PerSecond,
		Burst:     cfg.IdentityValidation.Burst,
		WindowMax: cfg.IdentityValidation.WindowMax,
		Window:    cfg.IdentityValidation.Window,
	}, logger.Named("identity_validation"))

	if cfg.Audit.Enabled {
		overflow := audit.Block
		if cfg.Audit.DropIfFull {
			overflow = audit.Drop
		}
		e.audit = audit.Start(b.auditSink, audit.Options{
			QueueSize:       cfg.Audit.BufferSize,
			Overflow:        overflow,
			DeliveryTimeout: cfg.Audit.DeliveryTimeout,
			Logger:          logger.Named("audit"),
		})
	}

	e.flows = flows.New(flows.Deps{
		FirstFactor:        e.firstFactorFlowDeps(),
		SecondFactor:       e.secondFactorFlowDeps(),
		IdentityValidation: e.identityValidationFlowDeps(),
		Logout:             e.logoutFlowDeps(),
	})

	b.built = true
	return e, nil
}

// isTransientVerifyError reports verify errors that must not count as a
// failed attempt.
func isTransientVerifyError(err error) bool {
	return credentials.IsTransient(err) || errors.Is(err, secondfactor.ErrUnavailable)
}
