package flows

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/session"
)

const notifyTimeout = 30 * time.Second

// IdentityRequest is the inbound request an identity validation runs for.
type IdentityRequest struct {
	Session *session.Session
	// Username is the identity named by the caller, when the strategy takes
	// one from the request rather than the session.
	Username string
}

// IdentityChallenge is the resolved target of a validation.
type IdentityChallenge struct {
	Username string
	Email    string
	Payload  []byte
}

// Strategy parameterizes the two-phase identity validation.
//
// PreValidationInit resolves who the link is for. Errors wrapping
// IdentityValidationErrors.NotAllowed are returned to the caller; every other
// error is swallowed so the response does not reveal whether the identity
// exists. PostValidationInit runs once the link token has been consumed.
type Strategy interface {
	ChallengeID() string
	PreValidationInit(ctx context.Context, req IdentityRequest) (IdentityChallenge, error)
	PostValidationInit(ctx context.Context, req IdentityRequest, username string, payload []byte) error
	MailSubject() string
}

// IdentityValidationMetrics carries metric IDs needed by identity validation.
type IdentityValidationMetrics struct {
	Started       int
	Throttled     int
	Completed     int
	Rejected      int
	NotifyFailure int
}

// IdentityValidationEvents carries audit event names used by identity validation.
type IdentityValidationEvents struct {
	Start  string
	Finish string
}

// IdentityValidationErrors carries host-level sentinel errors used by identity validation.
type IdentityValidationErrors struct {
	EngineNotReady           error
	IdentityValidationFailed error
	BackendUnavailable       error
	NotAllowed               error
}

// IdentityValidationDeps captures identity validation dependencies.
type IdentityValidationDeps struct {
	Now     func() time.Time
	MaxAge  time.Duration
	BaseURL string
	// LinkPaths maps a challenge ID to the path of its finish endpoint.
	LinkPaths map[string]string

	Throttle func(ctx context.Context, identity string) bool
	// PadEnumerationDelay blocks until the enumeration deadline measured
	// from started has passed.
	PadEnumerationDelay func(ctx context.Context, started time.Time) error

	IssueToken   func(ctx context.Context, username, action string, payload []byte, maxAge time.Duration) (string, time.Time, error)
	ConsumeToken func(ctx context.Context, token string) (*stores.IdentityTokenRecord, error)
	SignLink     func(tokenID, action string, expiresAt time.Time) (string, error)
	ParseLink    func(link string) (tokenID, action string, err error)

	Notify func(ctx context.Context, email, subject, link string) error
	// Go runs background work such as notification delivery.
	Go func(func())

	IsUnavailable func(error) bool

	MetricInc func(int)
	EmitAudit AuditFunc
	Logger    *zap.Logger

	Metrics IdentityValidationMetrics
	Events  IdentityValidationEvents
	Errors  IdentityValidationErrors
}

func normalizeIdentityValidationDeps(deps *IdentityValidationDeps) {
	deps.Now = defaultNow(deps.Now)
	deps.Logger = defaultLogger(deps.Logger)
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
	if deps.Throttle == nil {
		deps.Throttle = func(context.Context, string) bool { return true }
	}
	if deps.PadEnumerationDelay == nil {
		deps.PadEnumerationDelay = func(context.Context, time.Time) error { return nil }
	}
	if deps.Go == nil {
		deps.Go = func(f func()) { go f() }
	}
	if deps.IsUnavailable == nil {
		deps.IsUnavailable = never
	}
	if deps.MaxAge <= 0 {
		deps.MaxAge = 5 * time.Minute
	}
}

// RunStartIdentityValidation resolves the identity, issues a one-time token and
// mails a link embedding it. It returns nil whether or not the identity
// exists; only context errors and Errors.NotAllowed from the strategy reach
// the caller. Every silent outcome returns at the same padded deadline
// measured from entry, so token issuance does not show in the timing.
func RunStartIdentityValidation(ctx context.Context, s Strategy, req IdentityRequest, deps IdentityValidationDeps) error {
	normalizeIdentityValidationDeps(&deps)
	if s == nil || deps.IssueToken == nil || deps.SignLink == nil || deps.Notify == nil {
		return deps.Errors.EngineNotReady
	}

	started := time.Now()
	if err := startIdentityValidation(ctx, s, req, &deps); err != nil {
		return err
	}
	return deps.PadEnumerationDelay(ctx, started)
}

func startIdentityValidation(ctx context.Context, s Strategy, req IdentityRequest, deps *IdentityValidationDeps) error {
	action := s.ChallengeID()
	sessionID := sessionIDOf(req.Session)

	challenge, err := s.PreValidationInit(ctx, req)
	if err != nil {
		if isContextError(err) {
			return err
		}
		if deps.Errors.NotAllowed != nil && errors.Is(err, deps.Errors.NotAllowed) {
			return deps.Errors.NotAllowed
		}
		deps.Logger.Debug("identity validation target not resolved",
			zap.String("challenge", action), zap.String("username", req.Username), zap.Error(err))
		deps.EmitAudit(ctx, deps.Events.Start, false, req.Username, sessionID, err, func() map[string]string {
			return map[string]string{"challenge": action, "enumeration_safe": "true"}
		})
		return nil
	}

	if !deps.Throttle(ctx, challenge.Username) {
		deps.Logger.Info("identity validation throttled",
			zap.String("challenge", action), zap.String("username", challenge.Username))
		deps.MetricInc(deps.Metrics.Throttled)
		deps.EmitAudit(ctx, deps.Events.Start, false, challenge.Username, sessionID, nil, func() map[string]string {
			return map[string]string{"challenge": action, "reason": "throttled"}
		})
		return nil
	}

	token, expiresAt, err := deps.IssueToken(ctx, challenge.Username, action, challenge.Payload, deps.MaxAge)
	if err != nil {
		if isContextError(err) {
			return err
		}
		deps.Logger.Error("unable to issue identity validation token",
			zap.String("challenge", action), zap.String("username", challenge.Username), zap.Error(err))
		return nil
	}

	signed, err := deps.SignLink(token, action, expiresAt)
	if err != nil {
		deps.Logger.Error("unable to sign identity validation link",
			zap.String("challenge", action), zap.String("username", challenge.Username), zap.Error(err))
		return nil
	}
	link := buildLink(deps.BaseURL, deps.LinkPaths[action], signed)

	email, subject, username := challenge.Email, s.MailSubject(), challenge.Username
	deps.Go(func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := deps.Notify(nctx, email, subject, link); err != nil {
			deps.MetricInc(deps.Metrics.NotifyFailure)
			deps.Logger.Warn("unable to deliver identity validation link",
				zap.String("challenge", action), zap.String("username", username), zap.Error(err))
		}
	})

	deps.MetricInc(deps.Metrics.Started)
	deps.EmitAudit(ctx, deps.Events.Start, true, username, sessionID, nil, func() map[string]string {
		return map[string]string{"challenge": action}
	})
	return nil
}

// RunFinishIdentityValidation checks the link token, consumes the underlying
// one-time token and hands the validated identity to the strategy. Unknown,
// expired, replayed and mismatched tokens are indistinguishable to the caller.
func RunFinishIdentityValidation(ctx context.Context, s Strategy, req IdentityRequest, linkToken string, deps IdentityValidationDeps) error {
	normalizeIdentityValidationDeps(&deps)
	if s == nil || deps.ConsumeToken == nil || deps.ParseLink == nil {
		return deps.Errors.EngineNotReady
	}

	action := s.ChallengeID()
	sessionID := sessionIDOf(req.Session)
	reject := func(reason string, err error) error {
		deps.Logger.Debug("identity validation rejected",
			zap.String("challenge", action), zap.String("reason", reason), zap.Error(err))
		deps.MetricInc(deps.Metrics.Rejected)
		deps.EmitAudit(ctx, deps.Events.Finish, false, "", sessionID, deps.Errors.IdentityValidationFailed, func() map[string]string {
			return map[string]string{"challenge": action, "reason": reason}
		})
		return deps.Errors.IdentityValidationFailed
	}

	if linkToken == "" {
		return reject("empty_token", nil)
	}
	tokenID, linkAction, err := deps.ParseLink(linkToken)
	if err != nil {
		return reject("invalid_link", err)
	}
	if linkAction != action {
		return reject("action_mismatch", nil)
	}

	record, err := deps.ConsumeToken(ctx, tokenID)
	if err != nil {
		switch {
		case isContextError(err):
			return err
		case deps.IsUnavailable(err):
			deps.Logger.Error("identity token store unavailable", zap.Error(err))
			return deps.Errors.BackendUnavailable
		case errors.Is(err, stores.ErrTokenExpired):
			return reject("expired", err)
		default:
			return reject("not_found", err)
		}
	}
	if record.Action != action {
		return reject("action_mismatch", nil)
	}

	if err := s.PostValidationInit(ctx, req, record.Username, record.Payload); err != nil {
		if isContextError(err) {
			return err
		}
		if deps.IsUnavailable(err) {
			deps.Logger.Error("identity validation completion failed", zap.String("username", record.Username), zap.Error(err))
			return deps.Errors.BackendUnavailable
		}
		return reject("post_validation", err)
	}

	deps.MetricInc(deps.Metrics.Completed)
	deps.EmitAudit(ctx, deps.Events.Finish, true, record.Username, sessionID, nil, func() map[string]string {
		return map[string]string{"challenge": action}
	})
	return nil
}

func buildLink(base, path, token string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/") + "?token=" + url.QueryEscape(token)
}

func sessionIDOf(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
