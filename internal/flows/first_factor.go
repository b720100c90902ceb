package flows

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tracelog"
)

// FirstFactorIdentity is what a successful password check yields.
type FirstFactorIdentity struct {
	Username    string
	DisplayName string
	Emails      []string
	Groups      []string
}

// FirstFactorMetrics carries metric IDs needed by the first-factor flow.
type FirstFactorMetrics struct {
	Success   int
	Failure   int
	Regulated int
}

// FirstFactorEvents carries audit event names used by the first-factor flow.
type FirstFactorEvents struct {
	Success   string
	Failure   string
	Regulated string
}

// FirstFactorErrors carries host-level sentinel errors used by the first-factor flow.
type FirstFactorErrors struct {
	EngineNotReady       error
	AuthenticationFailed error
	RegulationLockout    error
	BackendUnavailable   error
	NotAllowed           error
}

// FirstFactorDeps captures first-factor dependencies.
type FirstFactorDeps struct {
	Now func() time.Time

	// Attempt runs verify under brute-force regulation. IsUnavailable reports
	// storage failures that must not read as a wrong password.
	Attempt       func(ctx context.Context, username string, factor tracelog.FactorType, verify func(context.Context) error) error
	IsRegulated   func(error) bool
	IsUnavailable func(error) bool

	// ResolveUsername maps the typed name to the backend's canonical one.
	// Attempts are regulated under the canonical name so that every alias
	// of an account draws on one budget.
	ResolveUsername func(ctx context.Context, input string) (string, error)
	CheckPassword   func(ctx context.Context, username, password string) (FirstFactorIdentity, error)

	// NewSessionID, when set, rotates the session ID on success.
	NewSessionID  func() (string, error)
	SaveSession   func(context.Context, *session.Session) error
	DeleteSession func(context.Context, string) error

	ObserveLatency func(time.Duration)
	MetricInc      func(int)
	EmitAudit      AuditFunc
	Logger         *zap.Logger

	Metrics FirstFactorMetrics
	Events  FirstFactorEvents
	Errors  FirstFactorErrors
}

func normalizeFirstFactorDeps(deps *FirstFactorDeps) {
	deps.Now = defaultNow(deps.Now)
	deps.Logger = defaultLogger(deps.Logger)
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
	if deps.ObserveLatency == nil {
		deps.ObserveLatency = func(time.Duration) {}
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

// RunFirstFactor checks a username and password for a NotAuthenticated
// session. On success the session moves to OneFactor carrying the user's
// display name, emails and groups.
//
// Every credential failure collapses to Errors.AuthenticationFailed; the
// reason is only logged.
func RunFirstFactor(ctx context.Context, sess *session.Session, username, password string, deps FirstFactorDeps) (*session.Session, error) {
	normalizeFirstFactorDeps(&deps)
	if deps.CheckPassword == nil || deps.SaveSession == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if sess == nil {
		return nil, deps.Errors.NotAllowed
	}
	if sess.Level != session.NotAuthenticated {
		deps.Logger.Debug("first factor submitted for an authenticated session",
			zap.String("session_level", sess.Level.String()))
		return nil, deps.Errors.NotAllowed
	}
	if username == "" || password == "" {
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, username, sess.ID, deps.Errors.AuthenticationFailed, func() map[string]string {
			return map[string]string{"reason": "empty_credentials"}
		})
		return nil, deps.Errors.AuthenticationFailed
	}

	start := deps.Now()
	var identity FirstFactorIdentity
	subject, key, err := regulationSubject(ctx, username, &deps)
	if err == nil {
		err = deps.Attempt(ctx, key, tracelog.FactorFirst, func(ctx context.Context) error {
			id, err := deps.CheckPassword(ctx, subject, password)
			if err != nil {
				return err
			}
			identity = id
			return nil
		})
	}
	deps.ObserveLatency(deps.Now().Sub(start))

	switch {
	case err == nil:
	case isContextError(err):
		return nil, err
	case deps.IsRegulated(err):
		deps.MetricInc(deps.Metrics.Regulated)
		deps.EmitAudit(ctx, deps.Events.Regulated, false, username, sess.ID, deps.Errors.RegulationLockout, nil)
		return nil, deps.Errors.RegulationLockout
	case deps.IsUnavailable(err):
		deps.Logger.Error("first factor backend unavailable", zap.String("username", username), zap.Error(err))
		deps.EmitAudit(ctx, deps.Events.Failure, false, username, sess.ID, deps.Errors.BackendUnavailable, func() map[string]string {
			return map[string]string{"reason": "backend_unavailable"}
		})
		return nil, deps.Errors.BackendUnavailable
	default:
		deps.Logger.Debug("first factor rejected", zap.String("username", username), zap.Error(err))
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, username, sess.ID, deps.Errors.AuthenticationFailed, nil)
		return nil, deps.Errors.AuthenticationFailed
	}

	if identity.Username == "" {
		identity.Username = subject
	}
	next, outcome := session.Apply(*sess, session.Event{
		Kind:        session.EventFirstFactorSucceeded,
		At:          deps.Now(),
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		Emails:      identity.Emails,
		Groups:      identity.Groups,
	})
	if outcome != session.Applied {
		return nil, deps.Errors.NotAllowed
	}

	oldID := sess.ID
	if deps.NewSessionID != nil {
		id, err := deps.NewSessionID()
		if err != nil {
			return nil, deps.Errors.BackendUnavailable
		}
		next.ID = id
	}

	if err := deps.SaveSession(ctx, &next); err != nil {
		deps.Logger.Error("unable to save session after first factor", zap.String("username", identity.Username), zap.Error(err))
		return nil, deps.Errors.BackendUnavailable
	}
	if next.ID != oldID && deps.DeleteSession != nil {
		if err := deps.DeleteSession(ctx, oldID); err != nil {
			deps.Logger.Warn("unable to drop pre-authentication session", zap.Error(err))
		}
	}

	deps.MetricInc(deps.Metrics.Success)
	deps.EmitAudit(ctx, deps.Events.Success, true, identity.Username, next.ID, nil, nil)
	return &next, nil
}

// regulationSubject returns the name to check the password for and the key to
// regulate it under. A resolved name is both. A name the backend does not
// know is checked as typed and regulated under its folded form, so case
// variants of one unknown name share a budget.
func regulationSubject(ctx context.Context, username string, deps *FirstFactorDeps) (subject, key string, err error) {
	if deps.ResolveUsername == nil {
		return username, username, nil
	}
	canonical, err := deps.ResolveUsername(ctx, username)
	switch {
	case err == nil && canonical != "":
		return canonical, canonical, nil
	case err != nil && (isContextError(err) || deps.IsUnavailable(err)):
		return "", "", err
	default:
		return username, strings.ToLower(strings.TrimSpace(username)), nil
	}
}
