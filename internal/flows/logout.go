package flows

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/session"
)

// LogoutMetrics carries metric IDs needed by logout flows.
type LogoutMetrics struct {
	Logout    int
	LogoutAll int
}

// LogoutEvents carries audit event names used by logout flows.
type LogoutEvents struct {
	Logout    string
	LogoutAll string
}

// LogoutErrors carries host-level sentinel errors used by logout flows.
type LogoutErrors struct {
	EngineNotReady     error
	BackendUnavailable error
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Now func() time.Time

	SaveSession      func(context.Context, *session.Session) error
	DeleteSession    func(context.Context, string) error
	DeleteAllForUser func(context.Context, string) (int, error)

	MetricInc func(int)
	EmitAudit AuditFunc
	Logger    *zap.Logger

	Metrics LogoutMetrics
	Events  LogoutEvents
	Errors  LogoutErrors
}

func normalizeLogoutDeps(deps *LogoutDeps) {
	deps.Now = defaultNow(deps.Now)
	deps.Logger = defaultLogger(deps.Logger)
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}

// RunLogout returns the session to NotAuthenticated from any level. The old
// record, and with it the user index entry, is dropped before the reset
// session is written under the same ID.
func RunLogout(ctx context.Context, sess *session.Session, deps LogoutDeps) (*session.Session, error) {
	normalizeLogoutDeps(&deps)
	if deps.SaveSession == nil || deps.DeleteSession == nil || sess == nil {
		return nil, deps.Errors.EngineNotReady
	}

	next, _ := session.Apply(*sess, session.Event{Kind: session.EventLogout, At: deps.Now()})
	if sess.Username != "" {
		if err := deps.DeleteSession(ctx, sess.ID); err != nil {
			deps.Logger.Error("unable to delete session on logout", zap.String("username", sess.Username), zap.Error(err))
			return nil, deps.Errors.BackendUnavailable
		}
	}
	if err := deps.SaveSession(ctx, &next); err != nil {
		return nil, deps.Errors.BackendUnavailable
	}

	deps.MetricInc(deps.Metrics.Logout)
	deps.EmitAudit(ctx, deps.Events.Logout, true, sess.Username, sess.ID, nil, func() map[string]string {
		return map[string]string{"previous_level": sess.Level.String()}
	})
	return &next, nil
}

// RunLogoutAll drops every session of username.
func RunLogoutAll(ctx context.Context, username string, deps LogoutDeps) (int, error) {
	normalizeLogoutDeps(&deps)
	if deps.DeleteAllForUser == nil {
		return 0, deps.Errors.EngineNotReady
	}

	n, err := deps.DeleteAllForUser(ctx, username)
	if err != nil {
		deps.Logger.Error("unable to delete user sessions", zap.String("username", username), zap.Error(err))
		return 0, deps.Errors.BackendUnavailable
	}

	deps.MetricInc(deps.Metrics.LogoutAll)
	deps.EmitAudit(ctx, deps.Events.LogoutAll, true, username, "", nil, func() map[string]string {
		return map[string]string{"sessions": strconv.Itoa(n)}
	})
	return n, nil
}
