package authgate

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/credentials"
	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/internal/limiters"
	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tracelog"
)

// Engine is the authentication gateway. It is safe for concurrent use; every
// call loads the session it operates on from Redis and writes the result
// back.
type Engine struct {
	config       Config
	sessionStore *session.Store
	credentials  credentials.Store
	traceLog     tracelog.Log
	regulator    *limiters.Regulator
	ivLimiter    *limiters.IdentityValidationLimiter
	tokens       *stores.IdentityTokenStore
	secondFactor secondfactor.Store
	webauthn     WebAuthnVerifier
	links        *jwt.Manager
	totp         *totpManager
	notifier     Notifier
	audit        *audit.Dispatcher
	metrics      *Metrics
	logger       *zap.Logger
	flows        flows.Service
	now          func() time.Time

	background sync.WaitGroup
}

// Close flushes pending audit events and waits for in-flight notifications.
// Injected stores are left open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.background.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDroppedByType breaks [Engine.AuditDropped] down by event type.
func (e *Engine) AuditDroppedByType() map[string]uint64 {
	if e == nil || e.audit == nil {
		return nil
	}
	return e.audit.DroppedByType()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) clock() time.Time {
	return e.now()
}

func (e *Engine) goBackground(f func()) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		f()
	}()
}

func (e *Engine) ready() bool {
	return e != nil && e.sessionStore != nil && e.flows.Initialized()
}

/*
====================================
SESSIONS
====================================
*/

// NewSession creates a NotAuthenticated session and returns its ID.
func (e *Engine) NewSession(ctx context.Context) (string, error) {
	if !e.ready() {
		return "", ErrEngineNotReady
	}
	sess, err := session.New(e.now(), e.config.Session.AbsoluteLifetime)
	if err != nil {
		return "", err
	}
	if err := e.saveSession(ctx, sess); err != nil {
		return "", err
	}
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, "", sess.ID, nil, nil)
	return sess.ID, nil
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := e.sessionStore.Get(ctx, sessionID, e.config.Session.IdleTimeout)
	return sess, mapSessionError(err)
}

func (e *Engine) saveSession(ctx context.Context, sess *session.Session) error {
	return mapSessionError(e.sessionStore.Save(ctx, sess, e.config.Session.IdleTimeout))
}

func mapSessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrRedisUnavailable):
		return ErrBackendUnavailable
	default:
		return err
	}
}

// Verify returns the level of a session without refreshing its idle timer.
// Unknown or expired sessions are NotAuthenticated with ErrSessionNotFound.
func (e *Engine) Verify(ctx context.Context, sessionID string) (Level, error) {
	if !e.ready() {
		return NotAuthenticated, ErrEngineNotReady
	}
	sess, err := e.sessionStore.GetReadOnly(ctx, sessionID)
	if err != nil {
		return NotAuthenticated, mapSessionError(err)
	}
	return sess.Level, nil
}

// SessionInfo returns the caller-visible view of a session.
func (e *Engine) SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	if !e.ready() {
		return SessionInfo{}, ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(sess), nil
}

// SetRedirectionTarget remembers where to send the caller once fully
// authenticated. Only https URLs under Session.SafeRedirectionDomain are
// accepted.
func (e *Engine) SetRedirectionTarget(ctx context.Context, sessionID, target string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !e.safeRedirection(target) {
		return ErrNotAllowed
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	next, outcome := session.Apply(*sess, session.Event{Kind: session.EventRedirectionSet, At: e.now(), Target: target})
	if outcome != session.Applied {
		return ErrNotAllowed
	}
	return e.saveSession(ctx, &next)
}

func (e *Engine) safeRedirection(target string) bool {
	domain := strings.ToLower(e.config.Session.SafeRedirectionDomain)
	if domain == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}

/*
====================================
FACTORS
====================================
*/

// SubmitFirstFactor checks a password for a NotAuthenticated session. On
// success the session is OneFactor; when Session.RotateOnFirstFactor is set
// the returned info carries a new session ID.
func (e *Engine) SubmitFirstFactor(ctx context.Context, sessionID, username, password string) (SessionInfo, error) {
	if !e.ready() {
		return SessionInfo{}, ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	next, err := e.flows.SubmitFirstFactor(ctx, sess, username, password)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(next), nil
}

// SubmitTOTP checks a TOTP code for a OneFactor session.
func (e *Engine) SubmitTOTP(ctx context.Context, sessionID, code string) (SessionInfo, error) {
	if !e.ready() {
		return SessionInfo{}, ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	next, err := e.flows.SubmitTOTP(ctx, sess, code)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(next), nil
}

// StartWebAuthnSignRequest issues an assertion challenge for a OneFactor
// session and returns the options to hand to navigator.credentials.get.
func (e *Engine) StartWebAuthnSignRequest(ctx context.Context, sessionID string) ([]byte, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.webauthn == nil {
		return nil, ErrSecondFactorNotConfigured
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_, options, err := e.flows.StartWebAuthnSignRequest(ctx, sess)
	return options, err
}

// SubmitWebAuthn verifies the signed assertion answering the session's
// pending challenge.
func (e *Engine) SubmitWebAuthn(ctx context.Context, sessionID string, response []byte) (SessionInfo, error) {
	if !e.ready() {
		return SessionInfo{}, ErrEngineNotReady
	}
	if e.webauthn == nil {
		return SessionInfo{}, ErrSecondFactorNotConfigured
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	next, err := e.flows.SubmitWebAuthn(ctx, sess, response)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(next), nil
}

// PreferredMethod returns the user's preferred second factor. Without an
// explicit preference it falls back to whichever factor is registered, TOTP
// first, or "" when none is.
func (e *Engine) PreferredMethod(ctx context.Context, sessionID string) (secondfactor.Method, error) {
	if !e.ready() {
		return "", ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Level < OneFactor {
		return "", ErrNotAllowed
	}

	m, err := e.secondFactor.LoadPreferredMethod(ctx, sess.Username)
	switch {
	case err == nil:
		return m, nil
	case !errors.Is(err, secondfactor.ErrNotFound):
		return "", e.backendError("unable to load preferred method", sess.Username, err)
	}

	if _, err := e.secondFactor.LoadTOTP(ctx, sess.Username); err == nil {
		return secondfactor.MethodTOTP, nil
	} else if !errors.Is(err, secondfactor.ErrNotFound) {
		return "", e.backendError("unable to load totp configuration", sess.Username, err)
	}
	if e.webauthn != nil {
		devices, err := e.secondFactor.LoadWebAuthnDevices(ctx, sess.Username, e.webauthn.RPID())
		if err == nil && len(devices) > 0 {
			return secondfactor.MethodWebAuthn, nil
		}
		if err != nil && !errors.Is(err, secondfactor.ErrNotFound) {
			return "", e.backendError("unable to load webauthn devices", sess.Username, err)
		}
	}
	return "", nil
}

// SetPreferredMethod records the user's preferred second factor.
func (e *Engine) SetPreferredMethod(ctx context.Context, sessionID string, m secondfactor.Method) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !m.Valid() {
		return ErrInvalidRequest
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Level < OneFactor {
		return ErrNotAllowed
	}
	if err := e.secondFactor.SavePreferredMethod(ctx, sess.Username, m); err != nil {
		return e.backendError("unable to save preferred method", sess.Username, err)
	}
	e.emitAudit(ctx, auditEventPreferredMethodSet, true, sess.Username, sess.ID, nil, func() map[string]string {
		return map[string]string{"method": string(m)}
	})
	return nil
}

func (e *Engine) backendError(msg, username string, err error) error {
	if isContextError(err) {
		return err
	}
	e.logger.Error(msg, zap.String("username", username), zap.Error(err))
	return ErrBackendUnavailable
}

/*
====================================
LOGOUT
====================================
*/

// Logout returns the session to NotAuthenticated. The session ID stays valid.
func (e *Engine) Logout(ctx context.Context, sessionID string) (SessionInfo, error) {
	if !e.ready() {
		return SessionInfo{}, ErrEngineNotReady
	}
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	next, err := e.flows.Logout(ctx, sess)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(next), nil
}

// LogoutAll deletes every authenticated session of username and reports how
// many were removed.
func (e *Engine) LogoutAll(ctx context.Context, username string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	return e.flows.LogoutAll(ctx, username)
}

/*
====================================
OPERATIONS
====================================
*/

// Health pings Redis.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if !e.ready() {
		return HealthStatus{}
	}
	latency, err := e.sessionStore.Ping(ctx)
	return HealthStatus{RedisAvailable: err == nil, RedisLatency: latency}
}

// StartTracePruner drops old authentication traces every
// TraceLog.PruneInterval until ctx is done.
func (e *Engine) StartTracePruner(ctx context.Context) {
	if !e.ready() {
		return
	}
	e.regulator.StartPruner(ctx, e.config.TraceLog.PruneInterval, e.config.TraceLog.Retention)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isUnavailable reports storage failures from any backend.
func isUnavailable(err error) bool {
	return errors.Is(err, limiters.ErrRegulatorUnavailable) ||
		errors.Is(err, credentials.ErrBackendUnavailable) ||
		errors.Is(err, secondfactor.ErrUnavailable) ||
		errors.Is(err, stores.ErrTokenUnavailable) ||
		errors.Is(err, session.ErrRedisUnavailable) ||
		errors.Is(err, tracelog.ErrUnavailable) ||
		errors.Is(err, ErrBackendUnavailable)
}
