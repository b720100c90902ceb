package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/MrEthical07/authgate"
)

// SessionCookie is the cookie carrying the session ID.
const SessionCookie = "authgate_session"

// SessionHeader is accepted when the cookie is absent, for non-browser
// clients.
const SessionHeader = "X-Session-ID"

type sessionContextKey struct{}

// SessionFromContext returns the session a guard admitted the request with.
func SessionFromContext(ctx context.Context) (authgate.SessionInfo, bool) {
	info, ok := ctx.Value(sessionContextKey{}).(authgate.SessionInfo)
	return info, ok
}

// SessionID extracts the session ID from the cookie or header.
func SessionID(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(SessionHeader)
}

// WithClient copies the caller's address and user agent into the request
// context for audit events.
func WithClient(r *http.Request) context.Context {
	ctx := r.Context()
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ctx = authgate.WithClientIP(ctx, host)
	} else if r.RemoteAddr != "" {
		ctx = authgate.WithClientIP(ctx, r.RemoteAddr)
	}
	if ua := r.UserAgent(); ua != "" {
		ctx = authgate.WithUserAgent(ctx, ua)
	}
	return ctx
}

// Guard admits requests whose session has reached at least level. Requests
// without a live session get 401; sessions below level get 403. A backend
// outage is 503.
func Guard(engine *authgate.Engine, level authgate.Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sid := SessionID(r)
			if sid == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := WithClient(r)
			info, err := engine.SessionInfo(ctx, sid)
			switch {
			case err == nil:
			case errors.Is(err, authgate.ErrBackendUnavailable):
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			default:
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if info.Level < level {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx = context.WithValue(ctx, sessionContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
