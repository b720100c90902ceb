package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/metrics/export/prometheus"
	"github.com/MrEthical07/authgate/middleware"
	"github.com/MrEthical07/authgate/secondfactor"
)

const maxBodyBytes = 64 << 10

type server struct {
	engine       *authgate.Engine
	logger       *zap.Logger
	cookieSecure bool
	cookieDomain string
}

func newRouter(s *server, metricsPath string) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.health).Methods("GET")
	r.HandleFunc("/api/state", s.state).Methods("GET")
	r.HandleFunc("/api/session", s.newSession).Methods("POST")
	r.HandleFunc("/api/firstfactor", s.firstFactor).Methods("POST")
	r.HandleFunc("/api/logout", s.logout).Methods("POST")

	r.HandleFunc("/api/secondfactor/totp", s.totp).Methods("POST")
	r.HandleFunc("/api/secondfactor/webauthn", s.webauthnSignRequest).Methods("GET")
	r.HandleFunc("/api/secondfactor/webauthn", s.webauthnAssertion).Methods("POST")
	r.HandleFunc("/api/secondfactor/webauthn/attestation", s.webauthnAttestation).Methods("POST")
	r.HandleFunc("/api/secondfactor/{kind}/identity/start", s.deviceRegistrationStart).Methods("POST")
	r.HandleFunc("/api/secondfactor/{kind}/identity/finish", s.deviceRegistrationFinish).Methods("POST")

	r.HandleFunc("/api/user/info/2fa_method", s.preferredMethod).Methods("GET")
	r.HandleFunc("/api/user/info/2fa_method", s.setPreferredMethod).Methods("POST")

	r.HandleFunc("/api/reset-password/identity/start", s.resetPasswordStart).Methods("POST")
	r.HandleFunc("/api/reset-password/identity/finish", s.resetPasswordFinish).Methods("POST")
	r.HandleFunc("/api/reset-password", s.resetPassword).Methods("POST")

	r.Handle("/api/verify", middleware.RequireOneFactor(s.engine)(http.HandlerFunc(s.verify))).Methods("GET")
	r.Handle("/api/verify/2fa", middleware.RequireTwoFactor(s.engine)(http.HandlerFunc(s.verify))).Methods("GET")

	if metricsPath != "" {
		r.Handle(metricsPath, prometheus.Handler(prometheus.NewCollector(s.engine))).Methods("GET")
	}
	return r
}

/*
====================================
RESPONSES
====================================
*/

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type stateResponse struct {
	Username          string   `json:"username,omitempty"`
	DisplayName       string   `json:"display_name,omitempty"`
	Level             string   `json:"authentication_level"`
	Emails            []string `json:"emails,omitempty"`
	Groups            []string `json:"groups,omitempty"`
	RedirectionTarget string   `json:"redirect,omitempty"`
}

func stateFrom(info authgate.SessionInfo) stateResponse {
	return stateResponse{
		Username:          info.Username,
		DisplayName:       info.DisplayName,
		Level:             info.Level.String(),
		Emails:            info.Emails,
		Groups:            info.Groups,
		RedirectionTarget: info.RedirectionTarget,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "OK", Data: data})
}

// writeRaw sends a JSON document produced by the engine, such as WebAuthn
// options, unchanged.
func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeError maps engine errors to a status and a fixed message. Details stay
// in the server log.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "Operation failed."
	switch {
	case errors.Is(err, authgate.ErrAuthenticationFailed):
		status, msg = http.StatusUnauthorized, "Authentication failed. Check your credentials."
	case errors.Is(err, authgate.ErrSessionNotFound):
		status, msg = http.StatusUnauthorized, "Session not found."
	case errors.Is(err, authgate.ErrIdentityValidationFailed):
		status, msg = http.StatusUnauthorized, "The link is invalid or has expired."
	case errors.Is(err, authgate.ErrNotAllowed):
		status, msg = http.StatusForbidden, "Operation not allowed."
	case errors.Is(err, authgate.ErrPasswordPolicy):
		status, msg = http.StatusBadRequest, "The password does not meet the policy."
	case errors.Is(err, authgate.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, "Invalid request."
	case errors.Is(err, authgate.ErrSecondFactorNotConfigured):
		status, msg = http.StatusBadRequest, "Second factor not configured."
	case errors.Is(err, authgate.ErrBackendUnavailable), errors.Is(err, authgate.ErrEngineNotReady):
		status, msg = http.StatusServiceUnavailable, "Service unavailable."
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, envelope{Status: "KO", Message: msg})
}

func (s *server) setSessionCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    sid,
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return authgate.ErrInvalidRequest
	}
	return nil
}

func readRaw(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(b) == 0 {
		return nil, authgate.ErrInvalidRequest
	}
	return b, nil
}

// requireSession returns the request's session ID or writes a 401.
func (s *server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sid := middleware.SessionID(r)
	if sid == "" {
		s.writeError(w, r, authgate.ErrSessionNotFound)
		return "", false
	}
	return sid, true
}

/*
====================================
SESSION HANDLERS
====================================
*/

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health(r.Context())
	if !h.RedisAvailable {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Status: "KO", Message: "Redis unavailable."})
		return
	}
	writeOK(w, map[string]any{"redis_latency_ms": h.RedisLatency.Milliseconds()})
}

func (s *server) newSession(w http.ResponseWriter, r *http.Request) {
	sid, err := s.engine.NewSession(middleware.WithClient(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, sid)
	writeOK(w, stateResponse{Level: authgate.NotAuthenticated.String()})
}

func (s *server) state(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	info, err := s.engine.SessionInfo(middleware.WithClient(r), sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, stateFrom(info))
}

func (s *server) firstFactor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		TargetURL string `json:"target_url"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := middleware.WithClient(r)
	sid := middleware.SessionID(r)
	if sid == "" {
		var err error
		if sid, err = s.engine.NewSession(ctx); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	info, err := s.engine.SubmitFirstFactor(ctx, sid, body.Username, body.Password)
	if errors.Is(err, authgate.ErrSessionNotFound) {
		// stale cookie: start over once with a fresh session
		if sid, err = s.engine.NewSession(ctx); err == nil {
			info, err = s.engine.SubmitFirstFactor(ctx, sid, body.Username, body.Password)
		}
	}
	if err != nil {
		if sid != middleware.SessionID(r) {
			s.setSessionCookie(w, sid)
		}
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, info.SessionID)

	if body.TargetURL != "" {
		// unsafe targets are dropped, the login itself still succeeded
		if err := s.engine.SetRedirectionTarget(ctx, info.SessionID, body.TargetURL); err == nil {
			info.RedirectionTarget = body.TargetURL
		}
	}
	writeOK(w, stateFrom(info))
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.Logout(middleware.WithClient(r), sid); err != nil && !errors.Is(err, authgate.ErrSessionNotFound) {
		s.writeError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	writeOK(w, nil)
}

// verify answers forward-auth requests from a reverse proxy. The guard has
// already checked the level.
func (s *server) verify(w http.ResponseWriter, r *http.Request) {
	info, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		s.writeError(w, r, authgate.ErrSessionNotFound)
		return
	}
	w.Header().Set("Remote-User", info.Username)
	w.Header().Set("Remote-Name", info.DisplayName)
	w.Header().Set("Remote-Groups", strings.Join(info.Groups, ","))
	if len(info.Emails) > 0 {
		w.Header().Set("Remote-Email", info.Emails[0])
	}
	writeOK(w, nil)
}

/*
====================================
SECOND FACTOR HANDLERS
====================================
*/

func (s *server) totp(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.engine.SubmitTOTP(middleware.WithClient(r), sid, body.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, stateFrom(info))
}

func (s *server) webauthnSignRequest(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	options, err := s.engine.StartWebAuthnSignRequest(middleware.WithClient(r), sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, options)
}

func (s *server) webauthnAssertion(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	resp, err := readRaw(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.engine.SubmitWebAuthn(middleware.WithClient(r), sid, resp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, stateFrom(info))
}

func (s *server) preferredMethod(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	m, err := s.engine.PreferredMethod(middleware.WithClient(r), sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"method": string(m)})
}

func (s *server) setPreferredMethod(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Method string `json:"method"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetPreferredMethod(middleware.WithClient(r), sid, secondfactor.Method(body.Method)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

/*
====================================
IDENTITY VALIDATION HANDLERS
====================================
*/

type tokenBody struct {
	Token string `json:"token"`
}

func (s *server) resetPasswordStart(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	// the answer is the same whether or not the user exists
	if err := s.engine.StartPasswordReset(middleware.WithClient(r), sid, body.Username); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *server) resetPasswordFinish(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body tokenBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.engine.FinishPasswordReset(middleware.WithClient(r), sid, body.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, stateFrom(info))
}

func (s *server) resetPassword(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.ResetPassword(middleware.WithClient(r), sid, body.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *server) deviceRegistrationStart(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	kind := authgate.DeviceKind(mux.Vars(r)["kind"])
	if err := s.engine.StartDeviceRegistration(middleware.WithClient(r), sid, kind); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *server) deviceRegistrationFinish(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body tokenBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := authgate.DeviceKind(mux.Vars(r)["kind"])
	reg, err := s.engine.FinishDeviceRegistration(middleware.WithClient(r), sid, kind, body.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reg.Kind == authgate.DeviceWebAuthn {
		writeRaw(w, reg.AttestationOptions)
		return
	}
	writeOK(w, map[string]string{
		"base32_secret": reg.Secret,
		"otpauth_url":   reg.ProvisioningURI,
	})
}

func (s *server) webauthnAttestation(w http.ResponseWriter, r *http.Request) {
	sid, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	resp, err := readRaw(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	description := r.URL.Query().Get("description")
	if err := s.engine.CompleteWebAuthnRegistration(middleware.WithClient(r), sid, resp, description); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}
