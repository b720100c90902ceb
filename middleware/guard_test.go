package middleware_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/credentials/filestore"
	"github.com/MrEthical07/authgate/middleware"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/secondfactor"
)

func newEngine(t *testing.T) *authgate.Engine {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	dir := t.TempDir()
	digest, err := password.HashWithSalt("password", 1000, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("HashWithSalt failed: %v", err)
	}
	usersPath := filepath.Join(dir, "users.yml")
	body := fmt.Sprintf("users:\n  john:\n    password: %q\n    email: john@example.com\n", digest)
	if err := os.WriteFile(usersPath, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	creds, err := filestore.Open(usersPath, filestore.WithWatch(false))
	if err != nil {
		t.Fatalf("filestore.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = creds.Close() })

	sf, err := secondfactor.OpenSQLite(context.Background(), filepath.Join(dir, "sf.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sf.Close() })

	cfg := authgate.DefaultConfig()
	cfg.IdentityValidation.BaseURL = "https://auth.example.com"
	cfg.Link.SigningMethod = "hs256"
	cfg.Link.PrivateKey = []byte("0123456789abcdef0123456789abcdef")

	engine, err := authgate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(creds).
		WithSecondFactorStore(sf).
		WithNotifier(authgate.NotifierFunc(func(context.Context, string, string, string) error { return nil })).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := middleware.SessionFromContext(r.Context())
		if !ok {
			t.Error("expected session in context")
		}
		_, _ = w.Write([]byte(info.Username))
	})
}

func serve(h http.Handler, sid string, viaHeader bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if sid != "" {
		if viaHeader {
			req.Header.Set(middleware.SessionHeader, sid)
		} else {
			req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: sid})
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGuardStatusCodes(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	anon, err := engine.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	sid, err := engine.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	info, err := engine.SubmitFirstFactor(ctx, sid, "john", "password")
	if err != nil {
		t.Fatalf("SubmitFirstFactor failed: %v", err)
	}

	oneFactor := middleware.RequireOneFactor(engine)(okHandler(t))
	twoFactor := middleware.RequireTwoFactor(engine)(okHandler(t))

	if rr := serve(oneFactor, "", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing session: expected 401, got %d", rr.Code)
	}
	if rr := serve(oneFactor, "unknown-session", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown session: expected 401, got %d", rr.Code)
	}
	if rr := serve(oneFactor, anon, false); rr.Code != http.StatusForbidden {
		t.Fatalf("anonymous session: expected 403, got %d", rr.Code)
	}

	rr := serve(oneFactor, info.SessionID, false)
	if rr.Code != http.StatusOK || rr.Body.String() != "john" {
		t.Fatalf("one factor session: expected 200 john, got %d %q", rr.Code, rr.Body.String())
	}
	if rr := serve(oneFactor, info.SessionID, true); rr.Code != http.StatusOK {
		t.Fatalf("header session: expected 200, got %d", rr.Code)
	}
	if rr := serve(twoFactor, info.SessionID, false); rr.Code != http.StatusForbidden {
		t.Fatalf("two factor guard: expected 403, got %d", rr.Code)
	}
}

func TestGuardNilEngine(t *testing.T) {
	h := middleware.Guard(nil, authgate.OneFactor)(http.NotFoundHandler())
	if rr := serve(h, "x", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithClient(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	req.Header.Set("User-Agent", "curl/8.0")

	ctx := middleware.WithClient(req)
	if ctx == req.Context() {
		t.Fatal("expected a derived context")
	}
}
