package authgate

import (
	"bytes"
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authgate/credentials"
	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/webauthn"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeUser struct {
	password    string
	displayName string
	emails      []string
	groups      []string
}

// fakeCredentials is an in-memory credentials.Store. Like a directory it
// matches a username or mail address without regard to case.
type fakeCredentials struct {
	mu          sync.Mutex
	users       map[string]*fakeUser
	checks      int
	updates     int
	unavailable bool
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{users: map[string]*fakeUser{
		"john": {password: "password", displayName: "John Doe", emails: []string{"john@example.com"}, groups: []string{"admins", "dev"}},
		"bob":  {password: "password", displayName: "Bob Dylan", emails: []string{"bob@example.com"}, groups: []string{"dev"}},
		"nomail": {password: "password"},
	}}
}

// resolveLocked must be called with f.mu held.
func (f *fakeCredentials) resolveLocked(input string) (string, *fakeUser, bool) {
	for name, u := range f.users {
		if strings.EqualFold(name, input) {
			return name, u, true
		}
		for _, e := range u.emails {
			if strings.EqualFold(e, input) {
				return name, u, true
			}
		}
	}
	return "", nil, false
}

func (f *fakeCredentials) ResolveUsername(_ context.Context, input string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return "", credentials.ErrBackendUnavailable
	}
	name, _, ok := f.resolveLocked(input)
	if !ok {
		return "", credentials.ErrNotFound
	}
	return name, nil
}

func (f *fakeCredentials) CheckPassword(_ context.Context, input, password string) (*credentials.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.unavailable {
		return nil, credentials.ErrBackendUnavailable
	}
	username, u, ok := f.resolveLocked(input)
	if !ok {
		return nil, credentials.ErrNotFound
	}
	if u.password != password {
		return nil, credentials.ErrBadCredential
	}
	return &credentials.Details{
		Username:    username,
		DisplayName: u.displayName,
		Emails:      append([]string(nil), u.emails...),
		Groups:      append([]string(nil), u.groups...),
	}, nil
}

func (f *fakeCredentials) GetEmails(_ context.Context, username string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, credentials.ErrNotFound
	}
	if len(u.emails) == 0 {
		return nil, credentials.ErrNoEmail
	}
	return append([]string(nil), u.emails...), nil
}

func (f *fakeCredentials) GetGroups(_ context.Context, username string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, credentials.ErrNotFound
	}
	return append([]string{}, u.groups...), nil
}

func (f *fakeCredentials) UpdatePassword(_ context.Context, username, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.unavailable {
		return credentials.ErrBackendUnavailable
	}
	u, ok := f.users[username]
	if !ok {
		return credentials.ErrNotFound
	}
	u.password = newPassword
	return nil
}

func (f *fakeCredentials) Close() error { return nil }

func (f *fakeCredentials) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeCredentials) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *fakeCredentials) setUnavailable(v bool) {
	f.mu.Lock()
	f.unavailable = v
	f.mu.Unlock()
}

type notification struct {
	to      string
	subject string
	link    string
}

type captureNotifier struct {
	ch chan notification
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{ch: make(chan notification, 16)}
}

func (n *captureNotifier) Notify(_ context.Context, to, subject, link string) error {
	n.ch <- notification{to: to, subject: subject, link: link}
	return nil
}

func (n *captureNotifier) wait(t *testing.T) notification {
	t.Helper()
	select {
	case msg := <-n.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return notification{}
	}
}

func linkToken(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("unable to parse link %q: %v", link, err)
	}
	tok := u.Query().Get("token")
	if tok == "" {
		t.Fatalf("link %q carries no token", link)
	}
	return tok
}

// fakeVerifier accepts the literal responses "valid-attestation" and
// "valid-assertion".
type fakeVerifier struct {
	clock *testClock
}

func (v *fakeVerifier) RPID() string { return "auth.example.com" }

func (v *fakeVerifier) BeginAttestation(u webauthn.User) (*webauthn.Ceremony, error) {
	return &webauthn.Ceremony{
		Options:   []byte(`{"publicKey":{"rp":{"id":"auth.example.com"}}}`),
		State:     []byte("attest:" + u.Username),
		ExpiresAt: v.clock.Now().Add(time.Minute),
	}, nil
}

func (v *fakeVerifier) FinishAttestation(u webauthn.User, state, response []byte) (*webauthn.Credential, error) {
	if string(state) != "attest:"+u.Username || string(response) != "valid-attestation" {
		return nil, webauthn.ErrInvalidResponse
	}
	return &webauthn.Credential{ID: []byte("cred-" + u.Username), PublicKey: []byte("public-key"), AttestationType: "none"}, nil
}

func (v *fakeVerifier) BeginAssertion(u webauthn.User) (*webauthn.Ceremony, error) {
	if len(u.Devices) == 0 {
		return nil, webauthn.ErrNoDevices
	}
	return &webauthn.Ceremony{
		Options:   []byte(`{"publicKey":{"rpId":"auth.example.com"}}`),
		State:     []byte("assert:" + u.Username),
		ExpiresAt: v.clock.Now().Add(time.Minute),
	}, nil
}

func (v *fakeVerifier) FinishAssertion(u webauthn.User, state, response []byte) (*webauthn.Credential, error) {
	if string(state) != "assert:"+u.Username || string(response) != "valid-assertion" {
		return nil, webauthn.ErrInvalidResponse
	}
	for _, d := range u.Devices {
		if bytes.Equal(d.CredentialID, []byte("cred-"+u.Username)) {
			return &webauthn.Credential{ID: d.CredentialID, PublicKey: d.PublicKey, SignCount: d.SignCount + 1}, nil
		}
	}
	return nil, webauthn.ErrInvalidResponse
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdentityValidation.BaseURL = "https://auth.example.com"
	cfg.IdentityValidation.EnumerationDelayMin = 0
	cfg.IdentityValidation.EnumerationDelayMax = 0
	cfg.IdentityValidation.PerSecond = 100
	cfg.IdentityValidation.Burst = 100
	cfg.IdentityValidation.WindowMax = 100
	cfg.Link.SigningMethod = "hs256"
	cfg.Link.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Hashing.Rounds = 1000
	cfg.Session.SafeRedirectionDomain = "example.com"
	cfg.Metrics.Enabled = true
	return cfg
}

type testEnv struct {
	engine   *Engine
	creds    *fakeCredentials
	notifier *captureNotifier
	sf       *secondfactor.SQLiteStore
	clock    *testClock
	mr       *miniredis.Miniredis
}

func newTestEnv(t testing.TB, mutate func(*Config, *Builder)) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	sf, err := secondfactor.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "secondfactor.db"))
	if err != nil {
		mr.Close()
		t.Fatalf("OpenSQLite failed: %v", err)
	}

	env := &testEnv{
		creds:    newFakeCredentials(),
		notifier: newCaptureNotifier(),
		sf:       sf,
		clock:    newTestClock(),
		mr:       mr,
	}

	cfg := testConfig()
	b := New().
		WithRedis(rdb).
		WithCredentialStore(env.creds).
		WithSecondFactorStore(sf).
		WithNotifier(env.notifier).
		WithWebAuthnVerifier(&fakeVerifier{clock: env.clock}).
		WithClock(env.clock.Now)
	if mutate != nil {
		mutate(&cfg, b)
	}
	b.WithConfig(cfg)

	engine, err := b.Build()
	if err != nil {
		_ = sf.Close()
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	env.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = sf.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return env
}

func (env *testEnv) newSession(t testing.TB) string {
	t.Helper()
	sid, err := env.engine.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return sid
}

func (env *testEnv) login(t *testing.T, username, password string) SessionInfo {
	t.Helper()
	info, err := env.engine.SubmitFirstFactor(context.Background(), env.newSession(t), username, password)
	if err != nil {
		t.Fatalf("SubmitFirstFactor(%s) failed: %v", username, err)
	}
	return info
}

// seedTOTP stores a known secret for username and returns a code valid now.
func (env *testEnv) seedTOTP(t *testing.T, username string) string {
	t.Helper()
	cfg := secondfactor.TOTPConfig{
		Username:  username,
		Secret:    rfcSecret("12345678901234567890"),
		Algorithm: "SHA1",
		Digits:    6,
		Period:    30,
		CreatedAt: env.clock.Now(),
	}
	if err := env.sf.SaveTOTP(context.Background(), cfg); err != nil {
		t.Fatalf("SaveTOTP failed: %v", err)
	}
	return env.totpCode(t, cfg.Secret)
}

func (env *testEnv) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totpCodeAt(secret, env.clock.Now())
	if err != nil {
		t.Fatalf("unable to compute totp code: %v", err)
	}
	return code
}

func (env *testEnv) loginTwoFactor(t *testing.T, username string) SessionInfo {
	t.Helper()
	code := env.seedTOTP(t, username)
	info := env.login(t, username, "password")
	info, err := env.engine.SubmitTOTP(context.Background(), info.SessionID, code)
	if err != nil {
		t.Fatalf("SubmitTOTP failed: %v", err)
	}
	return info
}
