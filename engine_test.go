package authgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/tracelog"
)

func TestFirstFactorSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sid := env.newSession(t)
	info, err := env.engine.SubmitFirstFactor(ctx, sid, "john", "password")
	if err != nil {
		t.Fatalf("SubmitFirstFactor failed: %v", err)
	}
	if info.Level != OneFactor {
		t.Fatalf("expected OneFactor, got %v", info.Level)
	}
	if info.Username != "john" || info.DisplayName != "John Doe" {
		t.Fatalf("unexpected identity: %+v", info)
	}
	if len(info.Groups) != 2 || info.Groups[0] != "admins" {
		t.Fatalf("expected groups to be loaded, got %v", info.Groups)
	}
	if len(info.Emails) != 1 || info.Emails[0] != "john@example.com" {
		t.Fatalf("expected emails to be loaded, got %v", info.Emails)
	}

	level, err := env.engine.Verify(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if level != OneFactor {
		t.Fatalf("expected stored level OneFactor, got %v", level)
	}
}

func TestFirstFactorRotatesSessionID(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sid := env.newSession(t)
	info, err := env.engine.SubmitFirstFactor(ctx, sid, "john", "password")
	if err != nil {
		t.Fatalf("SubmitFirstFactor failed: %v", err)
	}
	if info.SessionID == sid {
		t.Fatal("expected a new session id after the first factor")
	}
	if _, err := env.engine.Verify(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected pre-authentication session to be gone, got %v", err)
	}
}

func TestFirstFactorWithoutRotationKeepsID(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Builder) {
		c.Session.RotateOnFirstFactor = false
	})

	sid := env.newSession(t)
	info, err := env.engine.SubmitFirstFactor(context.Background(), sid, "john", "password")
	if err != nil {
		t.Fatalf("SubmitFirstFactor failed: %v", err)
	}
	if info.SessionID != sid {
		t.Fatalf("expected session id %q to be kept, got %q", sid, info.SessionID)
	}
}

func TestFirstFactorWrongPasswordRecordsTrace(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sid := env.newSession(t)
	_, err := env.engine.SubmitFirstFactor(ctx, sid, "john", "wrong")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if errors.Is(err, ErrRegulationLockout) {
		t.Fatal("a single failure must not be reported as a lockout")
	}

	level, err := env.engine.Verify(ctx, sid)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if level != NotAuthenticated {
		t.Fatalf("expected NotAuthenticated, got %v", level)
	}

	traces, err := env.engine.traceLog.Recent(ctx, "john", tracelog.FactorFirst, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(traces) != 1 || traces[0].Success {
		t.Fatalf("expected one failed trace, got %+v", traces)
	}
}

func TestFirstFactorUnknownUserLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.SubmitFirstFactor(context.Background(), env.newSession(t), "ghost", "password")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestFirstFactorRejectedForAuthenticatedSession(t *testing.T) {
	env := newTestEnv(t, nil)
	info := env.login(t, "john", "password")

	_, err := env.engine.SubmitFirstFactor(context.Background(), info.SessionID, "bob", "password")
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestRegulationLocksAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "bad")
		if !errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrRegulationLockout) {
			t.Fatalf("attempt %d: expected plain authentication failure, got %v", i+1, err)
		}
		env.clock.Advance(time.Second)
	}

	checks := env.creds.checkCount()
	_, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "password")
	if !errors.Is(err, ErrRegulationLockout) {
		t.Fatalf("expected ErrRegulationLockout, got %v", err)
	}
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatal("expected lockout to match ErrAuthenticationFailed")
	}
	if env.creds.checkCount() != checks {
		t.Fatal("expected a regulated attempt not to reach the credential store")
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricRegulated]; got != 1 {
		t.Fatalf("expected one regulated attempt, got %d", got)
	}

	// john is unaffected
	env.login(t, "john", "password")
}

func TestRegulationCoversUsernameAliases(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "bad")
		env.clock.Advance(time.Second)
	}

	checks := env.creds.checkCount()
	for _, alias := range []string{"Bob", "BOB", "bOb", "bob@example.com", "BOB@example.com"} {
		_, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), alias, "password")
		if !errors.Is(err, ErrRegulationLockout) {
			t.Fatalf("%s: expected ErrRegulationLockout, got %v", alias, err)
		}
	}
	if got := env.creds.checkCount() - checks; got != 0 {
		t.Fatalf("expected no alias to reach the credential store, got %d checks", got)
	}

	traces, err := env.engine.traceLog.Recent(ctx, "Bob", tracelog.FactorFirst, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(traces) != 0 {
		t.Fatalf("expected no traces under the typed alias, got %d", len(traces))
	}
}

func TestFirstFactorAliasLogsInAsCanonicalUser(t *testing.T) {
	env := newTestEnv(t, nil)

	info := env.login(t, "BOB@example.com", "password")
	if info.Username != "bob" {
		t.Fatalf("expected the canonical username, got %q", info.Username)
	}
}

func TestRegulationFoldsUnknownNames(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, name := range []string{"ghost", "Ghost", "GHOST"} {
		_, _ = env.engine.SubmitFirstFactor(ctx, env.newSession(t), name, "bad")
		env.clock.Advance(time.Second)
	}
	_, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "gHoSt", "bad")
	if !errors.Is(err, ErrRegulationLockout) {
		t.Fatalf("expected case variants of an unknown name to share a budget, got %v", err)
	}
}

func TestRegulationReleasesAfterWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "bad")
		env.clock.Advance(time.Second)
	}
	if _, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "password"); !errors.Is(err, ErrRegulationLockout) {
		t.Fatalf("expected lockout, got %v", err)
	}

	env.clock.Advance(6 * time.Minute)

	info, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "password")
	if err != nil {
		t.Fatalf("expected success after the window, got %v", err)
	}
	if info.Level != OneFactor {
		t.Fatalf("expected OneFactor, got %v", info.Level)
	}
}

func TestRegulationSuccessResetsStreak(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, pw := range []string{"bad", "bad", "password", "bad", "bad"} {
		_, _ = env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", pw)
		env.clock.Advance(time.Second)
	}

	if _, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "password"); err != nil {
		t.Fatalf("expected success while the last attempts include a success, got %v", err)
	}
}

func TestBackendUnavailableIsNotAFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.creds.setUnavailable(true)

	for i := 0; i < 5; i++ {
		_, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "bob", "password")
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("expected ErrBackendUnavailable, got %v", err)
		}
	}

	traces, err := env.engine.traceLog.Recent(ctx, "bob", tracelog.FactorFirst, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(traces) != 0 {
		t.Fatalf("expected no traces for unavailable backend, got %d", len(traces))
	}

	env.creds.setUnavailable(false)
	env.login(t, "bob", "password")
}

func TestSubmitTOTPRequiresFirstFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.seedTOTP(t, "john")

	_, err := env.engine.SubmitTOTP(context.Background(), env.newSession(t), code)
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestSubmitTOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	code := env.seedTOTP(t, "john")
	info := env.login(t, "john", "password")

	if _, err := env.engine.SubmitTOTP(ctx, info.SessionID, "000000"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed for a wrong code, got %v", err)
	}

	next, err := env.engine.SubmitTOTP(ctx, info.SessionID, code)
	if err != nil {
		t.Fatalf("SubmitTOTP failed: %v", err)
	}
	if next.Level != TwoFactor {
		t.Fatalf("expected TwoFactor, got %v", next.Level)
	}

	if _, err := env.engine.SubmitTOTP(ctx, info.SessionID, code); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed at TwoFactor, got %v", err)
	}
}

func TestSubmitTOTPWithoutRegistration(t *testing.T) {
	env := newTestEnv(t, nil)
	info := env.login(t, "john", "password")

	_, err := env.engine.SubmitTOTP(context.Background(), info.SessionID, "123456")
	if err == nil {
		t.Fatal("expected failure without a registered secret")
	}
	if errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("missing registration must not look like an outage: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sid := env.newSession(t)

	if err := env.engine.StartPasswordReset(ctx, sid, "john"); err != nil {
		t.Fatalf("StartPasswordReset failed: %v", err)
	}
	msg := env.notifier.wait(t)
	if msg.to != "john@example.com" {
		t.Fatalf("expected mail to john@example.com, got %q", msg.to)
	}
	token := linkToken(t, msg.link)

	info, err := env.engine.FinishPasswordReset(ctx, sid, token)
	if err != nil {
		t.Fatalf("FinishPasswordReset failed: %v", err)
	}
	if info.Capability == "" {
		t.Fatal("expected the session to carry the reset capability")
	}
	if info.Level != NotAuthenticated {
		t.Fatalf("identity validation must not raise the level, got %v", info.Level)
	}

	if err := env.engine.ResetPassword(ctx, sid, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := env.engine.ResetPassword(ctx, sid, "a-much-better-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if err := env.engine.ResetPassword(ctx, sid, "yet-another-password"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected the capability to be spent, got %v", err)
	}

	if _, err := env.engine.FinishPasswordReset(ctx, sid, token); !errors.Is(err, ErrIdentityValidationFailed) {
		t.Fatalf("expected replayed link to fail, got %v", err)
	}

	if _, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "john", "password"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}
	env.login(t, "john", "a-much-better-password")
}

func TestPasswordResetDropsUserSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	active := env.login(t, "john", "password")

	sid := env.newSession(t)
	if err := env.engine.StartPasswordReset(ctx, sid, "john"); err != nil {
		t.Fatalf("StartPasswordReset failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)
	if _, err := env.engine.FinishPasswordReset(ctx, sid, token); err != nil {
		t.Fatalf("FinishPasswordReset failed: %v", err)
	}
	if err := env.engine.ResetPassword(ctx, sid, "a-much-better-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := env.engine.Verify(ctx, active.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected existing sessions to be dropped, got %v", err)
	}
}

func TestResetPasswordConcurrentCallsSpendOneCapability(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sid := env.newSession(t)

	if err := env.engine.StartPasswordReset(ctx, sid, "john"); err != nil {
		t.Fatalf("StartPasswordReset failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)
	if _, err := env.engine.FinishPasswordReset(ctx, sid, token); err != nil {
		t.Fatalf("FinishPasswordReset failed: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.engine.ResetPassword(ctx, sid, "a-much-better-password")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrNotAllowed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one reset, got %d", got)
	}
	if got := env.creds.updateCount(); got != 1 {
		t.Fatalf("expected one password update, got %d", got)
	}
}

func TestResetPasswordOutageKeepsCapability(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sid := env.newSession(t)

	if err := env.engine.StartPasswordReset(ctx, sid, "john"); err != nil {
		t.Fatalf("StartPasswordReset failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)
	if _, err := env.engine.FinishPasswordReset(ctx, sid, token); err != nil {
		t.Fatalf("FinishPasswordReset failed: %v", err)
	}

	env.creds.setUnavailable(true)
	if err := env.engine.ResetPassword(ctx, sid, "a-much-better-password"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	env.creds.setUnavailable(false)

	if err := env.engine.ResetPassword(ctx, sid, "a-much-better-password"); err != nil {
		t.Fatalf("expected the capability to survive the outage, got %v", err)
	}
	env.login(t, "john", "a-much-better-password")
}

func TestPasswordResetUnknownUserIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sid := env.newSession(t)

	for _, username := range []string{"ghost", "nomail"} {
		if err := env.engine.StartPasswordReset(ctx, sid, username); err != nil {
			t.Fatalf("StartPasswordReset(%s) must not reveal anything, got %v", username, err)
		}
	}
	env.engine.background.Wait()

	select {
	case msg := <-env.notifier.ch:
		t.Fatalf("unexpected notification to %q", msg.to)
	default:
	}
}

func TestFinishPasswordResetRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.newSession(t)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := env.engine.FinishPasswordReset(context.Background(), sid, token); !errors.Is(err, ErrIdentityValidationFailed) {
			t.Fatalf("token %q: expected ErrIdentityValidationFailed, got %v", token, err)
		}
	}
}

func TestResetLinkCannotRegisterDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	info := env.loginTwoFactor(t, "john")

	if err := env.engine.StartPasswordReset(ctx, info.SessionID, "john"); err != nil {
		t.Fatalf("StartPasswordReset failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)

	_, err := env.engine.FinishDeviceRegistration(ctx, info.SessionID, DeviceTOTP, token)
	if !errors.Is(err, ErrIdentityValidationFailed) {
		t.Fatalf("expected action mismatch to fail, got %v", err)
	}
}

func TestIdentityValidationExpiredLink(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sid := env.newSession(t)

	if err := env.engine.StartPasswordReset(ctx, sid, "john"); err != nil {
		t.Fatalf("StartPasswordReset failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)

	env.clock.Advance(6 * time.Minute)
	if _, err := env.engine.FinishPasswordReset(ctx, sid, token); !errors.Is(err, ErrIdentityValidationFailed) {
		t.Fatalf("expected expired link to fail, got %v", err)
	}
}

func TestDeviceRegistrationRequiresTwoFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	info := env.login(t, "john", "password")

	err := env.engine.StartDeviceRegistration(context.Background(), info.SessionID, DeviceTOTP)
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestDeviceRegistrationRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t, nil)
	info := env.loginTwoFactor(t, "john")

	err := env.engine.StartDeviceRegistration(context.Background(), info.SessionID, DeviceKind("sms"))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTOTPRegistration(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	info := env.loginTwoFactor(t, "john")
	old, err := env.sf.LoadTOTP(ctx, "john")
	if err != nil {
		t.Fatalf("LoadTOTP failed: %v", err)
	}

	if err := env.engine.StartDeviceRegistration(ctx, info.SessionID, DeviceTOTP); err != nil {
		t.Fatalf("StartDeviceRegistration failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)

	reg, err := env.engine.FinishDeviceRegistration(ctx, info.SessionID, DeviceTOTP, token)
	if err != nil {
		t.Fatalf("FinishDeviceRegistration failed: %v", err)
	}
	if reg.Kind != DeviceTOTP || reg.Secret == "" || reg.ProvisioningURI == "" {
		t.Fatalf("unexpected registration: %+v", reg)
	}

	stored, err := env.sf.LoadTOTP(ctx, "john")
	if err != nil {
		t.Fatalf("LoadTOTP failed: %v", err)
	}
	if stored.Secret != reg.Secret || stored.Secret == old.Secret {
		t.Fatal("expected the new secret to replace the old one")
	}

	current, err := env.engine.SessionInfo(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("SessionInfo failed: %v", err)
	}
	if current.Capability != "" {
		t.Fatalf("expected capability to be consumed, got %q", current.Capability)
	}

	if _, err := env.engine.FinishDeviceRegistration(ctx, info.SessionID, DeviceTOTP, token); !errors.Is(err, ErrIdentityValidationFailed) {
		t.Fatalf("expected replay to fail, got %v", err)
	}

	// the new secret authenticates a fresh login
	next := env.login(t, "john", "password")
	if _, err := env.engine.SubmitTOTP(ctx, next.SessionID, env.totpCode(t, reg.Secret)); err != nil {
		t.Fatalf("SubmitTOTP with the new secret failed: %v", err)
	}
}

func TestWebAuthnRegistrationAndAssertion(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	info := env.loginTwoFactor(t, "john")

	if err := env.engine.StartDeviceRegistration(ctx, info.SessionID, DeviceWebAuthn); err != nil {
		t.Fatalf("StartDeviceRegistration failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)

	reg, err := env.engine.FinishDeviceRegistration(ctx, info.SessionID, DeviceWebAuthn, token)
	if err != nil {
		t.Fatalf("FinishDeviceRegistration failed: %v", err)
	}
	if len(reg.AttestationOptions) == 0 {
		t.Fatal("expected attestation options")
	}
	if err := env.engine.CompleteWebAuthnRegistration(ctx, info.SessionID, []byte("valid-attestation"), "yubikey"); err != nil {
		t.Fatalf("CompleteWebAuthnRegistration failed: %v", err)
	}

	devices, err := env.sf.LoadWebAuthnDevices(ctx, "john", "auth.example.com")
	if err != nil {
		t.Fatalf("LoadWebAuthnDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Description != "yubikey" {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	next := env.login(t, "john", "password")
	options, err := env.engine.StartWebAuthnSignRequest(ctx, next.SessionID)
	if err != nil {
		t.Fatalf("StartWebAuthnSignRequest failed: %v", err)
	}
	if len(options) == 0 {
		t.Fatal("expected assertion options")
	}
	pending, err := env.engine.SessionInfo(ctx, next.SessionID)
	if err != nil {
		t.Fatalf("SessionInfo failed: %v", err)
	}
	if !pending.PendingChallenge {
		t.Fatal("expected a pending challenge")
	}

	done, err := env.engine.SubmitWebAuthn(ctx, next.SessionID, []byte("valid-assertion"))
	if err != nil {
		t.Fatalf("SubmitWebAuthn failed: %v", err)
	}
	if done.Level != TwoFactor || done.PendingChallenge {
		t.Fatalf("expected TwoFactor without a challenge, got %+v", done)
	}

	devices, err = env.sf.LoadWebAuthnDevices(ctx, "john", "auth.example.com")
	if err != nil {
		t.Fatalf("LoadWebAuthnDevices failed: %v", err)
	}
	if devices[0].SignCount != 1 {
		t.Fatalf("expected sign count 1, got %d", devices[0].SignCount)
	}
}

func TestWebAuthnRegistrationInvalidAttestationSpendsCapability(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	info := env.loginTwoFactor(t, "john")

	if err := env.engine.StartDeviceRegistration(ctx, info.SessionID, DeviceWebAuthn); err != nil {
		t.Fatalf("StartDeviceRegistration failed: %v", err)
	}
	token := linkToken(t, env.notifier.wait(t).link)
	if _, err := env.engine.FinishDeviceRegistration(ctx, info.SessionID, DeviceWebAuthn, token); err != nil {
		t.Fatalf("FinishDeviceRegistration failed: %v", err)
	}

	err := env.engine.CompleteWebAuthnRegistration(ctx, info.SessionID, []byte("forged"), "")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	err = env.engine.CompleteWebAuthnRegistration(ctx, info.SessionID, []byte("valid-attestation"), "")
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected the capability to be spent, got %v", err)
	}
}

func TestSubmitWebAuthnWithoutChallenge(t *testing.T) {
	env := newTestEnv(t, nil)
	info := env.login(t, "john", "password")

	_, err := env.engine.SubmitWebAuthn(context.Background(), info.SessionID, []byte("valid-assertion"))
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestStartWebAuthnSignRequestWithoutDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	info := env.login(t, "john", "password")

	_, err := env.engine.StartWebAuthnSignRequest(context.Background(), info.SessionID)
	if !errors.Is(err, ErrSecondFactorNotConfigured) {
		t.Fatalf("expected ErrSecondFactorNotConfigured, got %v", err)
	}
}

func TestPreferredMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	info := env.login(t, "john", "password")

	m, err := env.engine.PreferredMethod(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("PreferredMethod failed: %v", err)
	}
	if m != "" {
		t.Fatalf("expected no method without registrations, got %q", m)
	}

	env.seedTOTP(t, "john")
	if m, _ = env.engine.PreferredMethod(ctx, info.SessionID); m != secondfactor.MethodTOTP {
		t.Fatalf("expected fallback to totp, got %q", m)
	}

	if err := env.engine.SetPreferredMethod(ctx, info.SessionID, secondfactor.MethodWebAuthn); err != nil {
		t.Fatalf("SetPreferredMethod failed: %v", err)
	}
	if m, _ = env.engine.PreferredMethod(ctx, info.SessionID); m != secondfactor.MethodWebAuthn {
		t.Fatalf("expected stored preference, got %q", m)
	}

	if err := env.engine.SetPreferredMethod(ctx, info.SessionID, secondfactor.Method("sms")); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := env.engine.SetPreferredMethod(ctx, env.newSession(t), secondfactor.MethodTOTP); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed for an anonymous session, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	info := env.loginTwoFactor(t, "john")

	out, err := env.engine.Logout(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if out.Level != NotAuthenticated || out.Username != "" {
		t.Fatalf("expected an anonymous session, got %+v", out)
	}

	level, err := env.engine.Verify(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if level != NotAuthenticated {
		t.Fatalf("expected NotAuthenticated, got %v", level)
	}
}

func TestLogoutAll(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.login(t, "john", "password")
	second := env.login(t, "john", "password")
	other := env.login(t, "bob", "password")

	n, err := env.engine.LogoutAll(ctx, "john")
	if err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions removed, got %d", n)
	}
	for _, sid := range []string{first.SessionID, second.SessionID} {
		if _, err := env.engine.Verify(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected %s to be gone, got %v", sid, err)
		}
	}
	if _, err := env.engine.Verify(ctx, other.SessionID); err != nil {
		t.Fatalf("expected bob's session to survive, got %v", err)
	}
}

func TestSetRedirectionTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sid := env.newSession(t)

	rejected := []string{
		"http://app.example.com/",
		"https://evil.com/",
		"https://example.com.evil.com/",
		"https://user@app.example.com/",
		"/relative",
	}
	for _, target := range rejected {
		if err := env.engine.SetRedirectionTarget(ctx, sid, target); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("target %q: expected ErrNotAllowed, got %v", target, err)
		}
	}

	if err := env.engine.SetRedirectionTarget(ctx, sid, "https://app.example.com/home"); err != nil {
		t.Fatalf("SetRedirectionTarget failed: %v", err)
	}
	info, err := env.engine.SessionInfo(ctx, sid)
	if err != nil {
		t.Fatalf("SessionInfo failed: %v", err)
	}
	if info.RedirectionTarget != "https://app.example.com/home" {
		t.Fatalf("unexpected redirection target %q", info.RedirectionTarget)
	}
}

func TestVerifyUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, sid := range []string{"", "not-a-session", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		if _, err := env.engine.Verify(context.Background(), sid); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("session %q: expected ErrSessionNotFound, got %v", sid, err)
		}
	}
}

func TestHealthAndSecurityReport(t *testing.T) {
	env := newTestEnv(t, nil)

	health := env.engine.Health(context.Background())
	if !health.RedisAvailable {
		t.Fatal("expected redis to be available")
	}

	report := env.engine.SecurityReport()
	if report.LinkSigningMethod != "hs256" || !report.LinksOverHTTPS || !report.WebAuthnEnabled {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Warnings) == 0 {
		t.Fatal("expected a warning for symmetric link signing")
	}
}

func TestZeroEngineNotReady(t *testing.T) {
	var e Engine
	if _, err := e.NewSession(context.Background()); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}
