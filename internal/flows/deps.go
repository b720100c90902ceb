package flows

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Deps groups flow dependency sets. Root engine builds this once and delegates
// request methods to the matching flow implementation.
type Deps struct {
	FirstFactor        FirstFactorDeps
	SecondFactor       SecondFactorDeps
	IdentityValidation IdentityValidationDeps
	Logout             LogoutDeps
}

// AuditFunc emits one audit event. metadata is only called when the event is
// actually recorded.
type AuditFunc func(ctx context.Context, event string, success bool, username, sessionID string, err error, metadata func() map[string]string)

func noopAudit(context.Context, string, bool, string, string, error, func() map[string]string) {}

func noopMetric(int) {}

func defaultLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func defaultNow(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func never(error) bool { return false }
