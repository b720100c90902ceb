package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/tracelog"
	"go.uber.org/zap"
)

const (
	defaultRegulatorMaxAttempts = 3
	defaultRegulatorWindow      = 5 * time.Minute
	recordTimeout               = 2 * time.Second
)

var (
	// ErrRegulated means the pair is locked out and the attempt was not evaluated.
	ErrRegulated = errors.New("authentication regulated")
	// ErrRegulatorUnavailable means the trace log could not be read.
	ErrRegulatorUnavailable = errors.New("regulator unavailable")
)

// RegulatorConfig configures brute-force regulation.
//
// A (username, factor) pair is locked while its MaxAttempts most recent traces
// inside the trailing Window are all failures. The lock lifts on its own once the
// oldest of those failures leaves the window; a single success clears it at once.
type RegulatorConfig struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
	// IsTransient reports verify errors that say nothing about the credential.
	// Such attempts are not recorded. Context errors are always transient.
	IsTransient func(error) bool
}

// Regulator decides whether an authentication attempt may proceed and records
// its outcome in the trace log.
type Regulator struct {
	log    tracelog.Log
	config RegulatorConfig
	logger *zap.Logger
	locks  *keyLocks
}

// NewRegulator builds a Regulator over log. Zero-value fields in cfg fall back to
// defaults (3 attempts / 5 minutes).
func NewRegulator(log tracelog.Log, cfg RegulatorConfig, logger *zap.Logger) *Regulator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultRegulatorMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultRegulatorWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Regulator{log: log, config: cfg, logger: logger, locks: newKeyLocks()}
}

// Config returns the effective configuration.
func (r *Regulator) Config() RegulatorConfig {
	return r.config
}

// IsAllowed reports whether a new attempt for the pair may proceed. A trace log
// that cannot be read fails closed with ErrRegulatorUnavailable.
func (r *Regulator) IsAllowed(ctx context.Context, username string, factor tracelog.FactorType) (bool, error) {
	if r == nil || !r.config.Enabled {
		return true, nil
	}

	since := r.config.Now().Add(-r.config.Window)
	traces, err := r.log.Recent(ctx, username, factor, since, r.config.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRegulatorUnavailable, err)
	}
	if len(traces) < r.config.MaxAttempts {
		return true, nil
	}
	for _, t := range traces {
		if t.Success {
			return true, nil
		}
	}
	return false, nil
}

// Record appends the outcome of an attempt. Storage errors are logged and
// swallowed so that they never fail the request being recorded.
func (r *Regulator) Record(ctx context.Context, username string, factor tracelog.FactorType, success bool) {
	if r == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := r.log.Append(ctx, tracelog.Trace{
		Username: username,
		Factor:   factor,
		Time:     r.config.Now(),
		Success:  success,
	})
	if err != nil {
		r.logger.Error("unable to record authentication trace",
			zap.String("username", username),
			zap.String("factor", string(factor)),
			zap.Bool("success", success),
			zap.Error(err),
		)
	}
}

// Attempt runs verify under the pair's regulation. The check, the verification
// and the record happen under one lock per (username, factor) pair so
// concurrent attempts cannot both pass on a stale view; other pairs never
// wait on it. Waiting for the lock gives up with the context error once ctx
// is done. A locked pair returns ErrRegulated without calling verify and
// without recording anything.
func (r *Regulator) Attempt(
	ctx context.Context,
	username string,
	factor tracelog.FactorType,
	verify func(context.Context) error,
) error {
	if r == nil {
		return verify(ctx)
	}

	unlock, err := r.locks.acquire(ctx, username+"\x00"+string(factor))
	if err != nil {
		return err
	}
	defer unlock()

	allowed, err := r.IsAllowed(ctx, username, factor)
	if err != nil {
		return err
	}
	if !allowed {
		r.logger.Info("authentication attempt regulated",
			zap.String("username", username),
			zap.String("factor", string(factor)),
		)
		return ErrRegulated
	}

	err = verify(ctx)
	if err != nil && r.transient(err) {
		return err
	}

	r.Record(ctx, username, factor, err == nil)
	return err
}

func (r *Regulator) transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return r.config.IsTransient != nil && r.config.IsTransient(err)
}

// Prune drops traces older than retention. Retention is never shorter than the
// regulation window.
func (r *Regulator) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if r == nil {
		return 0, nil
	}
	if retention < r.config.Window {
		retention = r.config.Window
	}
	return r.log.Prune(ctx, r.config.Now().Add(-retention))
}

// StartPruner prunes on every tick until ctx is done.
func (r *Regulator) StartPruner(ctx context.Context, interval, retention time.Duration) {
	if r == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.Prune(ctx, retention)
				if err != nil {
					r.logger.Warn("authentication trace pruning failed", zap.Error(err))
					continue
				}
				if n > 0 {
					r.logger.Debug("authentication traces pruned", zap.Int64("removed", n))
				}
			}
		}
	}()
}
