package limiters

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/redis/go-redis/v9"
)

// IdentityValidationConfig caps how often one identity may be sent a
// validation link.
type IdentityValidationConfig struct {
	// PerSecond and Burst shape the in-process token bucket.
	PerSecond float64
	Burst     int
	// WindowMax starts per Window are allowed across all replicas sharing Redis.
	WindowMax int
	Window    time.Duration
}

// DefaultIdentityValidationConfig allows a burst of 3 then one start per
// minute locally, and 10 per hour cluster wide.
func DefaultIdentityValidationConfig() IdentityValidationConfig {
	return IdentityValidationConfig{
		PerSecond: 1.0 / 60,
		Burst:     3,
		WindowMax: 10,
		Window:    time.Hour,
	}
}

// IdentityValidationLimiter throttles identity-validation starts per identity.
type IdentityValidationLimiter struct {
	local  *rate.MapLimiter
	shared *rate.WindowLimiter
	now    func() time.Time
	logger *zap.Logger
}

// NewIdentityValidationLimiter builds the limiter. redisClient may be nil, in
// which case only the local bucket applies.
func NewIdentityValidationLimiter(redisClient redis.UniversalClient, cfg IdentityValidationConfig, logger *zap.Logger) *IdentityValidationLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityValidationLimiter{
		local:  rate.NewMapLimiter(cfg.PerSecond, cfg.Burst, 2*time.Hour),
		shared: rate.NewWindowLimiter(redisClient, "aivl", cfg.WindowMax, cfg.Window),
		now:    time.Now,
		logger: logger,
	}
}

// Allow reports whether identity may start another validation now. A shared
// counter that cannot be reached denies the start.
func (l *IdentityValidationLimiter) Allow(ctx context.Context, identity string) bool {
	if l == nil {
		return true
	}
	if !l.local.Allow(identity, l.now()) {
		return false
	}
	if err := l.shared.Allow(ctx, identity); err != nil {
		if !errors.Is(err, rate.ErrRateLimited) {
			l.logger.Warn("identity validation limiter unavailable", zap.Error(err))
		}
		return false
	}
	return true
}
