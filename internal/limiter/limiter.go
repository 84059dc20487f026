package limiter

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/23skdu/ivfshard/internal/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	RPS   int `envconfig:"RATE_LIMIT_RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"RATE_LIMIT_BURST" default:"0"` // 0 means use RPS
}

// RateLimiter wraps the token bucket limiter
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

// Enabled reports whether requests are paced at all.
func (l *RateLimiter) Enabled() bool { return l.enabled }

// Wait blocks until the next request may run. A disabled limiter only
// reports cancellation of ctx. When the next token would arrive after the
// context deadline Wait fails immediately and the request counts as
// throttled.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return ctx.Err()
	}
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
		return err
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return nil
}
