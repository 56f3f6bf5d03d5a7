package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles inbound frames of one connection. Only the
// connection's read pump touches it.
type rateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// newRateLimiter allows bursts of cfg.Burst frames, refilled evenly over
// cfg.RefillInterval.
func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst),
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.AllowN(rl.now(), 1)
}
