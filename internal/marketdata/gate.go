package marketdata

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces the minimum inter-request delay against the remote API. One
// Gate instance is shared by every component that talks to the API, so the
// pacing holds process-wide regardless of worker count.
type Gate interface {
	// Wait blocks until the next request is allowed or ctx is done.
	Wait(ctx context.Context) error
}

type limiterGate struct {
	limiter *rate.Limiter
}

// NewGate returns a Gate that allows one request per minDelay with no burst
// beyond the first request.
func NewGate(minDelay time.Duration) Gate {
	if minDelay <= 0 {
		return NopGate{}
	}
	return &limiterGate{
		limiter: rate.NewLimiter(rate.Every(minDelay), 1),
	}
}

// Wait implements Gate.
func (g *limiterGate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// NopGate is a Gate that never waits. Used in tests and for backends without
// pacing requirements.
type NopGate struct{}

// Wait implements Gate.
func (NopGate) Wait(ctx context.Context) error {
	return ctx.Err()
}
