package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultRequestsPerMinute = 300

// RateGate holds one token bucket per organization. The bucket refills at
// perMinute/60 tokens per second with a burst of one, so no rolling minute
// ever sees more than perMinute requests.
type RateGate struct {
	perMinute int

	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	blockedUntil map[string]time.Time
}

func NewRateGate(perMinute int) *RateGate {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	return &RateGate{
		perMinute:    perMinute,
		limiters:     map[string]*rate.Limiter{},
		blockedUntil: map[string]time.Time{},
	}
}

func (g *RateGate) PerMinute() int {
	return g.perMinute
}

func (g *RateGate) Wait(ctx context.Context, org string) error {
	for {
		g.mu.Lock()
		until := g.blockedUntil[org]
		g.mu.Unlock()
		delay := time.Until(until)
		if delay <= 0 {
			break
		}
		if err := waitWithContext(ctx, delay); err != nil {
			return err
		}
	}
	if err := g.limiter(org).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// the limiter refuses up front when the next token lands after the
		// deadline
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// Penalize holds back every request for org until d has elapsed, in response
// to the provider reporting that the ceiling was hit.
func (g *RateGate) Penalize(org string, d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(g.blockedUntil[org]) {
		g.blockedUntil[org] = until
	}
}

func (g *RateGate) limiter(org string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[org]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.perMinute)/60.0), 1)
		g.limiters[org] = lim
	}
	return lim
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
