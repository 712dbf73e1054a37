// Package local implements ratelimit.Limiter for a single process: a
// per-domain golang.org/x/time/rate token bucket exposed through a
// non-blocking AcquireSlot/Decision contract instead of rate.Limiter's
// blocking Wait call.
package local

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlkit/core/internal/gate/ratelimit"
)

// Limiter is an in-process, per-domain token-bucket rate.Limiter.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs an empty Limiter; each domain's bucket is created lazily
// on first AcquireSlot call, sized from that call's qps argument.
func New() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// AcquireSlot implements ratelimit.Limiter. window is accepted for
// interface parity with the redis backend but unused here: a token bucket
// already approximates a sliding window of size 1/qps.
func (l *Limiter) AcquireSlot(_ context.Context, domain string, qps float64, _ time.Duration) (ratelimit.Decision, error) {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}

	l.mu.Lock()
	rl, ok := l.limiters[domain]
	if !ok {
		rl = rate.NewLimiter(limit, 1)
		l.limiters[domain] = rl
	} else if rl.Limit() != limit {
		rl.SetLimit(limit)
	}
	l.mu.Unlock()

	if rl.Allow() {
		return ratelimit.Decision{Ready: true}, nil
	}

	reservation := rl.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return ratelimit.Decision{Ready: false, WaitFor: delay}, nil
}
