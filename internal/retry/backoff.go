// Package retry supplies a reusable backoff-with-jitter helper. The
// indexer's bulk-ingest loop retries through it; the state store, queue,
// blob store, and embedding call sites do not use it. Policy is a plain
// value so call sites can share one retry shape instead of each rolling
// its own loop.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Policy describes an exponential backoff with jitter: base * 2^attempt,
// capped at max, with up to half the delay added back as jitter.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxAttempts int
}

// DefaultPolicy implements base * 2^attempt backoff, capped at Max.
func DefaultPolicy() Policy {
	return Policy{
		Base:        250 * time.Millisecond,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Backoff returns the wait duration before retrying the given attempt
// (0-indexed: the delay before the first retry is Backoff(0)).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	half := delay / 2
	return time.Duration(half) + jitter(time.Duration(half))
}

// Exhausted reports whether attempt has used up the policy's retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
