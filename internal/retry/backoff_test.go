package retry

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 100 * time.Millisecond, Max: 1 * time.Second, MaxAttempts: 5}

	prev := time.Duration(0)
	for attempt := 0; attempt < 3; attempt++ {
		d := p.Backoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: expected positive backoff, got %v", attempt, d)
		}
		if d < prev/2 {
			t.Fatalf("attempt %d: backoff %v unexpectedly smaller than previous %v", attempt, d, prev)
		}
		prev = d
	}

	// At a high attempt count, delay must never exceed Max (half the cap
	// plus up to half the cap of jitter).
	d := p.Backoff(20)
	if d > p.Max {
		t.Fatalf("expected capped backoff <= %v, got %v", p.Max, d)
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	p := Policy{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Fatal("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("attempt 3 of 3 should be exhausted")
	}
}
