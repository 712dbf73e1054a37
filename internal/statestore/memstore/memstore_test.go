package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crawlkit/core/internal/statestore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestInsertPendingNoOpsOnExistingRecord(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	inserted, err := s.InsertPending(ctx, "hash1", "https://example.com/a", "example.com")
	if err != nil || !inserted {
		t.Fatalf("expected first insert to succeed, inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.InsertPending(ctx, "hash1", "https://example.com/a", "example.com")
	if err != nil || inserted {
		t.Fatalf("expected second insert to no-op, inserted=%v err=%v", inserted, err)
	}

	rec, ok, err := s.Get(ctx, "hash1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.State != statestore.StatePending {
		t.Fatalf("expected pending state, got %s", rec.State)
	}
}

func TestTryAcquireGrantsExactlyOneWinner(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var acquired int32
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outcome, _, err := s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-x", time.Minute)
			if err != nil {
				t.Errorf("tryacquire: %v", err)
				return
			}
			if outcome == statestore.Acquired {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d", acquired)
	}
}

func TestTryAcquireReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	outcome, _, err := s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-a", time.Minute)
	if err != nil || outcome != statestore.Acquired {
		t.Fatalf("expected initial acquire, got %v err=%v", outcome, err)
	}

	outcome, _, err = s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-b", time.Minute)
	if err != nil || outcome != statestore.AlreadyHeld {
		t.Fatalf("expected already held before expiry, got %v err=%v", outcome, err)
	}

	clk.Advance(2 * time.Minute)

	outcome, rec, err := s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("tryacquire after expiry: %v", err)
	}
	if outcome != statestore.Acquired {
		t.Fatalf("expected reclaim after lease expiry, got %v", outcome)
	}
	if rec.OwnerID != "worker-b" {
		t.Fatalf("expected new owner worker-b, got %s", rec.OwnerID)
	}
}

func TestCompleteTerminalStatesAreSticky(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	_, _, _ = s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-a", time.Minute)
	if err := s.Complete(ctx, "hash1", "worker-a", statestore.Success{
		RawLocation: "blob://x",
		ContentHash: "abc",
		CrawledAt:   clk.Now(),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	outcome, _, err := s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("tryacquire after done: %v", err)
	}
	if outcome != statestore.Terminal {
		t.Fatalf("expected terminal outcome for done record, got %v", outcome)
	}
}

func TestScheduleRetryFailsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	for i := 0; i <= statestore.MaxRetries; i++ {
		outcome, _, err := s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-a", time.Minute)
		if err != nil || outcome == statestore.Terminal {
			if i <= statestore.MaxRetries {
				t.Fatalf("attempt %d: unexpected terminal/err before exhaustion: outcome=%v err=%v", i, outcome, err)
			}
		}
		if err := s.ScheduleRetry(ctx, "hash1", "worker-a", "transient failure"); err != nil {
			t.Fatalf("attempt %d: scheduleretry: %v", i, err)
		}
	}

	rec, ok, err := s.Get(ctx, "hash1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.State != statestore.StateFailed {
		t.Fatalf("expected failed after exceeding max retries, got %s", rec.State)
	}
}

func TestRenewLeaseLostWhenNotOwner(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	_, _, _ = s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-a", time.Minute)

	outcome, err := s.RenewLease(ctx, "hash1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if outcome != statestore.Lost {
		t.Fatalf("expected Lost for non-owner renew, got %v", outcome)
	}

	outcome, err = s.RenewLease(ctx, "hash1", "worker-a", time.Minute)
	if err != nil || outcome != statestore.Renewed {
		t.Fatalf("expected Renewed for owner, got %v err=%v", outcome, err)
	}
}

func TestReclaimExpiredMovesBackToPending(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	s := New(clk)
	ctx := context.Background()

	_, _, _ = s.TryAcquire(ctx, "hash1", "https://example.com/a", "example.com", "worker-a", time.Minute)
	clk.Advance(2 * time.Minute)

	n, err := s.ReclaimExpired(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	rec, ok, err := s.Get(ctx, "hash1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.State != statestore.StatePending {
		t.Fatalf("expected pending after reclaim, got %s", rec.State)
	}
}
