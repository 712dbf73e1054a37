package memqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crawlkit/core/internal/queue"
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

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	q := New(clk, time.Minute, nil)
	ctx := context.Background()

	if err := q.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Body) != "hello" {
		t.Fatalf("expected hello, got %s", d.Body)
	}
	if d.DeliveryCount != 1 {
		t.Fatalf("expected delivery count 1, got %d", d.DeliveryCount)
	}
	if err := q.Ack(ctx, d.ReceiptHandle); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if q.ApproxDepth() != 0 {
		t.Fatalf("expected empty queue after ack, got depth %d", q.ApproxDepth())
	}
}

func TestNackRedeliversImmediately(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	q := New(clk, time.Minute, nil)
	ctx := context.Background()

	_ = q.Publish(ctx, []byte("msg"))
	first, _ := q.Receive(ctx)
	if err := q.Nack(ctx, first.ReceiptHandle); err != nil {
		t.Fatalf("nack: %v", err)
	}
	second, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive after nack: %v", err)
	}
	if second.DeliveryCount != 2 {
		t.Fatalf("expected delivery count 2 after nack, got %d", second.DeliveryCount)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	q := New(clk, 10*time.Second, nil)
	ctx := context.Background()

	_ = q.Publish(ctx, []byte("msg"))
	if _, err := q.Receive(ctx); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	clk.Advance(11 * time.Second)

	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive after expiry: %v", err)
	}
	if d.DeliveryCount != 2 {
		t.Fatalf("expected redelivery count 2, got %d", d.DeliveryCount)
	}
}

func TestExhaustedRetriesRouteToDLQ(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	dlq := New(clk, time.Minute, nil)
	q := New(clk, time.Second, dlq)
	ctx := context.Background()

	_ = q.Publish(ctx, []byte("poison"))
	for i := 0; i < queue.MaxReceiveCount; i++ {
		d, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if err := q.Nack(ctx, d.ReceiptHandle); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}

	if q.ApproxDepth() != 0 {
		t.Fatalf("expected primary queue drained after exhaustion, got depth %d", q.ApproxDepth())
	}

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := dlq.Receive(dctx)
	if err != nil {
		t.Fatalf("expected message on dlq: %v", err)
	}
	if string(d.Body) != "poison" {
		t.Fatalf("expected poison body on dlq, got %s", d.Body)
	}
}

func TestReceiveRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	q := New(clk, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Receive(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Unix(0, 0))
	q := New(clk, time.Minute, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != queue.ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock after close")
	}
}
