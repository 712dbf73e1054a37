// Package memqueue provides an in-memory queue.Provider for local
// development and tests, backed by an unbounded min-heap of items plus
// visibility-timeout and redelivery-count semantics:
// a received message stays invisible until Ack/Nack or the timeout elapses,
// and a message that exceeds queue.MaxReceiveCount is routed to a DLQ
// instead of redelivered.
package memqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/queue"
)

type entry struct {
	body          []byte
	receiveCount  int
	visibleAt     time.Time
	receiptHandle string
	inFlight      bool
	index         int
}

// pending is a min-heap ordered by visibleAt, used to find the next message
// eligible for delivery without scanning the whole backlog.
type pending []*entry

func (p pending) Len() int            { return len(p) }
func (p pending) Less(i, j int) bool  { return p[i].visibleAt.Before(p[j].visibleAt) }
func (p pending) Swap(i, j int)       { p[i], p[j] = p[j], p[i]; p[i].index = i; p[j].index = j }
func (p *pending) Push(x any)         { e := x.(*entry); e.index = len(*p); *p = append(*p, e) }
func (p *pending) Pop() any {
	old := *p
	n := len(old)
	e := old[n-1]
	*p = old[:n-1]
	return e
}

// Queue is an in-memory, visibility-timeout-aware queue.Provider.
type Queue struct {
	mu                sync.Mutex
	cond              *sync.Cond
	heap              pending
	inFlight          map[string]*entry
	clock             clock.Clock
	visibilityTimeout time.Duration
	dlq               queue.Provider
	closed            bool
	nextReceipt       uint64
}

// New constructs a Queue. dlq may be nil, in which case messages that
// exhaust queue.MaxReceiveCount are simply dropped (callers that need DLQ
// semantics, which every production queue must supply
// one).
func New(clk clock.Clock, visibilityTimeout time.Duration, dlq queue.Provider) *Queue {
	q := &Queue{
		inFlight:          make(map[string]*entry),
		clock:             clk,
		visibilityTimeout: visibilityTimeout,
		dlq:               dlq,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish enqueues body, immediately visible.
func (q *Queue) Publish(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	heap.Push(&q.heap, &entry{body: append([]byte(nil), body...), visibleAt: q.clock.Now()})
	q.cond.Broadcast()
	return nil
}

// Receive blocks until a visible message exists or ctx is done.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return queue.Delivery{}, queue.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return queue.Delivery{}, fmt.Errorf("memqueue: receive canceled: %w", err)
		}
		q.requeueExpiredLocked()
		if q.heap.Len() > 0 && !q.heap[0].visibleAt.After(q.clock.Now()) {
			e := heap.Pop(&q.heap).(*entry)
			e.receiveCount++
			e.inFlight = true
			q.nextReceipt++
			e.receiptHandle = fmt.Sprintf("r%d", q.nextReceipt)
			e.visibleAt = q.clock.Now().Add(q.visibilityTimeout)
			q.inFlight[e.receiptHandle] = e
			return queue.Delivery{
				Body:          append([]byte(nil), e.body...),
				ReceiptHandle: e.receiptHandle,
				DeliveryCount: e.receiveCount,
			}, nil
		}
		q.cond.Wait()
	}
}

// requeueExpiredLocked moves in-flight messages whose visibility timeout has
// elapsed back onto the pending heap, routing exhausted ones to the DLQ.
func (q *Queue) requeueExpiredLocked() {
	now := q.clock.Now()
	for handle, e := range q.inFlight {
		if now.Before(e.visibleAt) {
			continue
		}
		delete(q.inFlight, handle)
		e.inFlight = false
		if e.receiveCount >= queue.MaxReceiveCount {
			q.deadLetterLocked(e)
			continue
		}
		e.visibleAt = now
		heap.Push(&q.heap, e)
	}
}

func (q *Queue) deadLetterLocked(e *entry) {
	if q.dlq == nil {
		return
	}
	body := append([]byte(nil), e.body...)
	go func() {
		_ = q.dlq.Publish(context.Background(), body)
	}()
}

// Ack removes the in-flight message permanently.
func (q *Queue) Ack(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, receiptHandle)
	return nil
}

// Nack returns the message to visibility immediately.
func (q *Queue) Nack(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inFlight[receiptHandle]
	if !ok {
		return nil
	}
	delete(q.inFlight, receiptHandle)
	e.inFlight = false
	if e.receiveCount >= queue.MaxReceiveCount {
		q.deadLetterLocked(e)
		q.cond.Broadcast()
		return nil
	}
	e.visibleAt = q.clock.Now()
	heap.Push(&q.heap, e)
	q.cond.Broadcast()
	return nil
}

// ApproxDepth returns the number of messages currently visible or in flight,
// used by the Discovery Coordinator's backpressure check.
func (q *Queue) ApproxDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() + len(q.inFlight)
}

// Close marks the queue closed; blocked Receive calls return queue.ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}
