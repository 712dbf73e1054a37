package crawler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/blobstore"
	"github.com/crawlkit/core/internal/blobstore/memblob"
	"github.com/crawlkit/core/internal/clock/system"
	"github.com/crawlkit/core/internal/gate/ratelimit"
	"github.com/crawlkit/core/internal/hash/sha256"
	"github.com/crawlkit/core/internal/queue"
	"github.com/crawlkit/core/internal/queue/memqueue"
	"github.com/crawlkit/core/internal/statestore"
	"github.com/crawlkit/core/internal/statestore/memstore"
)

type fakeFetcher struct {
	resp FetchResponse
	err  error
	n    int32
}

func (f *fakeFetcher) Fetch(context.Context, FetchRequest) (FetchResponse, error) {
	atomic.AddInt32(&f.n, 1)
	return f.resp, f.err
}

func (f *fakeFetcher) calls() int { return int(atomic.LoadInt32(&f.n)) }

type fakeOutlinks struct {
	links []string
	err   error
}

func (f fakeOutlinks) Extract(string, []byte) ([]string, error) {
	return f.links, f.err
}

type fakeGate struct {
	allowed      bool
	allowedErr   error
	decisions    []ratelimit.Decision
	decisionErrs []error
	idx          int
}

func (g *fakeGate) IsAllowed(context.Context, string) (bool, error) {
	return g.allowed, g.allowedErr
}

func (g *fakeGate) AcquireSlot(context.Context, string) (ratelimit.Decision, error) {
	i := g.idx
	if i >= len(g.decisions) {
		i = len(g.decisions) - 1
	}
	g.idx++
	var err error
	if i < len(g.decisionErrs) {
		err = g.decisionErrs[i]
	}
	return g.decisions[i], err
}

type countingBlobs struct {
	mu   sync.Mutex
	puts int
	blobstore.Provider
}

func (c *countingBlobs) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.Provider.Put(ctx, key, contentType, data)
}

func newTestWorker(t *testing.T, gate *fakeGate, fetcher Fetcher, outlinks OutlinkExtractor, blobs blobstore.Provider) (*Worker, *memstore.Store, *memqueue.Queue, *memqueue.Queue, *memqueue.Queue, *memqueue.Queue) {
	t.Helper()
	clk := system.New()
	store := memstore.New(clk)
	crawlQueue := memqueue.New(clk, 0, nil)
	crawlDLQ := memqueue.New(clk, 0, nil)
	discoveryQueue := memqueue.New(clk, 0, nil)
	indexQueue := memqueue.New(clk, 0, nil)

	cfg := DefaultConfig("worker-1", "crawlkit-test/1.0")
	cfg.LeaseRenewInterval = time.Hour
	cfg.RateWaitThreshold = 50 * time.Millisecond

	w := &Worker{
		cfg:            cfg,
		gate:           gate,
		store:          store,
		fetcher:        fetcher,
		outlinks:       outlinks,
		blobs:          blobs,
		crawlQueue:     crawlQueue,
		crawlDLQ:       crawlDLQ,
		discoveryQueue: discoveryQueue,
		indexQueue:     indexQueue,
		hasher:         sha256.Hasher{},
		clock:          clk,
		logger:         zap.NewNop(),
	}
	return w, store, crawlQueue, crawlDLQ, discoveryQueue, indexQueue
}

func successResponse(domain string, body []byte) FetchResponse {
	return FetchResponse{
		FinalURL:   "https://" + domain + "/page",
		StatusCode: http.StatusOK,
		Body:       body,
		Duration:   time.Millisecond,
	}
}

func TestProcessMessageDropsWhenAlreadyTerminal(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	fetcher := &fakeFetcher{resp: successResponse("example.com", []byte("<html></html>"))}
	w, store, _, _, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}

	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("first pass: expected ack, got %v", d)
	}
	if fetcher.calls() != 1 {
		t.Fatalf("expected one fetch on first pass, got %d", fetcher.calls())
	}

	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("second pass: expected ack (terminal), got %v", d)
	}
	if fetcher.calls() != 1 {
		t.Fatalf("expected no additional fetch once terminal, got %d", fetcher.calls())
	}

	rec, ok, err := store.Get(context.Background(), msg.URLHash)
	if err != nil || !ok {
		t.Fatalf("expected record present, ok=%v err=%v", ok, err)
	}
	if rec.State != statestore.StateDone {
		t.Fatalf("expected state done, got %v", rec.State)
	}
}

func TestProcessMessagePolicyDenyCompletesAsDoneWithoutFetching(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: false}
	fetcher := &fakeFetcher{}
	w, store, _, _, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("expected ack, got %v", d)
	}
	if fetcher.calls() != 0 {
		t.Fatalf("expected no fetch on policy deny, got %d", fetcher.calls())
	}
	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateDone {
		t.Fatalf("expected state done, got %v", rec.State)
	}
}

func TestProcessMessageShortRateWaitRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{
		allowed: true,
		decisions: []ratelimit.Decision{
			{Ready: false, WaitFor: 10 * time.Millisecond},
			{Ready: true},
		},
	}
	fetcher := &fakeFetcher{resp: successResponse("example.com", []byte("<html></html>"))}
	w, _, _, _, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("expected ack after short wait retry, got %v", d)
	}
	if fetcher.calls() != 1 {
		t.Fatalf("expected exactly one fetch, got %d", fetcher.calls())
	}
}

func TestProcessMessageLongRateWaitDefers(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{
		allowed:   true,
		decisions: []ratelimit.Decision{{Ready: false, WaitFor: time.Hour}},
	}
	fetcher := &fakeFetcher{}
	w, store, _, _, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionNack {
		t.Fatalf("expected nack on long rate wait, got %v", d)
	}
	if fetcher.calls() != 0 {
		t.Fatalf("expected no fetch, got %d", fetcher.calls())
	}
	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateDeferred {
		t.Fatalf("expected deferred state, got %v", rec.State)
	}
}

func TestProcessMessageFetchSuccessPersistsIndexesAndEnqueuesOutlinks(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	body := []byte("<html><body>hi</body></html>")
	fetcher := &fakeFetcher{resp: successResponse("example.com", body)}
	outlinks := fakeOutlinks{links: []string{
		"https://example.com/other",
		"https://other-domain.com/page",
	}}
	w, store, crawlQueue, _, discoveryQueue, indexQueue := newTestWorker(t, gate, fetcher, outlinks, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("expected ack, got %v", d)
	}

	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateDone {
		t.Fatalf("expected state done, got %v", rec.State)
	}
	if rec.RawLocation == "" {
		t.Fatalf("expected raw location to be set")
	}
	if depth := indexQueue.ApproxDepth(); depth != 1 {
		t.Fatalf("expected 1 index message, got %d", depth)
	}
	if depth := crawlQueue.ApproxDepth(); depth != 1 {
		t.Fatalf("expected 1 same-domain outlink enqueued, got %d", depth)
	}
	if depth := discoveryQueue.ApproxDepth(); depth != 1 {
		t.Fatalf("expected 1 discovery message for cross-domain outlink, got %d", depth)
	}
}

func TestProcessMessagePermanentHTTPFailureTerminates(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	fetcher := &fakeFetcher{resp: FetchResponse{FinalURL: "https://example.com/a", StatusCode: http.StatusNotFound}}
	w, store, _, _, _, indexQueue := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("expected ack on permanent failure, got %v", d)
	}
	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateFailed {
		t.Fatalf("expected failed state, got %v", rec.State)
	}
	if depth := indexQueue.ApproxDepth(); depth != 0 {
		t.Fatalf("expected no index message on permanent failure, got %d", depth)
	}
}

func TestProcessMessageTransientHTTPFailureRetries(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	fetcher := &fakeFetcher{resp: FetchResponse{FinalURL: "https://example.com/a", StatusCode: http.StatusServiceUnavailable}}
	w, store, _, _, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionNack {
		t.Fatalf("expected nack on transient failure, got %v", d)
	}
	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateDeferred {
		t.Fatalf("expected deferred state, got %v", rec.State)
	}
}

func TestProcessMessageRateLimitedHTTPResponseRetries(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	fetcher := &fakeFetcher{resp: FetchResponse{FinalURL: "https://example.com/a", StatusCode: http.StatusTooManyRequests}}
	w, store, _, _, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionNack {
		t.Fatalf("expected nack on 429, got %v", d)
	}
	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateDeferred {
		t.Fatalf("expected deferred state, got %v", rec.State)
	}
}

func TestProcessMessageCrossDomainRedirectTerminates(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	fetcher := &fakeFetcher{resp: FetchResponse{FinalURL: "https://attacker.example/a", StatusCode: http.StatusOK, Body: []byte("x")}}
	w, store, _, _, _, indexQueue := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("expected ack on cross-domain redirect, got %v", d)
	}
	rec, _, _ := store.Get(context.Background(), msg.URLHash)
	if rec.State != statestore.StateFailed {
		t.Fatalf("expected failed state, got %v", rec.State)
	}
	if depth := indexQueue.ApproxDepth(); depth != 0 {
		t.Fatalf("expected no index message, got %d", depth)
	}
}

func TestProcessMessageUnchangedContentHashSuppressesReindex(t *testing.T) {
	t.Parallel()

	body := []byte("<html>same</html>")
	hasher := sha256.Hasher{}
	contentHash, err := hasher.Hash(body)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	gate := &fakeGate{allowed: true, decisions: []ratelimit.Decision{{Ready: true}}}
	fetcher := &fakeFetcher{resp: successResponse("example.com", body)}
	blobs := &countingBlobs{Provider: memblobStore()}
	w, store, _, _, _, indexQueue := newTestWorker(t, gate, fetcher, nil, blobs)

	msg := queue.CrawlMessage{URL: "https://example.com/a", Domain: "example.com", URLHash: "hash-a"}
	ctx := context.Background()
	if _, err := store.InsertPending(ctx, msg.URLHash, msg.URL, msg.Domain); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	outcome, rec, err := store.TryAcquire(ctx, msg.URLHash, msg.URL, msg.Domain, w.cfg.OwnerID, time.Minute)
	if err != nil || outcome != statestore.Acquired {
		t.Fatalf("tryacquire: outcome=%v err=%v", outcome, err)
	}

	// handleFetchResponse is exercised directly with the worker's own lease
	// and a record carrying the previous crawl's content hash, so the final
	// Complete call passes the ownership check.
	rec.RawLocation = "memblob://existing"
	rec.ContentHash = contentHash
	if stored, ok, err := store.Get(ctx, msg.URLHash); err != nil || !ok || stored.OwnerID != w.cfg.OwnerID {
		t.Fatalf("expected record owned by worker, ok=%v err=%v", ok, err)
	}

	if d := w.handleFetchResponse(ctx, msg, rec, fetcher.resp, make(chan struct{})); d != dispositionAck {
		t.Fatalf("expected ack, got %v", d)
	}
	if blobs.puts != 0 {
		t.Fatalf("expected no blob re-upload when content hash unchanged, got %d puts", blobs.puts)
	}
	if depth := indexQueue.ApproxDepth(); depth != 0 {
		t.Fatalf("expected no index message when content unchanged, got %d", depth)
	}
}

func TestProcessMessageInvalidURLDeadLetters(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{}
	fetcher := &fakeFetcher{}
	w, _, _, crawlDLQ, _, _ := newTestWorker(t, gate, fetcher, nil, memblobStore())

	msg := queue.CrawlMessage{URL: "://not a url", Domain: "example.com", URLHash: "hash-a"}
	if d := w.processMessage(context.Background(), msg); d != dispositionAck {
		t.Fatalf("expected ack on invalid url, got %v", d)
	}
	if fetcher.calls() != 0 {
		t.Fatalf("expected no fetch attempted for invalid url")
	}
	if depth := crawlDLQ.ApproxDepth(); depth != 1 {
		t.Fatalf("expected 1 dlq message, got %d", depth)
	}
}

func memblobStore() blobstore.Provider {
	return memblob.New()
}
