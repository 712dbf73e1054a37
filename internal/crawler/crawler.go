// Package crawler implements the Crawler Worker: the per-message state
// machine that locks a URL, consults the politeness gate, fetches the page,
// persists the result, and emits downstream work through a
// lock/gate/fetch/persist/ack pipeline.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/blobstore"
	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/gate"
	"github.com/crawlkit/core/internal/gate/ratelimit"
	"github.com/crawlkit/core/internal/hash/sha256"
	"github.com/crawlkit/core/internal/metrics"
	"github.com/crawlkit/core/internal/queue"
	"github.com/crawlkit/core/internal/retry"
	"github.com/crawlkit/core/internal/statestore"
	"github.com/crawlkit/core/internal/taxonomy"
	"github.com/crawlkit/core/internal/urlnorm"
	"github.com/crawlkit/core/internal/workerpool"
)

// FetchRequest captures everything a Fetcher needs to fetch one URL.
type FetchRequest struct {
	URL          string
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
}

// FetchResponse is the result of a single fetch attempt.
type FetchResponse struct {
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
	RetryAfter time.Duration
	Duration   time.Duration
}

// Fetcher fetches a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// OutlinkExtractor extracts hyperlink targets from an HTML body.
type OutlinkExtractor interface {
	Extract(baseURL string, body []byte) ([]string, error)
}

// politenessGate is the slice of gate.Gate the Worker depends on, satisfied
// by *gate.Gate and fakeable in tests.
type politenessGate interface {
	IsAllowed(ctx context.Context, rawURL string) (bool, error)
	AcquireSlot(ctx context.Context, domain string) (ratelimit.Decision, error)
}

// Config bounds the Crawler Worker's per-message behavior.
type Config struct {
	OwnerID            string
	UserAgent          string
	LeaseDuration      time.Duration
	LeaseRenewInterval time.Duration
	FetchTimeout       time.Duration
	MaxRedirects       int
	MaxBodyBytes       int64
	RateWaitThreshold  time.Duration
	MaxOutlinksPerPage int
	Concurrency        int
	DrainTimeout       time.Duration
}

// DefaultConfig returns reasonable bounds: lease renewed at roughly a third
// of its duration, 30s fetch timeout, 5 redirects, 10MB body cap.
func DefaultConfig(ownerID, userAgent string) Config {
	return Config{
		OwnerID:            ownerID,
		UserAgent:          userAgent,
		LeaseDuration:      90 * time.Second,
		LeaseRenewInterval: 30 * time.Second,
		FetchTimeout:       30 * time.Second,
		MaxRedirects:       5,
		MaxBodyBytes:       10 << 20,
		RateWaitThreshold:  5 * time.Second,
		MaxOutlinksPerPage: 200,
		Concurrency:        8,
		DrainTimeout:       30 * time.Second,
	}
}

// Deps groups the Worker's collaborators. CrawlDLQ and Outlinks are
// optional: a nil CrawlDLQ drops invalid-URL messages without a structured
// DLQ record; a nil Outlinks skips outlink discovery entirely.
type Deps struct {
	Gate           *gate.Gate
	Store          statestore.Store
	Fetcher        Fetcher
	Outlinks       OutlinkExtractor
	Blobs          blobstore.Provider
	CrawlQueue     queue.Provider
	CrawlDLQ       queue.Provider
	DiscoveryQueue queue.Provider
	IndexQueue     queue.Provider
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Worker is the Crawler Worker.
type Worker struct {
	cfg            Config
	gate           politenessGate
	store          statestore.Store
	fetcher        Fetcher
	outlinks       OutlinkExtractor
	blobs          blobstore.Provider
	crawlQueue     queue.Provider
	crawlDLQ       queue.Provider
	discoveryQueue queue.Provider
	indexQueue     queue.Provider
	hasher         sha256.Hasher
	clock          clock.Clock
	logger         *zap.Logger
	retryPolicy    retry.Policy
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	return &Worker{
		cfg:            cfg,
		gate:           deps.Gate,
		store:          deps.Store,
		fetcher:        deps.Fetcher,
		outlinks:       deps.Outlinks,
		blobs:          deps.Blobs,
		crawlQueue:     deps.CrawlQueue,
		crawlDLQ:       deps.CrawlDLQ,
		discoveryQueue: deps.DiscoveryQueue,
		indexQueue:     deps.IndexQueue,
		hasher:         sha256.Hasher{},
		clock:          deps.Clock,
		logger:         deps.Logger,
		retryPolicy:    retry.DefaultPolicy(),
	}
}

// disposition is what handleDelivery does with the original message once
// processMessage returns.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionNack
	dispositionAbort
)

// Run drives the cooperative event loop: concurrency
// goroutines poll the crawl queue and process messages until ctx is
// canceled, then drain in-flight work up to Config.DrainTimeout.
func (w *Worker) Run(ctx context.Context) {
	metrics.SetActiveWorkers("crawler", w.cfg.Concurrency)
	defer metrics.SetActiveWorkers("crawler", 0)

	pool := workerpool.New(w.cfg.Concurrency, w.cfg.DrainTimeout)
	pool.Run(ctx, w.poll)
}

func (w *Worker) poll(ctx context.Context) (workerpool.Task, error) {
	d, err := w.crawlQueue.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return func(taskCtx context.Context) {
		w.handleDelivery(taskCtx, d)
	}, nil
}

// ProcessDelivery exposes the per-message pipeline directly for callers
// (tests, single-message CLI invocations) that don't want the full poll
// loop.
func (w *Worker) ProcessDelivery(ctx context.Context, d queue.Delivery) {
	w.handleDelivery(ctx, d)
}

func (w *Worker) handleDelivery(ctx context.Context, d queue.Delivery) {
	msg, err := queue.DecodeCrawl(d.Body)
	if err != nil {
		w.logger.Warn("crawler: decode crawl message failed, dropping", zap.Error(err))
		if ackErr := w.crawlQueue.Ack(ctx, d.ReceiptHandle); ackErr != nil {
			w.logger.Warn("crawler: ack undecodable message failed", zap.Error(ackErr))
		}
		return
	}

	switch w.processMessage(ctx, msg) {
	case dispositionAck:
		if err := w.crawlQueue.Ack(ctx, d.ReceiptHandle); err != nil {
			w.logger.Warn("crawler: ack failed", zap.String("url", msg.URL), zap.Error(err))
		}
	case dispositionNack:
		if err := w.crawlQueue.Nack(ctx, d.ReceiptHandle); err != nil {
			w.logger.Warn("crawler: nack failed", zap.String("url", msg.URL), zap.Error(err))
		}
	case dispositionAbort:
		// Lease was lost to another worker; leave the message to its
		// visibility timeout rather than acking or nacking it ourselves.
	}
}

// processMessage implements the per-message state machine:
// Received -> Locking -> Gated -> Fetching -> Persisting -> Acking.
func (w *Worker) processMessage(ctx context.Context, msg queue.CrawlMessage) disposition {
	if _, err := urlnorm.Normalize(msg.URL); err != nil {
		w.logger.Warn("crawler: invalid url, routing to dlq",
			zap.String("url", msg.URL), zap.Error(fmt.Errorf("%w: %s", taxonomy.ErrInvalidInput, err)))
		w.deadLetterInvalid(ctx, msg, err)
		return dispositionAck
	}

	outcome, rec, err := w.store.TryAcquire(ctx, msg.URLHash, msg.URL, msg.Domain, w.cfg.OwnerID, w.cfg.LeaseDuration)
	metrics.ObserveLockAcquisition(acquireOutcomeLabel(outcome))
	if err != nil {
		w.logger.Warn("crawler: tryacquire failed", zap.String("url", msg.URL), zap.Error(err))
		return dispositionNack
	}
	if outcome == statestore.AlreadyHeld || outcome == statestore.Terminal {
		w.logger.Debug("crawler: dropping work", zap.String("url", msg.URL), zap.Error(taxonomy.ErrStoreContention))
		return dispositionAck
	}

	renewCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})
	renewerDone := make(chan struct{})
	go w.runLeaseRenewer(renewCtx, msg.URLHash, cancel, lost, renewerDone)
	defer func() {
		cancel()
		<-renewerDone
	}()

	return w.runGatedFetch(ctx, renewCtx, msg, rec, lost)
}

func (w *Worker) runGatedFetch(
	ctx, renewCtx context.Context,
	msg queue.CrawlMessage,
	rec statestore.Record,
	lost <-chan struct{},
) disposition {
	allowed, err := w.gate.IsAllowed(renewCtx, msg.URL)
	if err != nil {
		return w.scheduleRetryOrAbort(ctx, msg, "gate isallowed failed: "+err.Error(), lost)
	}
	if !allowed {
		w.logger.Debug("crawler: robots disallow", zap.String("url", msg.URL), zap.Error(taxonomy.ErrPolicyDeny))
		if err := w.store.Complete(ctx, msg.URLHash, w.cfg.OwnerID, statestore.Success{CrawledAt: w.clock.Now()}); err != nil {
			w.logger.Warn("crawler: complete (policy deny) failed", zap.String("url", msg.URL), zap.Error(err))
		}
		metrics.ObserveTerminal("done")
		return dispositionAck
	}

	ready, err := w.waitForSlot(renewCtx, msg.Domain)
	if err != nil {
		return w.scheduleRetryOrAbort(ctx, msg, "gate acquireslot failed: "+err.Error(), lost)
	}
	if !ready {
		return w.scheduleRetryOrAbort(ctx, msg, "rate limited", lost)
	}

	resp, ferr := w.fetcher.Fetch(renewCtx, FetchRequest{
		URL:          msg.URL,
		UserAgent:    w.cfg.UserAgent,
		Timeout:      w.cfg.FetchTimeout,
		MaxRedirects: w.cfg.MaxRedirects,
		MaxBodyBytes: w.cfg.MaxBodyBytes,
	})
	if isClosed(lost) {
		return dispositionAbort
	}
	if ferr != nil {
		metrics.ObserveFetch("error", 0)
		return w.scheduleRetryOrAbort(ctx, msg, fmt.Sprintf("%v: %s", taxonomy.ErrTransientNetwork, ferr.Error()), lost)
	}

	return w.handleFetchResponse(ctx, msg, rec, resp, lost)
}

func (w *Worker) handleFetchResponse(
	ctx context.Context,
	msg queue.CrawlMessage,
	rec statestore.Record,
	resp FetchResponse,
	lost <-chan struct{},
) disposition {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.ObserveFetch("success", resp.Duration)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		metrics.ObserveFetch("permanent_http", resp.Duration)
		return w.terminalFailure(ctx, msg, fmt.Sprintf("%v: http %d", taxonomy.ErrPermanentHTTP, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveFetch("rate_limited", resp.Duration)
		return w.scheduleRetryOrAbort(ctx, msg, fmt.Sprintf("%v: http 429", taxonomy.ErrRateLimited), lost)
	default:
		metrics.ObserveFetch("transient", resp.Duration)
		return w.scheduleRetryOrAbort(ctx, msg, fmt.Sprintf("%v: http %d", taxonomy.ErrTransientNetwork, resp.StatusCode), lost)
	}

	finalDomain, err := urlnorm.RegistrableDomain(resp.FinalURL)
	if err != nil || finalDomain != msg.Domain {
		return w.terminalFailure(ctx, msg, "cross-domain redirect")
	}

	if isClosed(lost) {
		return dispositionAbort
	}

	contentHash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return w.scheduleRetryOrAbort(ctx, msg, "content hash failed: "+err.Error(), lost)
	}

	rawLocation := rec.RawLocation
	suppressIndex := rec.ContentHash != "" && rec.ContentHash == contentHash
	now := w.clock.Now()
	if !suppressIndex {
		key := fmt.Sprintf("%s/%04d/%02d/%02d/%s.html", msg.Domain, now.Year(), now.Month(), now.Day(), msg.URLHash)
		loc, err := w.blobs.Put(ctx, key, "text/html; charset=utf-8", resp.Body)
		if err != nil {
			return w.scheduleRetryOrAbort(ctx, msg, "blob put failed: "+err.Error(), lost)
		}
		rawLocation = loc
	}

	if err := w.store.Complete(ctx, msg.URLHash, w.cfg.OwnerID, statestore.Success{
		RawLocation: rawLocation,
		ContentHash: contentHash,
		CrawledAt:   now,
	}); err != nil {
		if errors.Is(err, statestore.ErrNotOwner) {
			return dispositionAbort
		}
		w.logger.Warn("crawler: complete (success) failed", zap.String("url", msg.URL), zap.Error(err))
		return dispositionNack
	}
	metrics.ObserveTerminal("done")

	if isClosed(lost) {
		return dispositionAbort
	}

	if !suppressIndex {
		w.emitIndexMessage(ctx, msg, resp.FinalURL, rawLocation, now)
	}
	w.handleOutlinks(ctx, msg, resp.Body)

	return dispositionAck
}

func (w *Worker) terminalFailure(ctx context.Context, msg queue.CrawlMessage, reason string) disposition {
	if err := w.store.Complete(ctx, msg.URLHash, w.cfg.OwnerID, statestore.PermanentFailure{Reason: reason}); err != nil {
		w.logger.Warn("crawler: complete (permanent failure) failed", zap.String("url", msg.URL), zap.Error(err))
	}
	metrics.ObserveTerminal("failed")
	return dispositionAck
}

func (w *Worker) emitIndexMessage(ctx context.Context, msg queue.CrawlMessage, finalURL, rawLocation string, fetchedAt time.Time) {
	body, err := queue.EncodeIndex(queue.IndexMessage{
		URL:         finalURL,
		URLHash:     msg.URLHash,
		Domain:      msg.Domain,
		RawLocation: rawLocation,
		FetchedAt:   fetchedAt,
	})
	if err != nil {
		w.logger.Warn("crawler: encode index message failed", zap.String("url", msg.URL), zap.Error(err))
		return
	}
	if err := w.indexQueue.Publish(ctx, body); err != nil {
		w.logger.Warn("crawler: publish index message failed", zap.String("url", msg.URL), zap.Error(err))
	}
}

// waitForSlot consults the gate and, for short waits, sleeps in-process and
// retries once; longer waits are reported back as not-ready so the caller
// defers the whole message.
func (w *Worker) waitForSlot(ctx context.Context, domain string) (bool, error) {
	decision, err := w.gate.AcquireSlot(ctx, domain)
	if err != nil {
		return false, err
	}
	if decision.Ready {
		return true, nil
	}
	metrics.ObserveGateWait(decision.WaitFor)
	if decision.WaitFor > w.cfg.RateWaitThreshold {
		return false, nil
	}
	select {
	case <-time.After(decision.WaitFor):
	case <-ctx.Done():
		return false, ctx.Err()
	}
	decision, err = w.gate.AcquireSlot(ctx, domain)
	if err != nil {
		return false, err
	}
	return decision.Ready, nil
}

func (w *Worker) scheduleRetryOrAbort(ctx context.Context, msg queue.CrawlMessage, reason string, lost <-chan struct{}) disposition {
	if isClosed(lost) {
		return dispositionAbort
	}
	if err := w.store.ScheduleRetry(ctx, msg.URLHash, w.cfg.OwnerID, reason); err != nil {
		if errors.Is(err, statestore.ErrNotOwner) {
			return dispositionAbort
		}
		w.logger.Warn("crawler: scheduleretry failed", zap.String("url", msg.URL), zap.Error(err))
	}
	metrics.ObserveRetry("crawler")
	return dispositionNack
}

func (w *Worker) deadLetterInvalid(ctx context.Context, msg queue.CrawlMessage, reason error) {
	if w.crawlDLQ == nil {
		return
	}
	body, err := queue.EncodeCrawl(msg)
	if err != nil {
		w.logger.Warn("crawler: encode invalid-url dlq message failed", zap.String("url", msg.URL), zap.Error(reason))
		return
	}
	if err := w.crawlDLQ.Publish(ctx, body); err != nil {
		w.logger.Warn("crawler: publish invalid-url to dlq failed", zap.String("url", msg.URL), zap.Error(err))
		return
	}
	metrics.ObserveDeadLettered("crawl")
}

func (w *Worker) runLeaseRenewer(ctx context.Context, urlHash string, cancel context.CancelFunc, lost chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	interval := w.cfg.LeaseRenewInterval
	if interval <= 0 {
		interval = w.cfg.LeaseDuration / 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcome, err := w.store.RenewLease(ctx, urlHash, w.cfg.OwnerID, w.cfg.LeaseDuration)
			metrics.ObserveLeaseRenewal(renewOutcomeLabel(outcome, err))
			if err != nil {
				w.logger.Warn("crawler: renew lease failed", zap.String("url_hash", urlHash), zap.Error(err))
				continue
			}
			if outcome == statestore.Lost {
				w.logger.Warn("crawler: lease lost", zap.String("url_hash", urlHash), zap.Error(taxonomy.ErrLeaseLost))
				close(lost)
				cancel()
				return
			}
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func acquireOutcomeLabel(o statestore.AcquireOutcome) string {
	switch o {
	case statestore.Acquired:
		return "acquired"
	case statestore.AlreadyHeld:
		return "already_held"
	case statestore.Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

func renewOutcomeLabel(o statestore.RenewOutcome, err error) string {
	if err != nil {
		return "error"
	}
	if o == statestore.Renewed {
		return "renewed"
	}
	return "lost"
}
