// Package indexer implements the Indexer Worker: it loads a crawled page's
// parsed (or raw) content, chunks it, generates vector embeddings, and
// bulk-upserts document and chunk records into the search index as a
// standalone queue-driven stage that never touches the URL lock.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlkit/core/internal/blobstore"
	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/indexer/embedding"
	"github.com/crawlkit/core/internal/indexer/searchindex"
	"github.com/crawlkit/core/internal/metrics"
	"github.com/crawlkit/core/internal/queue"
	"github.com/crawlkit/core/internal/retry"
	"github.com/crawlkit/core/internal/taxonomy"
	"github.com/crawlkit/core/internal/workerpool"
)

// Config bounds the Indexer Worker's per-message behavior.
type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	BulkBatchSize    int
	EmbedConcurrency int64
	Concurrency      int
	DrainTimeout     time.Duration
}

// DefaultConfig returns reasonable bounds: ~2000-rune chunks with 10%
// overlap, 100-record bulk batches, 4 concurrent embedding calls.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        2000,
		ChunkOverlap:     200,
		BulkBatchSize:    100,
		EmbedConcurrency: 4,
		Concurrency:      4,
		DrainTimeout:     30 * time.Second,
	}
}

// Deps groups the Worker's collaborators. IndexDLQ is optional: a nil value
// drops permanently-invalid messages without a structured DLQ record.
type Deps struct {
	Blobs      blobstore.Provider
	Embedder   embedding.Embedder
	Index      searchindex.Index
	IndexQueue queue.Provider
	IndexDLQ   queue.Provider
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Worker is the Indexer Worker.
type Worker struct {
	cfg         Config
	blobs       blobstore.Provider
	embedder    embedding.Embedder
	index       searchindex.Index
	indexQueue  queue.Provider
	indexDLQ    queue.Provider
	clock       clock.Clock
	logger      *zap.Logger
	retryPolicy retry.Policy
	embedSem    *semaphore.Weighted
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	weight := cfg.EmbedConcurrency
	if weight <= 0 {
		weight = 1
	}
	return &Worker{
		cfg:         cfg,
		blobs:       deps.Blobs,
		embedder:    deps.Embedder,
		index:       deps.Index,
		indexQueue:  deps.IndexQueue,
		indexDLQ:    deps.IndexDLQ,
		clock:       deps.Clock,
		logger:      deps.Logger,
		retryPolicy: retry.DefaultPolicy(),
		embedSem:    semaphore.NewWeighted(weight),
	}
}

// Prepare runs the startup dimension-negotiation check
// requires: it queries the configured embedding model's vector width and
// asserts (or creates) a matching index mapping before any message is
// processed.
func (w *Worker) Prepare(ctx context.Context) error {
	dims, err := w.embedder.Dimensions(ctx)
	if err != nil {
		return fmt.Errorf("indexer: query embedding dimensions: %w", err)
	}
	if err := w.index.EnsureMapping(ctx, dims); err != nil {
		return fmt.Errorf("indexer: ensure index mapping: %w", err)
	}
	return nil
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionNack
)

// Run drives the cooperative event loop: Concurrency goroutines poll the
// index queue and process messages until ctx is canceled, then drain
// in-flight work up to Config.DrainTimeout.
func (w *Worker) Run(ctx context.Context) {
	metrics.SetActiveWorkers("indexer", w.cfg.Concurrency)
	defer metrics.SetActiveWorkers("indexer", 0)

	pool := workerpool.New(w.cfg.Concurrency, w.cfg.DrainTimeout)
	pool.Run(ctx, w.poll)
}

func (w *Worker) poll(ctx context.Context) (workerpool.Task, error) {
	d, err := w.indexQueue.Receive(ctx)
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
	msg, err := queue.DecodeIndex(d.Body)
	if err != nil {
		w.logger.Warn("indexer: decode index message failed, dropping",
			zap.Error(fmt.Errorf("%w: %s", taxonomy.ErrCorruptPayload, err)))
		if ackErr := w.indexQueue.Ack(ctx, d.ReceiptHandle); ackErr != nil {
			w.logger.Warn("indexer: ack undecodable message failed", zap.Error(ackErr))
		}
		return
	}

	switch w.processMessage(ctx, msg) {
	case dispositionAck:
		if err := w.indexQueue.Ack(ctx, d.ReceiptHandle); err != nil {
			w.logger.Warn("indexer: ack failed", zap.String("url", msg.URL), zap.Error(err))
		}
	case dispositionNack:
		if err := w.indexQueue.Nack(ctx, d.ReceiptHandle); err != nil {
			w.logger.Warn("indexer: nack failed", zap.String("url", msg.URL), zap.Error(err))
		}
	}
}

// processMessage implements the load -> chunk -> embed -> bulk
// ingest -> ack/retry pipeline. The indexer never takes the URL lock: the
// crawler already transitioned the record to done, and index documents are
// keyed by url_hash so a re-run is a harmless upsert.
func (w *Worker) processMessage(ctx context.Context, msg queue.IndexMessage) disposition {
	text, title, err := w.loadContent(ctx, msg)
	if err != nil {
		w.logger.Warn("indexer: load content failed", zap.String("url", msg.URL),
			zap.Error(fmt.Errorf("%v: %s", taxonomy.ErrDownstreamOutage, err.Error())))
		return dispositionNack
	}
	if strings.TrimSpace(text) == "" {
		w.logger.Warn("indexer: empty content, dead-lettering",
			zap.String("url", msg.URL), zap.Error(taxonomy.ErrInvalidInput))
		w.deadLetter(ctx, msg)
		return dispositionAck
	}

	lang := msg.DetectedLang
	if lang == "" {
		lang = detectLanguage(text)
	}

	chunks := splitText(text, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		w.deadLetter(ctx, msg)
		return dispositionAck
	}

	texts := make([]string, 0, len(chunks)+1)
	texts = append(texts, text)
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}

	vectors, err := w.embedTexts(ctx, texts)
	if err != nil {
		var invalid *embedding.InvalidInputError
		if errors.As(err, &invalid) {
			w.logger.Warn("indexer: embedding rejected input, dead-lettering",
				zap.String("url", msg.URL), zap.Error(fmt.Errorf("%w: %s", taxonomy.ErrInvalidInput, err)))
			w.deadLetter(ctx, msg)
			return dispositionAck
		}
		var limited *embedding.RateLimitedError
		if errors.As(err, &limited) {
			w.logger.Debug("indexer: embedding rate limited", zap.String("url", msg.URL),
				zap.Error(fmt.Errorf("%w", taxonomy.ErrRateLimited)))
			return dispositionNack
		}
		w.logger.Warn("indexer: embedding failed", zap.String("url", msg.URL),
			zap.Error(fmt.Errorf("%v: %s", taxonomy.ErrDownstreamOutage, err.Error())))
		return dispositionNack
	}

	docs := buildDocuments(msg, title, lang, chunks, vectors)

	if err := w.bulkIngest(ctx, docs); err != nil {
		metrics.ObserveBulkIngestFailure()
		w.logger.Warn("indexer: bulk ingest failed", zap.String("url", msg.URL),
			zap.Error(fmt.Errorf("%v: %s", taxonomy.ErrDownstreamOutage, err.Error())))
		return dispositionNack
	}

	return dispositionAck
}

// loadContent loads parsed text if the message points at one, falling back
// to extracting text from the raw HTML blob when no parsed location was
// recorded.
func (w *Worker) loadContent(ctx context.Context, msg queue.IndexMessage) (text, title string, err error) {
	if msg.ParsedLocation != "" {
		data, err := w.blobs.Get(ctx, blobstore.KeyFromLocation(msg.ParsedLocation))
		if err != nil {
			return "", "", fmt.Errorf("get parsed content: %w", err)
		}
		return string(data), "", nil
	}

	raw, err := w.blobs.Get(ctx, blobstore.KeyFromLocation(msg.RawLocation))
	if err != nil {
		return "", "", fmt.Errorf("get raw content: %w", err)
	}
	return extractText(raw)
}

// extractText recovers plain text and a title from raw HTML, used when no
// dedicated parsed-content artifact exists for a page.
func extractText(raw []byte) (text, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	title = strings.TrimSpace(doc.Find("title").First().Text())
	text = normalizeWhitespace(doc.Text())
	return text, title, nil
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// embedTexts generates one embedding per input, bounded by embedSem so no
// more than Config.EmbedConcurrency requests hit the embedding service at
// once.
func (w *Worker) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if err := w.embedSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire embedding semaphore: %w", err)
	}
	defer w.embedSem.Release(1)

	start := w.clock.Now()
	vectors, err := w.embedder.Embed(ctx, texts)
	metrics.ObserveEmbeddingLatency(w.clock.Now().Sub(start))
	if err == nil && len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, err
}

func buildDocuments(msg queue.IndexMessage, title, lang string, chunks []Chunk, vectors [][]float32) []searchindex.Document {
	docs := make([]searchindex.Document, 0, len(chunks)+1)
	docs = append(docs, searchindex.Document{
		URLHash:   msg.URLHash,
		URL:       msg.URL,
		Domain:    msg.Domain,
		Lang:      lang,
		Title:     title,
		Body:      chunks[0].Text,
		IsChunk:   false,
		FetchedAt: msg.FetchedAt,
		Embedding: vectors[0],
	})
	for i, c := range chunks {
		docs = append(docs, searchindex.Document{
			URLHash:    msg.URLHash,
			URL:        msg.URL,
			Domain:     msg.Domain,
			Lang:       lang,
			Title:      title,
			Body:       c.Text,
			ChunkIndex: c.Index,
			IsChunk:    true,
			FetchedAt:  msg.FetchedAt,
			Embedding:  vectors[i+1],
		})
	}
	return docs
}

// bulkIngest upserts docs in Config.BulkBatchSize-sized batches, retrying
// each batch with backoff up to the shared retry policy before giving up.
func (w *Worker) bulkIngest(ctx context.Context, docs []searchindex.Document) error {
	batchSize := w.cfg.BulkBatchSize
	if batchSize <= 0 {
		batchSize = len(docs)
	}

	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := w.ingestBatchWithRetry(ctx, docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) ingestBatchWithRetry(ctx context.Context, batch []searchindex.Document) error {
	var lastErr error
	for attempt := 0; !w.retryPolicy.Exhausted(attempt); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.retryPolicy.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := w.index.BulkUpsert(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("bulk upsert exhausted retries: %w", lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, msg queue.IndexMessage) {
	if w.indexDLQ == nil {
		return
	}
	body, err := queue.EncodeIndex(msg)
	if err != nil {
		w.logger.Warn("indexer: encode dlq message failed", zap.String("url", msg.URL), zap.Error(err))
		return
	}
	if err := w.indexDLQ.Publish(ctx, body); err != nil {
		w.logger.Warn("indexer: publish to dlq failed", zap.String("url", msg.URL), zap.Error(err))
		return
	}
	metrics.ObserveDeadLettered("index")
}
