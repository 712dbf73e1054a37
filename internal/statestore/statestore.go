// Package statestore defines the URL lifecycle record and the
// conditional-write lock primitives every crawler/indexer worker uses to
// claim, renew, and release work. The production backend
// (internal/statestore/postgres) expresses the DynamoDB-style conditional
// write semantics via single-statement Postgres
// UPDATE ... WHERE / INSERT ... ON CONFLICT clauses against jackc/pgx/v5;
// internal/statestore/memstore backs fast tests with the same interface.
package statestore

import (
	"context"
	"errors"
	"time"
)

// State is the discriminated union of lifecycle states a URL record can be
// in ("one of pending, in_progress, done, failed, deferred").
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateDeferred   State = "deferred"
)

// Record is the URL lifecycle record keyed by URLHash.
type Record struct {
	URLHash        string
	URL            string
	Domain         string
	State          State
	OwnerID        string
	AcquiredAt     time.Time
	LeaseExpiresAt time.Time
	Retries        int
	LastCrawledAt  time.Time
	LastError      string
	RawLocation    string
	ContentHash    string
}

// AcquireOutcome is the discriminated result of a tryAcquire call.
type AcquireOutcome int

const (
	// Acquired means the caller now holds the lease.
	Acquired AcquireOutcome = iota
	// AlreadyHeld means another worker holds an unexpired lease.
	AlreadyHeld
	// Terminal means the record is already done or failed; the caller must
	// drop the work.
	Terminal
)

// RenewOutcome is the discriminated result of a renewLease call.
type RenewOutcome int

const (
	// Renewed means the lease was extended.
	Renewed RenewOutcome = iota
	// Lost means ownership or in-progress state no longer matches; the
	// caller must abort in-flight work.
	Lost
)

// Success is the outcome value passed to Complete on a successful fetch.
type Success struct {
	RawLocation string
	ContentHash string
	CrawledAt   time.Time
}

// PermanentFailure is the outcome value passed to Complete on a terminal
// failure (a permanent HTTP error).
type PermanentFailure struct {
	Reason string
}

// ErrNotOwner is returned when a caller attempts a conditional transition
// while not holding the current lease; it is a correctness signal, never
// retried (store contention).
var ErrNotOwner = errors.New("statestore: caller does not own lease")

// MaxRetries bounds retries: the (maxRetries+1)-th retryable
// failure transitions a record terminally to failed.
const MaxRetries = 5

// Store is the conditional-write lock interface.
type Store interface {
	// InsertPending idempotently inserts a pending record for urlHash,
	// succeeding as a no-op if a record already exists under any state
	// It reports whether a new record was inserted,
	// which the discovery coordinator uses to decide whether to enqueue a
	// crawl message.
	InsertPending(ctx context.Context, urlHash, url, domain string) (bool, error)

	// TryAcquire attempts to claim urlHash for ownerID, inserting a pending
	// record if none exists, reclaiming an expired in_progress lease, or
	// accepting an existing pending record. leaseSeconds sets
	// lease_expires_at = now + leaseSeconds.
	TryAcquire(ctx context.Context, urlHash, url, domain, ownerID string, leaseSeconds time.Duration) (AcquireOutcome, Record, error)

	// RenewLease extends the current lease, conditional on ownerID still
	// matching and state still in_progress.
	RenewLease(ctx context.Context, urlHash, ownerID string, extend time.Duration) (RenewOutcome, error)

	// Complete transitions the record out of in_progress, conditional on
	// ownership. outcome is either Success or PermanentFailure.
	Complete(ctx context.Context, urlHash, ownerID string, outcome any) error

	// ScheduleRetry transitions the record to deferred with retries += 1,
	// or to failed if that exceeds MaxRetries.
	ScheduleRetry(ctx context.Context, urlHash, ownerID, reason string) error

	// ReclaimExpired scans the lease_expires_at index and moves expired
	// in_progress records back to pending, returning the number reclaimed.
	ReclaimExpired(ctx context.Context, batchSize int) (int, error)

	// Get returns the current record for inspection (tests, reconciler
	// diagnostics); it does not participate in the locking protocol.
	Get(ctx context.Context, urlHash string) (Record, bool, error)
}
