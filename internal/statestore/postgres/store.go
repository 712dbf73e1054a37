// Package postgres implements statestore.Store against a Postgres table,
// expressing the DynamoDB-style conditional write as
// single-statement UPDATE ... WHERE / INSERT ... ON CONFLICT ... WHERE
// clauses: a queryCloser interface, pgxpool.ParseConfig/NewWithConfig, a
// regex-validated table name, and a NewWithPool test constructor.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/statestore"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// queryCloser is the subset of *pgxpool.Pool the Store uses, satisfied by
// both the real pool and pgxmock in tests.
type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool backing a Store.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a Postgres-backed statestore.Store.
type Store struct {
	pool  queryCloser
	table string
	clock clock.Clock
}

// New connects to Postgres using cfg and returns a ready Store.
func New(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("statestore/postgres: dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "url_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("statestore/postgres: invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("statestore/postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("statestore/postgres: connect: %w", err)
	}
	return &Store{pool: pool, table: table, clock: clk}, nil
}

// NewWithPool constructs a Store from an existing pool, primarily for tests.
func NewWithPool(pool queryCloser, table string, clk clock.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("statestore/postgres: pool is required")
	}
	if table == "" {
		table = "url_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("statestore/postgres: invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, clock: clk}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertPending implements the idempotent pending-record insert via a
// plain INSERT ... ON CONFLICT DO NOTHING.
func (s *Store) InsertPending(ctx context.Context, urlHash, url, domain string) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (url_hash, url, domain, state, retries)
VALUES ($1, $2, $3, 'pending', 0)
ON CONFLICT (url_hash) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query, urlHash, url, domain)
	if err != nil {
		return false, fmt.Errorf("statestore/postgres: insertpending: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TryAcquire implements the conditional upsert lock acquisition: an
// INSERT ... ON CONFLICT DO UPDATE whose WHERE clause only admits a pending,
// deferred, or lease-expired in_progress row, returning the new row on
// success and zero rows otherwise.
func (s *Store) TryAcquire(
	ctx context.Context,
	urlHash, url, domain, ownerID string,
	leaseSeconds time.Duration,
) (statestore.AcquireOutcome, statestore.Record, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (url_hash, url, domain, state, owner_id, acquired_at, lease_expires_at, retries)
VALUES ($1, $2, $3, 'in_progress', $4, $5, $6, 0)
ON CONFLICT (url_hash) DO UPDATE SET
	state = 'in_progress',
	owner_id = EXCLUDED.owner_id,
	acquired_at = EXCLUDED.acquired_at,
	lease_expires_at = EXCLUDED.lease_expires_at
WHERE %s.state IN ('pending', 'deferred')
	OR (%s.state = 'in_progress' AND %s.lease_expires_at < $5)
RETURNING url_hash, url, domain, state, owner_id, acquired_at, lease_expires_at, retries, last_crawled_at, last_error, raw_location, content_hash`,
		s.table, s.table, s.table, s.table)

	row := s.pool.QueryRow(ctx, query, urlHash, url, domain, ownerID, now, now.Add(leaseSeconds))
	rec, err := scanRecord(row)
	if err == nil {
		return statestore.Acquired, rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return statestore.Acquired, statestore.Record{}, fmt.Errorf("statestore/postgres: tryacquire: %w", err)
	}

	existing, ok, err := s.Get(ctx, urlHash)
	if err != nil {
		return statestore.Acquired, statestore.Record{}, fmt.Errorf("statestore/postgres: tryacquire lookup: %w", err)
	}
	if !ok {
		return statestore.Acquired, statestore.Record{}, fmt.Errorf("statestore/postgres: tryacquire: row vanished for %q", urlHash)
	}
	if existing.State == statestore.StateDone || existing.State == statestore.StateFailed {
		return statestore.Terminal, existing, nil
	}
	return statestore.AlreadyHeld, existing, nil
}

// RenewLease extends an owned lease.
func (s *Store) RenewLease(ctx context.Context, urlHash, ownerID string, extend time.Duration) (statestore.RenewOutcome, error) {
	query := fmt.Sprintf(`
UPDATE %s SET lease_expires_at = $1
WHERE url_hash = $2 AND owner_id = $3 AND state = 'in_progress'`, s.table)

	tag, err := s.pool.Exec(ctx, query, s.clock.Now().Add(extend), urlHash, ownerID)
	if err != nil {
		return statestore.Lost, fmt.Errorf("statestore/postgres: renewlease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return statestore.Lost, nil
	}
	return statestore.Renewed, nil
}

// Complete transitions a record to a terminal state.
func (s *Store) Complete(ctx context.Context, urlHash, ownerID string, outcome any) error {
	var query string
	var args []any

	switch o := outcome.(type) {
	case statestore.Success:
		query = fmt.Sprintf(`
UPDATE %s SET state = 'done', owner_id = '', raw_location = $1, content_hash = $2,
	last_crawled_at = $3, last_error = ''
WHERE url_hash = $4 AND owner_id = $5 AND state = 'in_progress'`, s.table)
		args = []any{o.RawLocation, o.ContentHash, o.CrawledAt, urlHash, ownerID}
	case statestore.PermanentFailure:
		query = fmt.Sprintf(`
UPDATE %s SET state = 'failed', owner_id = '', last_error = $1
WHERE url_hash = $2 AND owner_id = $3 AND state = 'in_progress'`, s.table)
		args = []any{o.Reason, urlHash, ownerID}
	default:
		return fmt.Errorf("statestore/postgres: unsupported outcome type %T", outcome)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("statestore/postgres: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return statestore.ErrNotOwner
	}
	return nil
}

// ScheduleRetry reschedules a failed record, enforcing the retry cap via the
// CASE expression rather than a read-then-write round trip.
func (s *Store) ScheduleRetry(ctx context.Context, urlHash, ownerID, reason string) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	retries = retries + 1,
	last_error = $1,
	owner_id = '',
	state = CASE WHEN retries + 1 > $2 THEN 'failed' ELSE 'deferred' END
WHERE url_hash = $3 AND owner_id = $4 AND state = 'in_progress'`, s.table)

	tag, err := s.pool.Exec(ctx, query, reason, statestore.MaxRetries, urlHash, ownerID)
	if err != nil {
		return fmt.Errorf("statestore/postgres: scheduleretry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return statestore.ErrNotOwner
	}
	return nil
}

// ReclaimExpired reclaims expired leases, bounding the scan via a subquery
// LIMIT since Postgres UPDATE has no native LIMIT clause.
func (s *Store) ReclaimExpired(ctx context.Context, batchSize int) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s SET state = 'pending', owner_id = ''
WHERE url_hash IN (
	SELECT url_hash FROM %s
	WHERE state = 'in_progress' AND lease_expires_at < $1
	LIMIT $2
)`, s.table, s.table)

	tag, err := s.pool.Exec(ctx, query, s.clock.Now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("statestore/postgres: reclaimexpired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns the current record for urlHash.
func (s *Store) Get(ctx context.Context, urlHash string) (statestore.Record, bool, error) {
	query := fmt.Sprintf(`
SELECT url_hash, url, domain, state, owner_id, acquired_at, lease_expires_at, retries,
	last_crawled_at, last_error, raw_location, content_hash
FROM %s WHERE url_hash = $1`, s.table)

	row := s.pool.QueryRow(ctx, query, urlHash)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return statestore.Record{}, false, nil
	}
	if err != nil {
		return statestore.Record{}, false, fmt.Errorf("statestore/postgres: get: %w", err)
	}
	return rec, true, nil
}

func scanRecord(row pgx.Row) (statestore.Record, error) {
	var rec statestore.Record
	var lastCrawledAt *time.Time
	var lastError, rawLocation, contentHash *string

	err := row.Scan(
		&rec.URLHash, &rec.URL, &rec.Domain, &rec.State, &rec.OwnerID,
		&rec.AcquiredAt, &rec.LeaseExpiresAt, &rec.Retries,
		&lastCrawledAt, &lastError, &rawLocation, &contentHash,
	)
	if err != nil {
		return statestore.Record{}, err
	}
	if lastCrawledAt != nil {
		rec.LastCrawledAt = *lastCrawledAt
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	if rawLocation != nil {
		rec.RawLocation = *rawLocation
	}
	if contentHash != nil {
		rec.ContentHash = *contentHash
	}
	return rec, nil
}
