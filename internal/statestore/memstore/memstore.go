// Package memstore provides an in-memory statestore.Store for fast tests:
// a mutex-guarded map expressing the conditional-write lock protocol.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/statestore"
)

// Store is a mutex-guarded, in-memory statestore.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]statestore.Record
	clock   clock.Clock
}

// New constructs a Store using clk to evaluate lease expiry.
func New(clk clock.Clock) *Store {
	return &Store{
		records: make(map[string]statestore.Record),
		clock:   clk,
	}
}

// InsertPending implements the idempotent pending-record insert.
func (s *Store) InsertPending(_ context.Context, urlHash, url, domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[urlHash]; exists {
		return false, nil
	}
	s.records[urlHash] = statestore.Record{
		URLHash: urlHash,
		URL:     url,
		Domain:  domain,
		State:   statestore.StatePending,
	}
	return true, nil
}

// TryAcquire implements the compare-and-swap lock acquisition.
func (s *Store) TryAcquire(
	_ context.Context,
	urlHash, url, domain, ownerID string,
	leaseSeconds time.Duration,
) (statestore.AcquireOutcome, statestore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	rec, exists := s.records[urlHash]

	switch {
	case !exists:
		rec = statestore.Record{URLHash: urlHash, URL: url, Domain: domain}
	case rec.State == statestore.StateDone || rec.State == statestore.StateFailed:
		return statestore.Terminal, rec, nil
	case rec.State == statestore.StateInProgress && rec.LeaseExpiresAt.After(now):
		return statestore.AlreadyHeld, rec, nil
	case rec.State != statestore.StatePending &&
		rec.State != statestore.StateDeferred &&
		!(rec.State == statestore.StateInProgress && !rec.LeaseExpiresAt.After(now)):
		return statestore.AlreadyHeld, rec, nil
	}

	rec.State = statestore.StateInProgress
	rec.OwnerID = ownerID
	rec.AcquiredAt = now
	rec.LeaseExpiresAt = now.Add(leaseSeconds)
	s.records[urlHash] = rec
	return statestore.Acquired, rec, nil
}

// RenewLease extends an owned lease.
func (s *Store) RenewLease(_ context.Context, urlHash, ownerID string, extend time.Duration) (statestore.RenewOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[urlHash]
	if !exists || rec.State != statestore.StateInProgress || rec.OwnerID != ownerID {
		return statestore.Lost, nil
	}
	rec.LeaseExpiresAt = s.clock.Now().Add(extend)
	s.records[urlHash] = rec
	return statestore.Renewed, nil
}

// Complete transitions a record to a terminal state.
func (s *Store) Complete(_ context.Context, urlHash, ownerID string, outcome any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[urlHash]
	if !exists || rec.State != statestore.StateInProgress || rec.OwnerID != ownerID {
		return statestore.ErrNotOwner
	}

	switch o := outcome.(type) {
	case statestore.Success:
		rec.State = statestore.StateDone
		rec.RawLocation = o.RawLocation
		rec.ContentHash = o.ContentHash
		rec.LastCrawledAt = o.CrawledAt
		rec.LastError = ""
	case statestore.PermanentFailure:
		rec.State = statestore.StateFailed
		rec.LastError = o.Reason
	default:
		return fmt.Errorf("memstore: unsupported outcome type %T", outcome)
	}
	rec.OwnerID = ""
	s.records[urlHash] = rec
	return nil
}

// ScheduleRetry reschedules a failed record, enforcing the retry cap.
func (s *Store) ScheduleRetry(_ context.Context, urlHash, ownerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[urlHash]
	if !exists || rec.State != statestore.StateInProgress || rec.OwnerID != ownerID {
		return statestore.ErrNotOwner
	}

	rec.Retries++
	rec.LastError = reason
	rec.OwnerID = ""
	if rec.Retries > statestore.MaxRetries {
		rec.State = statestore.StateFailed
	} else {
		rec.State = statestore.StateDeferred
	}
	s.records[urlHash] = rec
	return nil
}

// ReclaimExpired reclaims records whose lease has expired.
func (s *Store) ReclaimExpired(_ context.Context, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	reclaimed := 0
	for hash, rec := range s.records {
		if reclaimed >= batchSize {
			break
		}
		if rec.State != statestore.StateInProgress || rec.LeaseExpiresAt.After(now) {
			continue
		}
		rec.State = statestore.StatePending
		rec.OwnerID = ""
		s.records[hash] = rec
		reclaimed++
	}
	return reclaimed, nil
}

// Get returns a copy of the current record.
func (s *Store) Get(_ context.Context, urlHash string) (statestore.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[urlHash]
	return rec, ok, nil
}
