// Package dedup provides the idempotency cache for inbound webhook events.
// Webhook senders may redeliver the same event; marking before any async
// work guarantees at-most-once side effects within the TTL window.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a processed message id is remembered.
	// A redelivery after the TTL is treated as a new event.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often expired entries are removed.
	DefaultSweepInterval = 60 * time.Second
)

// Store is an in-memory TTL dedup store. Safe for concurrent use.
// It is an accelerator, not a source of truth beyond the TTL window.
type Store struct {
	mu      sync.Mutex
	entries map[string]time.Time // message id -> processed at
	ttl     time.Duration
	sweep   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a dedup store with the given TTL and sweep interval.
// Zero values select the defaults.
func New(ttl, sweep time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Store{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		sweep:   sweep,
		logger:  logger,
		now:     time.Now,
	}
}

// MarkProcessed records the id and reports whether it was already present
// and unexpired. Check and insert happen under one lock; two concurrent
// deliveries of the same id cannot both observe "new".
func (s *Store) MarkProcessed(id string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.entries[id]; ok && now.Sub(at) <= s.ttl {
		return true
	}
	s.entries[id] = now
	return false
}

// IsDuplicate reports whether the id has been marked within the TTL.
func (s *Store) IsDuplicate(id string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.entries[id]
	return ok && now.Sub(at) <= s.ttl
}

// Sweep removes entries older than the TTL and returns how many it removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, at := range s.entries {
		if now.Sub(at) > s.ttl {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("dedup sweep", "removed", n)
			}
		}
	}
}

// Len returns the number of tracked entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
