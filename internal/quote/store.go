// Package quote implements the in-memory quote store: the latest observed
// price per (venue, pair) with immutable snapshot reads for the path finder.
package quote

import (
	"sync"
	"time"

	"github.com/flasharb/engine/internal/domain"
)

// Store holds the most recent quote per (venue, pair). Upserts are idempotent
// and keyed by identity: an incoming quote only replaces the stored one when
// its ObservedAt is strictly newer, so out-of-order and duplicate feed
// deliveries are harmless.
type Store struct {
	mu      sync.RWMutex
	quotes  map[domain.QuoteKey]domain.Quote
	version uint64

	// onUpdate, when set, is invoked after every accepted upsert with the
	// pair that changed. Used by the engine to trigger detection runs.
	onUpdate func(pair domain.AssetPair)
}

// NewStore creates an empty quote store.
func NewStore() *Store {
	return &Store{quotes: make(map[domain.QuoteKey]domain.Quote)}
}

// SetUpdateHook registers a callback fired after each accepted upsert. Must
// be called before the store receives traffic. The hook runs on the feed
// goroutine and must not block.
func (s *Store) SetUpdateHook(fn func(pair domain.AssetPair)) {
	s.onUpdate = fn
}

// Upsert records a quote. It returns true when the quote was accepted, false
// when it was dropped as a duplicate or an out-of-order stale delivery.
func (s *Store) Upsert(q domain.Quote) bool {
	s.mu.Lock()
	prev, ok := s.quotes[q.Key()]
	if ok && !q.ObservedAt.After(prev.ObservedAt) {
		s.mu.Unlock()
		return false
	}
	s.quotes[q.Key()] = q
	s.version++
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(q.Pair)
	}
	return true
}

// Snapshot returns an immutable copy of the current quote set. Callers may
// hold the snapshot for the duration of a detection run without observing a
// torn mix of old and new quotes.
func (s *Store) Snapshot() domain.QuoteSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quotes := make(map[domain.QuoteKey]domain.Quote, len(s.quotes))
	for k, q := range s.quotes {
		quotes[k] = q
	}
	return domain.QuoteSnapshot{
		Quotes:  quotes,
		Version: s.version,
		TakenAt: time.Now().UTC(),
	}
}

// Version returns the current snapshot version without copying.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the number of distinct (venue, pair) keys held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}
