package memory

import (
	"context"
	"sync"
	"time"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

type quoteEntry struct {
	quote    domain.Quote
	deadline time.Time
}

// QuoteStore is an in-memory implementation of storage.QuoteStore.
// Expired entries are dropped lazily on access.
type QuoteStore struct {
	mu   sync.Mutex
	data map[string]quoteEntry // keyed by quote_id
	now  func() time.Time
}

// NewQuoteStore creates a new in-memory quote store.
func NewQuoteStore() *QuoteStore {
	return &QuoteStore{
		data: make(map[string]quoteEntry),
		now:  time.Now,
	}
}

// Put stores the quote if absent. Returns ErrDuplicateKey if quote_id exists.
func (s *QuoteStore) Put(_ context.Context, q *domain.Quote, ttl time.Duration) error {
	if q == nil || q.QuoteID == "" || ttl <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(q.QuoteID); ok {
		return storage.ErrDuplicateKey
	}

	s.data[q.QuoteID] = quoteEntry{quote: *q, deadline: s.now().Add(ttl)}
	return nil
}

// Get returns a copy of the quote. Returns ErrNotFound if absent or evicted.
func (s *QuoteStore) Get(_ context.Context, quoteID string) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(quoteID)
	if !ok {
		return nil, storage.ErrNotFound
	}

	q := e.quote
	return &q, nil
}

// Consume removes and returns the quote. Only one caller can observe it.
func (s *QuoteStore) Consume(_ context.Context, quoteID string) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(quoteID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.data, quoteID)

	q := e.quote
	return &q, nil
}

// live returns the entry if present and not past its deadline. Caller holds mu.
func (s *QuoteStore) live(quoteID string) (quoteEntry, bool) {
	e, ok := s.data[quoteID]
	if !ok {
		return quoteEntry{}, false
	}
	if !s.now().Before(e.deadline) {
		delete(s.data, quoteID)
		return quoteEntry{}, false
	}
	return e, true
}

// ReplayGuard is an in-memory implementation of storage.ReplayGuard.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> deadline
	now  func() time.Time
}

// NewReplayGuard creates a new in-memory replay guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MarkSeen records key. Returns ErrDuplicateKey if key was seen within its ttl.
func (g *ReplayGuard) MarkSeen(_ context.Context, key string, ttl time.Duration) error {
	if key == "" || ttl <= 0 {
		return storage.ErrInvalidInput
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if deadline, ok := g.seen[key]; ok && now.Before(deadline) {
		return storage.ErrDuplicateKey
	}
	g.seen[key] = now.Add(ttl)

	// Opportunistic cleanup keeps the map bounded by live keys.
	if len(g.seen) > 4096 {
		for k, d := range g.seen {
			if !now.Before(d) {
				delete(g.seen, k)
			}
		}
	}
	return nil
}

var (
	_ storage.QuoteStore  = (*QuoteStore)(nil)
	_ storage.ReplayGuard = (*ReplayGuard)(nil)
)
