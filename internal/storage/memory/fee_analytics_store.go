package memory

import (
	"context"
	"sort"
	"sync"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

// FeeAnalyticsStore is an in-memory implementation of storage.FeeAnalyticsStore.
type FeeAnalyticsStore struct {
	mu     sync.RWMutex
	totals map[string]*storage.AssetTotal // keyed by payment mint
}

// NewFeeAnalyticsStore creates a new in-memory fee analytics store.
func NewFeeAnalyticsStore() *FeeAnalyticsStore {
	return &FeeAnalyticsStore{totals: make(map[string]*storage.AssetTotal)}
}

// InsertBulk folds events into the per-asset totals.
func (s *FeeAnalyticsStore) InsertBulk(_ context.Context, events []*domain.RevenueEvent) error {
	for _, e := range events {
		if e == nil || e.PaymentMint == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		t, ok := s.totals[e.PaymentMint]
		if !ok {
			t = &storage.AssetTotal{PaymentMint: e.PaymentMint}
			s.totals[e.PaymentMint] = t
		}
		t.Count++
		t.Amount += e.Amount
		t.LamportEquivalent += e.LamportEquivalent
	}
	return nil
}

// TotalsByAsset returns totals ordered by payment mint.
func (s *FeeAnalyticsStore) TotalsByAsset(_ context.Context) ([]storage.AssetTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.AssetTotal, 0, len(s.totals))
	for _, t := range s.totals {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PaymentMint < result[j].PaymentMint })
	return result, nil
}

var _ storage.FeeAnalyticsStore = (*FeeAnalyticsStore)(nil)
