package memory

import (
	"context"
	"sort"
	"sync"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

// TransactionStore is an in-memory implementation of storage.TransactionStore.
type TransactionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TransactionRecord // keyed by signature
}

// NewTransactionStore creates a new in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		data: make(map[string]*domain.TransactionRecord),
	}
}

// Insert adds a new record. Returns ErrDuplicateKey if signature exists.
func (s *TransactionStore) Insert(_ context.Context, r *domain.TransactionRecord) error {
	if r == nil || r.Signature == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.Signature]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *r
	s.data[r.Signature] = &copy
	return nil
}

// UpdateStatus applies the terminal status transition.
func (s *TransactionStore) UpdateStatus(_ context.Context, signature string, status domain.TxStatus, updatedAt int64) error {
	if status != domain.TxStatusConfirmed && status != domain.TxStatusFailed {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[signature]
	if !exists {
		return storage.ErrNotFound
	}
	if r.Status != domain.TxStatusSubmitted {
		return storage.ErrInvalidInput
	}

	r.Status = status
	r.UpdatedAt = updatedAt
	return nil
}

// GetBySignature retrieves a record. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetBySignature(_ context.Context, signature string) (*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[signature]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *r
	return &copy, nil
}

// ListRecent returns records ordered by created_at DESC.
func (s *TransactionStore) ListRecent(_ context.Context, limit int) ([]*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.TransactionRecord, 0, len(s.data))
	for _, r := range s.data {
		copy := *r
		result = append(result, &copy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].Signature < result[j].Signature
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetStats returns aggregate counters over all records.
func (s *TransactionStore) GetStats(_ context.Context) (*storage.TransactionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.TransactionStats{}
	for _, r := range s.data {
		stats.Total++
		switch r.Status {
		case domain.TxStatusConfirmed:
			stats.Confirmed++
		case domain.TxStatusFailed:
			stats.Failed++
		}
		stats.TotalFeeLamports += r.FeeSolEquivalent
	}
	return stats, nil
}

var _ storage.TransactionStore = (*TransactionStore)(nil)
