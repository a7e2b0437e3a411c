package memory

import (
	"context"
	"sort"
	"sync"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

// TreasuryStore is an in-memory implementation of storage.RevenueStore and
// storage.BurnStore. A single mutex covers both so Settle and batch
// transitions stay atomic.
type TreasuryStore struct {
	mu      sync.RWMutex
	events  map[string]*domain.RevenueEvent // keyed by event_id
	burns   map[string]*domain.PendingBurn  // keyed by burn_id
	batches map[string]*domain.BurnBatch    // keyed by batch_id
	records []*domain.BurnRecord

	settling bool
}

// NewTreasuryStore creates a new in-memory treasury store.
func NewTreasuryStore() *TreasuryStore {
	return &TreasuryStore{
		events:  make(map[string]*domain.RevenueEvent),
		burns:   make(map[string]*domain.PendingBurn),
		batches: make(map[string]*domain.BurnBatch),
	}
}

// LockSettlement takes the settlement lock. Returns ErrLocked while it is held.
func (s *TreasuryStore) LockSettlement(context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settling {
		return nil, storage.ErrLocked
	}
	s.settling = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.settling = false
			s.mu.Unlock()
		})
	}, nil
}

// Insert adds a revenue event. Returns ErrDuplicateKey if event_id exists.
func (s *TreasuryStore) Insert(_ context.Context, e *domain.RevenueEvent) error {
	if e == nil || e.EventID == "" || e.PaymentMint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.EventID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *e
	s.events[e.EventID] = &copy
	return nil
}

// ListUnsettled returns unsettled events ordered by created_at ASC.
func (s *TreasuryStore) ListUnsettled(_ context.Context, limit int) ([]*domain.RevenueEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RevenueEvent
	for _, e := range s.events {
		if !e.Settled {
			copy := *e
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].EventID < result[j].EventID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Settle marks the event settled and stores its burns.
func (s *TreasuryStore) Settle(_ context.Context, eventID string, burns []*domain.PendingBurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.events[eventID]
	if !exists || e.Settled {
		return storage.ErrNotFound
	}

	// Validate before mutating anything.
	for _, b := range burns {
		if b == nil || b.BurnID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.burns[b.BurnID]; exists {
			return storage.ErrDuplicateKey
		}
	}

	for _, b := range burns {
		copy := *b
		copy.BatchID = ""
		s.burns[b.BurnID] = &copy
	}
	e.Settled = true
	return nil
}

// SumSince returns the amount collected in paymentMint after since.
func (s *TreasuryStore) SumSince(_ context.Context, paymentMint string, since int64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, e := range s.events {
		if e.PaymentMint == paymentMint && e.CreatedAt > since {
			total += e.Amount
		}
	}
	return total, nil
}

// ListPending returns unassigned burns ordered by created_at ASC.
func (s *TreasuryStore) ListPending(_ context.Context) ([]*domain.PendingBurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PendingBurn
	for _, b := range s.burns {
		if b.BatchID == "" {
			copy := *b
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].BurnID < result[j].BurnID
	})
	return result, nil
}

// CreateBatch stores a submitted batch and assigns its burns.
// Only one batch may be in submitted state at a time.
func (s *TreasuryStore) CreateBatch(_ context.Context, b *domain.BurnBatch) error {
	if b == nil || b.BatchID == "" || len(b.BurnIDs) == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.BatchID]; exists {
		return storage.ErrDuplicateKey
	}
	for _, existing := range s.batches {
		if existing.Status == domain.BatchStatusSubmitted {
			return storage.ErrInvalidInput
		}
	}
	for _, id := range b.BurnIDs {
		burn, exists := s.burns[id]
		if !exists || burn.BatchID != "" {
			return storage.ErrInvalidInput
		}
	}

	for _, id := range b.BurnIDs {
		s.burns[id].BatchID = b.BatchID
	}
	copy := *b
	copy.BurnIDs = append([]string(nil), b.BurnIDs...)
	copy.Status = domain.BatchStatusSubmitted
	s.batches[b.BatchID] = &copy
	return nil
}

// ListBatchBurns returns the burns assigned to batchID ordered by burn_id.
func (s *TreasuryStore) ListBatchBurns(_ context.Context, batchID string) ([]*domain.PendingBurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PendingBurn
	for _, b := range s.burns {
		if b.BatchID == batchID && batchID != "" {
			copy := *b
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BurnID < result[j].BurnID })
	return result, nil
}

// GetOpenBatch returns the batch in submitted state.
func (s *TreasuryStore) GetOpenBatch(_ context.Context) (*domain.BurnBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.batches {
		if b.Status == domain.BatchStatusSubmitted {
			return copyBatch(b), nil
		}
	}
	return nil, storage.ErrNotFound
}

// ConfirmBatch marks the batch confirmed and appends its burn records.
func (s *TreasuryStore) ConfirmBatch(_ context.Context, batchID string, records []*domain.BurnRecord, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.batches[batchID]
	if !exists {
		return storage.ErrNotFound
	}
	if b.Status != domain.BatchStatusSubmitted {
		return storage.ErrInvalidInput
	}

	b.Status = domain.BatchStatusConfirmed
	b.UpdatedAt = updatedAt
	for _, r := range records {
		copy := *r
		s.records = append(s.records, &copy)
	}
	return nil
}

// FailBatch marks the batch failed and releases its burns back to pending.
func (s *TreasuryStore) FailBatch(_ context.Context, batchID string, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.batches[batchID]
	if !exists {
		return storage.ErrNotFound
	}
	if b.Status != domain.BatchStatusSubmitted {
		return storage.ErrInvalidInput
	}

	b.Status = domain.BatchStatusFailed
	b.UpdatedAt = updatedAt
	for _, id := range b.BurnIDs {
		if burn, ok := s.burns[id]; ok && burn.BatchID == batchID {
			burn.BatchID = ""
		}
	}
	return nil
}

// ListBurnRecords returns burn records ordered by created_at DESC.
func (s *TreasuryStore) ListBurnRecords(_ context.Context, limit int) ([]*domain.BurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.BurnRecord, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		copy := *s.records[i]
		result = append(result, &copy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt > result[j].CreatedAt
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// TotalBurned returns the sum of all burn records.
func (s *TreasuryStore) TotalBurned(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, r := range s.records {
		total += r.AmountBurned
	}
	return total, nil
}

// LastConfirmedBatch returns the most recently confirmed batch.
func (s *TreasuryStore) LastConfirmedBatch(_ context.Context) (*domain.BurnBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *domain.BurnBatch
	for _, b := range s.batches {
		if b.Status != domain.BatchStatusConfirmed {
			continue
		}
		if last == nil || b.UpdatedAt > last.UpdatedAt {
			last = b
		}
	}
	if last == nil {
		return nil, storage.ErrNotFound
	}
	return copyBatch(last), nil
}

func copyBatch(b *domain.BurnBatch) *domain.BurnBatch {
	copy := *b
	copy.BurnIDs = append([]string(nil), b.BurnIDs...)
	return &copy
}

var (
	_ storage.RevenueStore = (*TreasuryStore)(nil)
	_ storage.BurnStore    = (*TreasuryStore)(nil)
)
