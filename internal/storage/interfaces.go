package storage

import (
	"context"
	"time"

	"solana-gas-relay/internal/domain"
)

// QuoteStore is the coordination store for issued quotes.
// Implementations must make Put and Consume atomic across concurrent callers.
type QuoteStore interface {
	// Put stores the quote for ttl if no quote with the same ID exists.
	// Returns ErrDuplicateKey if the ID is already present.
	Put(ctx context.Context, q *domain.Quote, ttl time.Duration) error

	// Get returns the quote without consuming it. Returns ErrNotFound if absent.
	Get(ctx context.Context, quoteID string) (*domain.Quote, error)

	// Consume atomically reads and deletes the quote. Exactly one of several
	// concurrent callers receives the quote; the others get ErrNotFound.
	Consume(ctx context.Context, quoteID string) (*domain.Quote, error)
}

// ReplayGuard deduplicates signed transactions.
type ReplayGuard interface {
	// MarkSeen inserts key if absent. Returns ErrDuplicateKey if it was already present.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
}

// TransactionStore provides access to relayed transaction records.
type TransactionStore interface {
	// Insert adds a new record. Returns ErrDuplicateKey if signature exists.
	Insert(ctx context.Context, r *domain.TransactionRecord) error

	// UpdateStatus applies the terminal transition submitted -> confirmed/failed.
	// Returns ErrNotFound if the signature is unknown and ErrInvalidInput if the
	// record already left the submitted state.
	UpdateStatus(ctx context.Context, signature string, status domain.TxStatus, updatedAt int64) error

	// GetBySignature retrieves a record. Returns ErrNotFound if not exists.
	GetBySignature(ctx context.Context, signature string) (*domain.TransactionRecord, error)

	// ListRecent returns the newest records first.
	ListRecent(ctx context.Context, limit int) ([]*domain.TransactionRecord, error)

	// GetStats returns aggregate counters.
	GetStats(ctx context.Context) (*TransactionStats, error)
}

// TransactionStats aggregates transaction records.
type TransactionStats struct {
	Total            int64
	Confirmed        int64
	Failed           int64
	TotalFeeLamports uint64
}

// RevenueStore provides access to the revenue ledger.
type RevenueStore interface {
	// Insert appends a revenue event. Returns ErrDuplicateKey if event_id exists.
	Insert(ctx context.Context, e *domain.RevenueEvent) error

	// ListUnsettled returns unsettled events ordered by creation time.
	ListUnsettled(ctx context.Context, limit int) ([]*domain.RevenueEvent, error)

	// Settle marks the event settled and stores its pending burns in one atomic step.
	// Returns ErrNotFound if the event does not exist or is already settled.
	Settle(ctx context.Context, eventID string, burns []*domain.PendingBurn) error

	// SumSince returns the total amount collected in paymentMint with created_at > since.
	SumSince(ctx context.Context, paymentMint string, since int64) (uint64, error)
}

// BurnStore provides access to pending burns, burn batches and burn records.
type BurnStore interface {
	// LockSettlement takes the settlement lock shared by every process using
	// the store, without waiting. Returns ErrLocked if it is held elsewhere.
	// release must be called exactly once.
	LockSettlement(ctx context.Context) (release func(), err error)

	// ListPending returns burns not assigned to any batch, ordered by creation time.
	ListPending(ctx context.Context) ([]*domain.PendingBurn, error)

	// CreateBatch stores the batch and assigns its member burns atomically.
	// Fails with ErrInvalidInput if any member burn is already assigned.
	CreateBatch(ctx context.Context, b *domain.BurnBatch) error

	// ListBatchBurns returns the burns assigned to a batch.
	ListBatchBurns(ctx context.Context, batchID string) ([]*domain.PendingBurn, error)

	// GetOpenBatch returns the batch in submitted state, or ErrNotFound.
	GetOpenBatch(ctx context.Context) (*domain.BurnBatch, error)

	// ConfirmBatch marks the batch confirmed and appends its burn records atomically.
	ConfirmBatch(ctx context.Context, batchID string, records []*domain.BurnRecord, updatedAt int64) error

	// FailBatch marks the batch failed and returns its burns to the pending set.
	FailBatch(ctx context.Context, batchID string, updatedAt int64) error

	// ListBurnRecords returns the newest burn records first.
	ListBurnRecords(ctx context.Context, limit int) ([]*domain.BurnRecord, error)

	// TotalBurned returns the sum of all confirmed burns.
	TotalBurned(ctx context.Context) (uint64, error)

	// LastConfirmedBatch returns the most recently confirmed batch, or ErrNotFound.
	LastConfirmedBatch(ctx context.Context) (*domain.BurnBatch, error)
}

// FeeAnalyticsStore is an append-only analytics sink for collected fees.
type FeeAnalyticsStore interface {
	// InsertBulk appends fee events.
	InsertBulk(ctx context.Context, events []*domain.RevenueEvent) error

	// TotalsByAsset returns collected totals keyed by payment mint.
	TotalsByAsset(ctx context.Context) ([]AssetTotal, error)
}

// AssetTotal is a per-asset fee aggregate.
type AssetTotal struct {
	PaymentMint       string
	Count             uint64
	Amount            uint64
	LamportEquivalent uint64
}
