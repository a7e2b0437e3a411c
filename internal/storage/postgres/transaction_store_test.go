package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
	"solana-gas-relay/internal/storage/postgres"
)

func testTransaction(sig string, createdAt int64) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		QuoteID:          "quote-" + sig,
		Signature:        sig,
		UserWallet:       "UserWa11et1111111111111111111111111111111111",
		PaymentToken:     domain.NativeMint,
		FeeAmount:        21000,
		FeeSolEquivalent: 21000,
		FeePayer:         "FeePayer11111111111111111111111111111111111",
		Status:           domain.TxStatusSubmitted,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestTransactionStore_InsertAndGet(t *testing.T) {
	pool := setupTestDB(t)

	store := postgres.NewTransactionStore(pool)
	ctx := context.Background()

	rec := testTransaction("sig1", 1000)
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.GetBySignature(ctx, "sig1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	assert.ErrorIs(t, store.Insert(ctx, rec), storage.ErrDuplicateKey)

	_, err = store.GetBySignature(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionStore_UpdateStatus(t *testing.T) {
	pool := setupTestDB(t)

	store := postgres.NewTransactionStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, testTransaction("sig1", 1000)))

	require.NoError(t, store.UpdateStatus(ctx, "sig1", domain.TxStatusConfirmed, 2000))

	got, err := store.GetBySignature(ctx, "sig1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusConfirmed, got.Status)
	assert.Equal(t, int64(2000), got.UpdatedAt)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "sig1", domain.TxStatusFailed, 3000), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", domain.TxStatusFailed, 3000), storage.ErrNotFound)
	assert.ErrorIs(t, store.UpdateStatus(ctx, "sig1", domain.TxStatusSubmitted, 3000), storage.ErrInvalidInput)
}

func TestTransactionStore_ListRecentAndStats(t *testing.T) {
	pool := setupTestDB(t)

	store := postgres.NewTransactionStore(pool)
	ctx := context.Background()
	for i, sig := range []string{"a", "b", "c"} {
		require.NoError(t, store.Insert(ctx, testTransaction(sig, int64(1000+i))))
	}
	require.NoError(t, store.UpdateStatus(ctx, "a", domain.TxStatusConfirmed, 5000))
	require.NoError(t, store.UpdateStatus(ctx, "b", domain.TxStatusFailed, 5000))

	recent, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Signature)
	assert.Equal(t, "b", recent[1].Signature)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &storage.TransactionStats{
		Total:            3,
		Confirmed:        1,
		Failed:           1,
		TotalFeeLamports: 63000,
	}, stats)
}
