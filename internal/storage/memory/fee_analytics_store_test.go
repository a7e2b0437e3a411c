package memory

import (
	"context"
	"errors"
	"testing"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

func TestFeeAnalyticsStore_TotalsByAsset(t *testing.T) {
	store := NewFeeAnalyticsStore()
	ctx := context.Background()

	err := store.InsertBulk(ctx, []*domain.RevenueEvent{
		{EventID: "a", PaymentMint: domain.NativeMint, Amount: 21187, LamportEquivalent: 21187},
		{EventID: "b", PaymentMint: "usdc", Amount: 3179, LamportEquivalent: 21187},
		{EventID: "c", PaymentMint: domain.NativeMint, Amount: 30000, LamportEquivalent: 30000},
	})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	totals, err := store.TotalsByAsset(ctx)
	if err != nil {
		t.Fatalf("TotalsByAsset failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("Expected 2 assets, got %d", len(totals))
	}
	sol := totals[0]
	if sol.PaymentMint != domain.NativeMint || sol.Count != 2 || sol.Amount != 51187 || sol.LamportEquivalent != 51187 {
		t.Errorf("Unexpected native totals: %+v", sol)
	}
	if totals[1].PaymentMint != "usdc" || totals[1].Amount != 3179 {
		t.Errorf("Unexpected usdc totals: %+v", totals[1])
	}
}

func TestFeeAnalyticsStore_InvalidEventRejectsBatch(t *testing.T) {
	store := NewFeeAnalyticsStore()
	ctx := context.Background()

	err := store.InsertBulk(ctx, []*domain.RevenueEvent{
		{EventID: "a", PaymentMint: domain.NativeMint, Amount: 1},
		{EventID: "b"},
	})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}

	totals, _ := store.TotalsByAsset(ctx)
	if len(totals) != 0 {
		t.Errorf("Expected nothing stored, got %+v", totals)
	}
}
