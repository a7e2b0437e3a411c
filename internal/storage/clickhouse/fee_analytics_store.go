package clickhouse

import (
	"context"
	"fmt"
	"time"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

// FeeAnalyticsStore implements storage.FeeAnalyticsStore using ClickHouse.
// Rows are keyed by event_id in a ReplacingMergeTree, so replays collapse on merge
// and reads use FINAL.
type FeeAnalyticsStore struct {
	conn *Conn
}

// NewFeeAnalyticsStore creates a new FeeAnalyticsStore.
func NewFeeAnalyticsStore(conn *Conn) *FeeAnalyticsStore {
	return &FeeAnalyticsStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FeeAnalyticsStore = (*FeeAnalyticsStore)(nil)

// InsertBulk appends fee events in one batch.
func (s *FeeAnalyticsStore) InsertBulk(ctx context.Context, events []*domain.RevenueEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e == nil || e.EventID == "" || e.PaymentMint == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO fee_events (event_id, payment_mint, amount, lamport_equivalent, created_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID,
			e.PaymentMint,
			e.Amount,
			e.LamportEquivalent,
			time.UnixMilli(e.CreatedAt).UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// TotalsByAsset returns totals ordered by payment mint.
func (s *FeeAnalyticsStore) TotalsByAsset(ctx context.Context) ([]storage.AssetTotal, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT payment_mint, count() AS cnt, sum(amount) AS amount, sum(lamport_equivalent) AS lamports
		FROM fee_events FINAL
		GROUP BY payment_mint
		ORDER BY payment_mint
	`)
	if err != nil {
		return nil, fmt.Errorf("query fee totals: %w", err)
	}
	defer rows.Close()

	var result []storage.AssetTotal
	for rows.Next() {
		var t storage.AssetTotal
		if err := rows.Scan(&t.PaymentMint, &t.Count, &t.Amount, &t.LamportEquivalent); err != nil {
			return nil, fmt.Errorf("scan fee total: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
