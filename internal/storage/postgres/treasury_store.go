package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

// constraint that admits a single submitted batch
const openBatchIndex = "burn_batches_one_open"

// settlementLockKey identifies the session-level advisory lock held for a
// settlement cycle.
const settlementLockKey int64 = 0x736574746c65

// TreasuryStore implements storage.RevenueStore and storage.BurnStore using
// PostgreSQL. Multi-row transitions run in a single transaction.
type TreasuryStore struct {
	pool *Pool
}

// NewTreasuryStore creates a new TreasuryStore.
func NewTreasuryStore(pool *Pool) *TreasuryStore {
	return &TreasuryStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.RevenueStore = (*TreasuryStore)(nil)
	_ storage.BurnStore    = (*TreasuryStore)(nil)
)

// LockSettlement takes a session advisory lock on a dedicated connection.
// The lock dies with the session, so a crashed holder never blocks settlement.
func (s *TreasuryStore) LockSettlement(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, settlementLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try settlement lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, storage.ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, settlementLockKey); err != nil {
				// closing the session drops the lock
				_ = conn.Hijack().Close(ctx)
				return
			}
			conn.Release()
		})
	}, nil
}

// Insert adds a revenue event. Returns ErrDuplicateKey if event_id exists.
func (s *TreasuryStore) Insert(ctx context.Context, e *domain.RevenueEvent) error {
	if e == nil || e.EventID == "" || e.PaymentMint == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO revenue_events (event_id, payment_mint, amount, lamport_equivalent, created_at, settled)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.EventID, e.PaymentMint, int64(e.Amount), int64(e.LamportEquivalent), e.CreatedAt, e.Settled)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert revenue event: %w", err)
	}
	return nil
}

// ListUnsettled returns unsettled events ordered by created_at ASC.
func (s *TreasuryStore) ListUnsettled(ctx context.Context, limit int) ([]*domain.RevenueEvent, error) {
	query := `
		SELECT event_id, payment_mint, amount, lamport_equivalent, created_at, settled
		FROM revenue_events
		WHERE NOT settled
		ORDER BY created_at ASC, event_id ASC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unsettled revenue: %w", err)
	}
	defer rows.Close()

	var result []*domain.RevenueEvent
	for rows.Next() {
		var (
			e              domain.RevenueEvent
			amount, lamEqv int64
		)
		if err := rows.Scan(&e.EventID, &e.PaymentMint, &amount, &lamEqv, &e.CreatedAt, &e.Settled); err != nil {
			return nil, fmt.Errorf("scan revenue event: %w", err)
		}
		e.Amount = uint64(amount)
		e.LamportEquivalent = uint64(lamEqv)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// Settle marks the event settled and stores its burns in one transaction.
func (s *TreasuryStore) Settle(ctx context.Context, eventID string, burns []*domain.PendingBurn) error {
	for _, b := range burns {
		if b == nil || b.BurnID == "" {
			return storage.ErrInvalidInput
		}
	}

	return s.pool.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE revenue_events SET settled = TRUE WHERE event_id = $1 AND NOT settled`, eventID)
		if err != nil {
			return fmt.Errorf("settle revenue event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}

		for _, b := range burns {
			_, err := tx.Exec(ctx, `
				INSERT INTO pending_burns (burn_id, event_id, method, amount, retained, batch_id, created_at)
				VALUES ($1, $2, $3, $4, $5, NULL, $6)
			`, b.BurnID, b.EventID, string(b.Method), int64(b.Amount), int64(b.Retained), b.CreatedAt)
			if err != nil {
				if isDuplicateKeyError(err) {
					return storage.ErrDuplicateKey
				}
				return fmt.Errorf("insert pending burn: %w", err)
			}
		}
		return nil
	})
}

// SumSince returns the amount collected in paymentMint after since.
func (s *TreasuryStore) SumSince(ctx context.Context, paymentMint string, since int64) (uint64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::BIGINT
		FROM revenue_events
		WHERE payment_mint = $1 AND created_at > $2
	`, paymentMint, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum revenue: %w", err)
	}
	return uint64(total), nil
}

const burnColumns = `burn_id, event_id, method, amount, retained, COALESCE(batch_id, ''), created_at`

// ListPending returns unassigned burns ordered by created_at ASC.
func (s *TreasuryStore) ListPending(ctx context.Context) ([]*domain.PendingBurn, error) {
	return s.queryBurns(ctx, `
		SELECT `+burnColumns+` FROM pending_burns
		WHERE batch_id IS NULL
		ORDER BY created_at ASC, burn_id ASC
	`)
}

// ListBatchBurns returns the burns assigned to batchID ordered by burn_id.
func (s *TreasuryStore) ListBatchBurns(ctx context.Context, batchID string) ([]*domain.PendingBurn, error) {
	if batchID == "" {
		return nil, nil
	}
	return s.queryBurns(ctx, `
		SELECT `+burnColumns+` FROM pending_burns
		WHERE batch_id = $1
		ORDER BY burn_id ASC
	`, batchID)
}

func (s *TreasuryStore) queryBurns(ctx context.Context, query string, args ...any) ([]*domain.PendingBurn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending burns: %w", err)
	}
	defer rows.Close()

	var result []*domain.PendingBurn
	for rows.Next() {
		var (
			b                domain.PendingBurn
			method           string
			amount, retained int64
		)
		if err := rows.Scan(&b.BurnID, &b.EventID, &method, &amount, &retained, &b.BatchID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending burn: %w", err)
		}
		b.Method = domain.BurnMethod(method)
		b.Amount = uint64(amount)
		b.Retained = uint64(retained)
		result = append(result, &b)
	}
	return result, rows.Err()
}

// CreateBatch stores a submitted batch and assigns its burns.
// Only one batch may be in submitted state at a time.
func (s *TreasuryStore) CreateBatch(ctx context.Context, b *domain.BurnBatch) error {
	if b == nil || b.BatchID == "" || len(b.BurnIDs) == 0 {
		return storage.ErrInvalidInput
	}
	ids := uniqueStrings(b.BurnIDs)

	return s.pool.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO burn_batches (
				batch_id, signature, burn_ids, total, last_valid_block_height,
				pre_balance, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 'submitted', $7, $8)
		`, b.BatchID, b.Signature, b.BurnIDs, int64(b.Total), int64(b.LastValidBlockHeight),
			int64(b.PreBalance), b.CreatedAt, b.UpdatedAt)
		if err != nil {
			if name, ok := uniqueViolationConstraint(err); ok {
				if name == openBatchIndex {
					return storage.ErrInvalidInput
				}
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert burn batch: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE pending_burns SET batch_id = $1
			WHERE burn_id = ANY($2) AND batch_id IS NULL
		`, b.BatchID, ids)
		if err != nil {
			return fmt.Errorf("assign burns: %w", err)
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return storage.ErrInvalidInput
		}
		return nil
	})
}

const batchColumns = `
	batch_id, signature, burn_ids, total, last_valid_block_height,
	pre_balance, status, created_at, updated_at
`

// GetOpenBatch returns the batch in submitted state.
func (s *TreasuryStore) GetOpenBatch(ctx context.Context) (*domain.BurnBatch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM burn_batches WHERE status = 'submitted'`)
	return getBatch(row)
}

// LastConfirmedBatch returns the most recently confirmed batch.
func (s *TreasuryStore) LastConfirmedBatch(ctx context.Context) (*domain.BurnBatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM burn_batches
		WHERE status = 'confirmed'
		ORDER BY updated_at DESC, batch_id ASC
		LIMIT 1
	`)
	return getBatch(row)
}

func getBatch(row pgx.Row) (*domain.BurnBatch, error) {
	var (
		b                         domain.BurnBatch
		total, lastValid, balance int64
		status                    string
	)
	err := row.Scan(&b.BatchID, &b.Signature, &b.BurnIDs, &total, &lastValid,
		&balance, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get burn batch: %w", err)
	}
	b.Total = uint64(total)
	b.LastValidBlockHeight = uint64(lastValid)
	b.PreBalance = uint64(balance)
	b.Status = domain.BatchStatus(status)
	return &b, nil
}

// ConfirmBatch marks the batch confirmed and appends its burn records.
func (s *TreasuryStore) ConfirmBatch(ctx context.Context, batchID string, records []*domain.BurnRecord, updatedAt int64) error {
	return s.pool.withTx(ctx, func(tx pgx.Tx) error {
		if err := closeBatch(ctx, tx, batchID, domain.BatchStatusConfirmed, updatedAt); err != nil {
			return err
		}

		for _, r := range records {
			_, err := tx.Exec(ctx, `
				INSERT INTO burn_records (
					signature, method, amount_burned, treasury_amount_retained, batch_id, created_at
				) VALUES ($1, $2, $3, $4, $5, $6)
			`, r.Signature, string(r.Method), int64(r.AmountBurned), int64(r.TreasuryAmountRetained), batchID, r.CreatedAt)
			if err != nil {
				if isDuplicateKeyError(err) {
					return storage.ErrDuplicateKey
				}
				return fmt.Errorf("insert burn record: %w", err)
			}
		}
		return nil
	})
}

// FailBatch marks the batch failed and releases its burns back to pending.
func (s *TreasuryStore) FailBatch(ctx context.Context, batchID string, updatedAt int64) error {
	return s.pool.withTx(ctx, func(tx pgx.Tx) error {
		if err := closeBatch(ctx, tx, batchID, domain.BatchStatusFailed, updatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE pending_burns SET batch_id = NULL WHERE batch_id = $1`, batchID); err != nil {
			return fmt.Errorf("release burns: %w", err)
		}
		return nil
	})
}

// closeBatch moves a submitted batch to a terminal status under a row lock.
func closeBatch(ctx context.Context, tx pgx.Tx, batchID string, status domain.BatchStatus, updatedAt int64) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM burn_batches WHERE batch_id = $1 FOR UPDATE`, batchID).Scan(&current)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("lock burn batch: %w", err)
	}
	if domain.BatchStatus(current) != domain.BatchStatusSubmitted {
		return storage.ErrInvalidInput
	}

	_, err = tx.Exec(ctx, `UPDATE burn_batches SET status = $2, updated_at = $3 WHERE batch_id = $1`,
		batchID, string(status), updatedAt)
	if err != nil {
		return fmt.Errorf("update burn batch: %w", err)
	}
	return nil
}

// ListBurnRecords returns burn records ordered by created_at DESC.
func (s *TreasuryStore) ListBurnRecords(ctx context.Context, limit int) ([]*domain.BurnRecord, error) {
	query := `
		SELECT signature, method, amount_burned, treasury_amount_retained, batch_id, created_at
		FROM burn_records
		ORDER BY created_at DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list burn records: %w", err)
	}
	defer rows.Close()

	var result []*domain.BurnRecord
	for rows.Next() {
		var (
			r                domain.BurnRecord
			method           string
			burned, retained int64
		)
		if err := rows.Scan(&r.Signature, &method, &burned, &retained, &r.BatchID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan burn record: %w", err)
		}
		r.Method = domain.BurnMethod(method)
		r.AmountBurned = uint64(burned)
		r.TreasuryAmountRetained = uint64(retained)
		result = append(result, &r)
	}
	return result, rows.Err()
}

// TotalBurned returns the sum of all burn records.
func (s *TreasuryStore) TotalBurned(ctx context.Context) (uint64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount_burned), 0)::BIGINT FROM burn_records`).Scan(&total); err != nil {
		return 0, fmt.Errorf("total burned: %w", err)
	}
	return uint64(total), nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
