package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/storage"
)

// TransactionStore implements storage.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransactionStore = (*TransactionStore)(nil)

const transactionColumns = `
	signature, quote_id, user_wallet, payment_token,
	fee_amount, fee_sol_equivalent, fee_payer, status,
	created_at, updated_at
`

// Insert adds a new record. Returns ErrDuplicateKey if signature exists.
func (s *TransactionStore) Insert(ctx context.Context, r *domain.TransactionRecord) error {
	if r == nil || r.Signature == "" {
		return storage.ErrInvalidInput
	}

	query := `INSERT INTO transactions (` + transactionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		r.Signature, r.QuoteID, r.UserWallet, r.PaymentToken,
		int64(r.FeeAmount), int64(r.FeeSolEquivalent), r.FeePayer, string(r.Status),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// UpdateStatus applies the terminal status transition.
func (s *TransactionStore) UpdateStatus(ctx context.Context, signature string, status domain.TxStatus, updatedAt int64) error {
	if status != domain.TxStatusConfirmed && status != domain.TxStatusFailed {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3
		WHERE signature = $1 AND status = 'submitted'
	`, signature, string(status), updatedAt)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish an unknown signature from a record that already settled.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE signature = $1)`, signature).Scan(&exists); err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrInvalidInput
}

// GetBySignature retrieves a record. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetBySignature(ctx context.Context, signature string) (*domain.TransactionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE signature = $1`, signature)
	r, err := scanTransaction(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return r, nil
}

// ListRecent returns records ordered by created_at DESC.
func (s *TransactionStore) ListRecent(ctx context.Context, limit int) ([]*domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY created_at DESC, signature ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.TransactionRecord
	for rows.Next() {
		r, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetStats returns aggregate counters over all records.
func (s *TransactionStore) GetStats(ctx context.Context) (*storage.TransactionStats, error) {
	var stats storage.TransactionStats
	var fees int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(fee_sol_equivalent), 0)::BIGINT
		FROM transactions
	`).Scan(&stats.Total, &stats.Confirmed, &stats.Failed, &fees)
	if err != nil {
		return nil, fmt.Errorf("transaction stats: %w", err)
	}
	stats.TotalFeeLamports = uint64(fees)
	return &stats, nil
}

func scanTransaction(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		r           domain.TransactionRecord
		fee, feeSOL int64
		status      string
	)
	err := row.Scan(
		&r.Signature, &r.QuoteID, &r.UserWallet, &r.PaymentToken,
		&fee, &feeSOL, &r.FeePayer, &status,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.FeeAmount = uint64(fee)
	r.FeeSolEquivalent = uint64(feeSOL)
	r.Status = domain.TxStatus(status)
	return &r, nil
}
