// Package relay implements the submission path: quote consumption,
// validation, co-signing, broadcast and record keeping.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
)

// Reservations releases the fee-payer reservation held by a quote.
type Reservations interface {
	Release(quoteID string) bool
}

// Validator accepts or rejects a transaction against its quote.
type Validator interface {
	Validate(ctx context.Context, tx *solanago.Transaction, q *domain.Quote) error
}

// Signers resolves fee-payer keys.
type Signers interface {
	Signer(pub solanago.PublicKey) (solanago.PrivateKey, error)
}

// Config configures the submission path.
type Config struct {
	ExplorerURL    string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// SubmitRequest is a client submission.
type SubmitRequest struct {
	QuoteID     string
	Transaction string // base64 wire transaction signed by the user
	UserPubkey  string
}

// SubmitResult is returned after broadcast.
type SubmitResult struct {
	Signature   string `json:"signature"`
	ExplorerURL string `json:"explorerUrl"`
	Status      string `json:"status"`
}

// Service runs submissions.
type Service struct {
	quotes       storage.QuoteStore
	reservations Reservations
	validator    Validator
	signers      Signers
	rpc          solana.RPCClient
	txs          storage.TransactionStore
	tracker      *Tracker
	cfg          Config
	log          zerolog.Logger
	now          func() time.Time
}

// NewService creates the submission service. The tracker may be nil, in
// which case transactions stay submitted until reconciled.
func NewService(
	quotes storage.QuoteStore,
	reservations Reservations,
	validator Validator,
	signers Signers,
	rpc solana.RPCClient,
	txs storage.TransactionStore,
	tracker *Tracker,
	cfg Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		quotes:       quotes,
		reservations: reservations,
		validator:    validator,
		signers:      signers,
		rpc:          rpc,
		txs:          txs,
		tracker:      tracker,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
	}
}

// Submit validates, co-signs and broadcasts a user transaction. At most one
// submission per quote id succeeds.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	res, err := s.submit(ctx, req)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			observability.RecordSubmission(derr.Code)
		} else {
			observability.RecordSubmission(domain.CodeInternal)
		}
		return nil, err
	}
	observability.RecordSubmission("submitted")
	return res, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	q, err := s.quotes.Get(ctx, req.QuoteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NewError(domain.KindClient, domain.CodeQuoteNotFound, "quote not found")
		}
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "read quote", err)
	}

	if q.Expired(s.now().UnixMilli()) {
		s.reservations.Release(q.QuoteID)
		return nil, domain.Reject(domain.CodeQuoteExpired, "quote expired, request a new one")
	}
	if req.UserPubkey != q.UserPubkey {
		return nil, domain.Reject(domain.CodeUserMismatch, "userPubkey does not match the quote")
	}

	tx, err := solana.DecodeTransaction(req.Transaction)
	if err != nil {
		return nil, domain.WrapError(domain.KindClient, domain.CodeInvalidTransaction, "transaction cannot be decoded", err)
	}

	if err := s.validator.Validate(ctx, tx, q); err != nil {
		return nil, err
	}

	// Validation passed; exactly one caller wins the quote.
	consumed, err := s.quotes.Consume(ctx, q.QuoteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.Reject(domain.CodeQuoteAlreadyUsed, "quote was already used")
		}
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "consume quote", err)
	}
	defer s.reservations.Release(q.QuoteID)

	// Validation makes RPC calls; the quote may have run out meanwhile.
	if consumed.Expired(s.now().UnixMilli()) {
		return nil, domain.Reject(domain.CodeQuoteExpired, "quote expired, request a new one")
	}

	feePayer, err := solanago.PublicKeyFromBase58(q.FeePayer)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "quote carries an invalid fee payer", err)
	}
	signer, err := s.signers.Signer(feePayer)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "fee payer key unavailable", err)
	}
	if err := solana.CoSign(tx, signer); err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "co-sign", err)
	}

	encoded, err := solana.EncodeTransaction(tx)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "encode transaction", err)
	}

	sig, err := s.rpc.SendTransaction(ctx, encoded)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			return nil, err
		}
		return nil, domain.WrapError(domain.KindUpstream, domain.CodeBroadcastFailed, "broadcast rejected", err)
	}

	now := s.now().UnixMilli()
	rec := &domain.TransactionRecord{
		QuoteID:          q.QuoteID,
		Signature:        sig,
		UserWallet:       q.UserPubkey,
		PaymentToken:     q.PaymentMint,
		FeeAmount:        q.FeeAmount,
		FeeSolEquivalent: q.FeeLamports,
		FeePayer:         q.FeePayer,
		Status:           domain.TxStatusSubmitted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// The transaction is already on the wire; a failed write must not fail the request.
	if err := s.txs.Insert(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("signature", sig).Str("quote_id", q.QuoteID).Msg("record transaction")
	}

	if s.tracker != nil {
		s.tracker.Track(sig)
	}

	s.log.Info().
		Str("signature", sig).
		Str("quote_id", q.QuoteID).
		Str("fee_payer", q.FeePayer).
		Uint64("fee", q.FeeAmount).
		Str("asset", q.PaymentMint).
		Msg("transaction submitted")

	return &SubmitResult{
		Signature:   sig,
		ExplorerURL: s.cfg.ExplorerURL + sig,
		Status:      string(domain.TxStatusSubmitted),
	}, nil
}

func (r SubmitRequest) validate() error {
	var missing []string
	if r.QuoteID == "" {
		missing = append(missing, "quoteId")
	}
	if r.Transaction == "" {
		missing = append(missing, "transaction")
	}
	if r.UserPubkey == "" {
		missing = append(missing, "userPubkey")
	}
	if len(missing) > 0 {
		return domain.NewError(domain.KindClient, domain.CodeMissingField, "missing required field: "+strings.Join(missing, ", "))
	}
	return nil
}
