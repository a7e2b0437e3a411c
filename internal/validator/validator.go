// Package validator decides whether the relay may co-sign a user transaction.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/pricing"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
)

// DefaultReplayTTL outlives blockhash validity (~150 blocks, roughly 60-90s).
const DefaultReplayTTL = 3 * time.Minute

// DefaultAllowedPrograms is the fixed program allow-list.
func DefaultAllowedPrograms() []solanago.PublicKey {
	return []solanago.PublicKey{
		solana.SystemProgramID,
		solana.TokenProgramID,
		solana.Token2022ProgramID,
		solana.AssociatedTokenProgramID,
		solana.ComputeBudgetProgramID,
		solana.JupiterV6ProgramID,
	}
}

// Config configures the validator.
type Config struct {
	LamportsPerSignature uint64
	DefaultComputeUnits  uint32
	MicroLamportsPerCU   uint64
	Treasury             solanago.PublicKey
	ReplayTTL            time.Duration
	AllowedPrograms      []solanago.PublicKey
}

// Validator runs the ordered acceptance checks.
type Validator struct {
	rpc     solana.RPCClient
	replay  storage.ReplayGuard
	cfg     Config
	allowed map[solanago.PublicKey]struct{}
	log     zerolog.Logger
}

// New creates a validator. An empty AllowedPrograms uses DefaultAllowedPrograms.
func New(rpc solana.RPCClient, replay storage.ReplayGuard, cfg Config, log zerolog.Logger) *Validator {
	if len(cfg.AllowedPrograms) == 0 {
		cfg.AllowedPrograms = DefaultAllowedPrograms()
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultReplayTTL
	}

	allowed := make(map[solanago.PublicKey]struct{}, len(cfg.AllowedPrograms))
	for _, p := range cfg.AllowedPrograms {
		allowed[p] = struct{}{}
	}
	return &Validator{rpc: rpc, replay: replay, cfg: cfg, allowed: allowed, log: log}
}

// Validate returns nil when the transaction may be co-signed, a rejection
// *domain.Error otherwise. Checks short-circuit in order:
//
//	payer, signatures, programs, fee payment, blockhash, balance delta, replay
//
// The replay guard is last so a rejected transaction is never marked seen.
func (v *Validator) Validate(ctx context.Context, tx *solanago.Transaction, q *domain.Quote) error {
	err := v.validate(ctx, tx, q)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Kind == domain.KindRejection {
			observability.RecordRejection(derr.Code)
			v.log.Info().
				Str("quote_id", q.QuoteID).
				Str("code", derr.Code).
				Str("reason", derr.Message).
				Msg("transaction rejected")
		}
	}
	return err
}

func (v *Validator) validate(ctx context.Context, tx *solanago.Transaction, q *domain.Quote) error {
	feePayer, err := solanago.PublicKeyFromBase58(q.FeePayer)
	if err != nil {
		return domain.WrapError(domain.KindInternal, domain.CodeInternal, "quote carries an invalid fee payer", err)
	}
	user, err := solanago.PublicKeyFromBase58(q.UserPubkey)
	if err != nil {
		return domain.WrapError(domain.KindInternal, domain.CodeInternal, "quote carries an invalid user key", err)
	}

	if err := checkPayer(tx, feePayer); err != nil {
		return err
	}
	userSig, err := checkSignatures(tx, user)
	if err != nil {
		return err
	}
	if err := v.checkPrograms(tx); err != nil {
		return err
	}
	if err := v.checkFeePayment(tx, q, feePayer); err != nil {
		return err
	}
	if err := v.checkBlockhash(ctx, tx); err != nil {
		return err
	}
	if err := v.checkBalanceDelta(ctx, tx, q, feePayer); err != nil {
		return err
	}
	return v.checkReplay(ctx, userSig)
}

func checkPayer(tx *solanago.Transaction, feePayer solanago.PublicKey) error {
	if len(tx.Message.AccountKeys) == 0 {
		return domain.Reject(domain.CodePayerMismatch, "transaction has no accounts")
	}
	if got := solana.FeePayer(tx); !got.Equals(feePayer) {
		return domain.Reject(domain.CodePayerMismatch, fmt.Sprintf("fee payer %s does not match quoted %s", got, feePayer))
	}
	return nil
}

// checkSignatures requires a valid user signature, a valid signature in every
// other non-fee-payer slot and an empty fee-payer slot.
func checkSignatures(tx *solanago.Transaction, user solanago.PublicKey) (solanago.Signature, error) {
	reject := func(msg string) (solanago.Signature, error) {
		return solanago.Signature{}, domain.Reject(domain.CodeUnsignedOrMissigned, msg)
	}

	n := int(tx.Message.Header.NumRequiredSignatures)
	if n < 2 || len(tx.Signatures) != n || len(tx.Message.AccountKeys) < n {
		return reject("transaction must require the fee payer and the user as signers")
	}
	if !solana.IsEmptySignature(tx.Signatures[0]) {
		return reject("fee payer signature slot must be empty")
	}

	userIdx := solana.SignerIndex(tx, user)
	if userIdx <= 0 {
		return reject("user is not a required signer")
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return reject("message cannot be serialized")
	}
	for i := 1; i < n; i++ {
		key := tx.Message.AccountKeys[i]
		if solana.IsEmptySignature(tx.Signatures[i]) || !solana.VerifySignature(key, msg, tx.Signatures[i]) {
			return reject(fmt.Sprintf("missing or invalid signature for %s", key))
		}
	}
	return tx.Signatures[userIdx], nil
}

func (v *Validator) checkPrograms(tx *solanago.Transaction) error {
	for i, ix := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(ix.ProgramIDIndex)
		if err != nil {
			return domain.Reject(domain.CodeUnknownProgram, fmt.Sprintf("instruction %d: unresolvable program", i))
		}
		if _, ok := v.allowed[program]; !ok {
			return domain.Reject(domain.CodeUnknownProgram, fmt.Sprintf("instruction %d: program %s is not allowed", i, program))
		}
	}
	return nil
}

func (v *Validator) checkFeePayment(tx *solanago.Transaction, q *domain.Quote, feePayer solanago.PublicKey) error {
	paid, err := FeePaid(tx, q.PaymentMint, v.cfg.Treasury, feePayer)
	if err != nil {
		return domain.Reject(domain.CodeFeeNotPaid, err.Error())
	}
	if paid < q.FeeAmount {
		return domain.Reject(domain.CodeFeeNotPaid, fmt.Sprintf("transaction pays %d to the treasury, quote requires %d", paid, q.FeeAmount))
	}
	return nil
}

func (v *Validator) checkBlockhash(ctx context.Context, tx *solanago.Transaction) error {
	ok, err := v.rpc.IsBlockhashValid(ctx, tx.Message.RecentBlockhash.String())
	if err != nil {
		return upstream(domain.CodeRPCUnavailable, "check blockhash", err)
	}
	if !ok {
		return domain.Reject(domain.CodeBlockhashExpired, "recent blockhash is no longer valid")
	}
	return nil
}

// NetworkFee is the most the fee payer may lose to a transaction: the base fee
// for every required signature plus the quoted compute-unit surcharge.
func (v *Validator) NetworkFee(tx *solanago.Transaction, q *domain.Quote) uint64 {
	base := v.cfg.LamportsPerSignature * uint64(tx.Message.Header.NumRequiredSignatures)
	return pricing.NetworkFee(base, q.ComputeUnits, v.cfg.DefaultComputeUnits, v.cfg.MicroLamportsPerCU)
}

func (v *Validator) checkBalanceDelta(ctx context.Context, tx *solanago.Transaction, q *domain.Quote, feePayer solanago.PublicKey) error {
	// Extra signers raise the ledger fee beyond what the quote charged for.
	limit := v.NetworkFee(tx, q)
	if limit > q.NetworkFee {
		return domain.Reject(domain.CodeUnauthorizedBalanceChange,
			fmt.Sprintf("transaction costs %d lamports in fees for %d signatures, quote covers %d",
				limit, tx.Message.Header.NumRequiredSignatures, q.NetworkFee))
	}

	pre, err := v.rpc.GetBalance(ctx, feePayer.String())
	if err != nil {
		return upstream(domain.CodeRPCUnavailable, "read fee payer balance", err)
	}

	encoded, err := solana.EncodeTransaction(tx)
	if err != nil {
		return domain.WrapError(domain.KindClient, domain.CodeInvalidTransaction, "transaction cannot be serialized", err)
	}

	sim, err := v.rpc.SimulateTransaction(ctx, encoded, []string{feePayer.String()})
	if err != nil {
		return upstream(domain.CodeRPCUnavailable, "simulate transaction", err)
	}
	if sim.Err != nil {
		msg := fmt.Sprintf("simulation failed: %v", sim.Err)
		if len(sim.Logs) > 0 {
			msg += ": " + strings.Join(sim.Logs, "; ")
		}
		return domain.NewError(domain.KindUpstream, domain.CodeSimulationFailed, msg)
	}
	if len(sim.Accounts) == 0 || sim.Accounts[0] == nil {
		return domain.NewError(domain.KindUpstream, domain.CodeSimulationFailed, "simulation returned no fee payer state")
	}

	post := sim.Accounts[0].Lamports
	if post >= pre {
		return nil
	}
	if delta := pre - post; delta > limit {
		return domain.Reject(domain.CodeUnauthorizedBalanceChange,
			fmt.Sprintf("fee payer would lose %d lamports, at most %d allowed", delta, limit))
	}
	return nil
}

func (v *Validator) checkReplay(ctx context.Context, sig solanago.Signature) error {
	err := v.replay.MarkSeen(ctx, sig.String(), v.cfg.ReplayTTL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDuplicateKey):
		return domain.Reject(domain.CodeReplayDetected, "transaction was already submitted")
	default:
		return domain.WrapError(domain.KindInternal, domain.CodeInternal, "replay guard unavailable", err)
	}
}

func upstream(code, msg string, err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return domain.WrapError(domain.KindUpstream, code, msg, err)
}
