package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/pricing"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
)

const defaultVerificationTick = 30 * time.Minute

// Verification is the outcome of one treasury balance check.
type Verification struct {
	Checked   bool   `json:"checked"`
	Skipped   string `json:"skipped,omitempty"` // reason the check did not run
	BatchID   string `json:"batchId,omitempty"` // last confirmed batch the expectation is based on
	Expected  uint64 `json:"expected"`
	Actual    uint64 `json:"actual"`
	Matched   bool   `json:"matched"`
	CheckedAt int64  `json:"checkedAt"`
}

// Deficit returns how much the balance falls short of the expectation.
func (v *Verification) Deficit() uint64 {
	if !v.Checked || v.Actual >= v.Expected {
		return 0
	}
	return v.Expected - v.Actual
}

// Status is the treasury view served to operators.
type Status struct {
	Treasury         string            `json:"treasury"`
	RewardMint       string            `json:"rewardMint"`
	RewardAccount    string            `json:"rewardAccount"`
	RewardBalance    *uint64           `json:"rewardBalance"` // nil when the balance could not be read
	EcosystemShare   float64           `json:"ecosystemShare"`
	BurnRatio        float64           `json:"burnRatio"`
	TreasuryRatio    float64           `json:"treasuryRatio"`
	TotalBurned      uint64            `json:"totalBurned"`
	PendingBurns     int               `json:"pendingBurns"`
	PendingAmount    uint64            `json:"pendingAmount"`
	OpenBatch        *domain.BurnBatch `json:"openBatch,omitempty"`
	LastVerification *Verification    `json:"lastVerification,omitempty"`
}

// Verifier checks that the treasury's reward-asset balance matches the state
// expected after the last confirmed burn. It only reads the ledger.
type Verifier struct {
	rpc        solana.RPCClient
	revenue    storage.RevenueStore
	burns      storage.BurnStore
	settler    *Settler // optional; its lock keeps checks out of running cycles
	treasury   solanago.PublicKey
	rewardMint solanago.PublicKey
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last *Verification
}

// NewVerifier creates a verifier for the treasury wallet. settler may be nil when
// the process holds no treasury key.
func NewVerifier(rpc solana.RPCClient, revenue storage.RevenueStore, burns storage.BurnStore, settler *Settler, treasury solanago.PublicKey, cfg Config, log zerolog.Logger) (*Verifier, error) {
	mint, err := solanago.PublicKeyFromBase58(cfg.RewardMint)
	if err != nil {
		return nil, fmt.Errorf("reward mint: %w", err)
	}
	if cfg.RewardProgram.IsZero() {
		cfg.RewardProgram = solana.TokenProgramID
	}
	return &Verifier{
		rpc:        rpc,
		revenue:    revenue,
		burns:      burns,
		settler:    settler,
		treasury:   treasury,
		rewardMint: mint,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}, nil
}

// Verify compares the reward-asset balance with
//
//	expected = preBalance - burned + rewardRevenueSince(batch.createdAt)
//
// for the last confirmed batch. The check is skipped while the ledger has burns
// in flight. Only a deficit raises an alert: late-landing fees and swap output
// above the slippage floor can only add to the balance.
func (v *Verifier) Verify(ctx context.Context) (*Verification, error) {
	if v.settler != nil {
		if !v.settler.mu.TryLock() {
			return v.skip("settlement running"), nil
		}
		defer v.settler.mu.Unlock()
	}

	if _, err := v.burns.GetOpenBatch(ctx); err == nil {
		return v.skip("burn batch in flight"), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	pending, err := v.burns.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return v.skip("pending burns"), nil
	}
	last, err := v.burns.LastConfirmedBatch(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return v.skip("no confirmed batch"), nil
	}
	if err != nil {
		return nil, err
	}

	since, err := v.revenue.SumSince(ctx, v.rewardMint.String(), last.CreatedAt)
	if err != nil {
		return nil, err
	}
	account, err := v.rewardAccount()
	if err != nil {
		return nil, err
	}
	balance, err := v.rpc.GetTokenAccountBalance(ctx, account.String())
	if err != nil {
		return nil, fmt.Errorf("read treasury reward balance: %w", err)
	}

	var expected uint64
	if last.PreBalance > last.Total {
		expected = last.PreBalance - last.Total
	}
	expected += since

	res := &Verification{
		Checked:   true,
		BatchID:   last.BatchID,
		Expected:  expected,
		Actual:    balance.Amount,
		Matched:   balance.Amount >= expected,
		CheckedAt: v.now().UnixMilli(),
	}
	observability.RecordTreasuryVerification(balance.Amount, res.Matched)

	switch {
	case !res.Matched:
		v.log.Error().
			Bool("alert", true).
			Str("batch_id", last.BatchID).
			Uint64("expected", expected).
			Uint64("actual", balance.Amount).
			Uint64("deficit", res.Deficit()).
			Msg("treasury balance below expected post-burn state")
	case balance.Amount > expected:
		v.log.Info().
			Uint64("expected", expected).
			Uint64("actual", balance.Amount).
			Msg("treasury balance above expected post-burn state")
	default:
		v.log.Debug().Uint64("balance", balance.Amount).Msg("treasury balance verified")
	}

	v.remember(res)
	return res, nil
}

func (v *Verifier) skip(reason string) *Verification {
	res := &Verification{Skipped: reason, CheckedAt: v.now().UnixMilli()}
	v.log.Debug().Str("reason", reason).Msg("treasury verification skipped")
	return res
}

func (v *Verifier) remember(res *Verification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = res
}

// Last returns the most recent completed check, or nil.
func (v *Verifier) Last() *Verification {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return nil
	}
	copy := *v.last
	return &copy
}

func (v *Verifier) rewardAccount() (solanago.PublicKey, error) {
	return solana.AssociatedTokenAddress(v.treasury, v.rewardMint, v.cfg.RewardProgram)
}

// Status assembles the treasury view. A failed balance read leaves RewardBalance nil.
func (v *Verifier) Status(ctx context.Context) (*Status, error) {
	account, err := v.rewardAccount()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Treasury:         v.treasury.String(),
		RewardMint:       v.rewardMint.String(),
		RewardAccount:    account.String(),
		EcosystemShare:   v.cfg.EcosystemShare,
		BurnRatio:        v.cfg.BurnRatio,
		TreasuryRatio:    pricing.TreasuryRatio(v.cfg.EcosystemShare, v.cfg.BurnRatio),
		LastVerification: v.Last(),
	}

	if bal, err := v.rpc.GetTokenAccountBalance(ctx, account.String()); err == nil {
		st.RewardBalance = &bal.Amount
	} else {
		v.log.Debug().Err(err).Msg("treasury balance unavailable")
	}

	if st.TotalBurned, err = v.burns.TotalBurned(ctx); err != nil {
		return nil, err
	}
	pending, err := v.burns.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	st.PendingBurns = len(pending)
	for _, p := range pending {
		st.PendingAmount += p.Amount
	}
	open, err := v.burns.GetOpenBatch(ctx)
	switch {
	case err == nil:
		st.OpenBatch = open
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return st, nil
}

// Run verifies on every tick until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultVerificationTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Verify(ctx); err != nil && ctx.Err() == nil {
				v.log.Error().Err(err).Msg("treasury verification failed")
			}
		}
	}
}
