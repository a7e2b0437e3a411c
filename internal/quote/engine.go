// Package quote prices relay fees and issues single-use quotes.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/feepayer"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/pricing"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
)

// Error templates, matched with errors.Is by code.
var (
	ErrInvalidAsset  = domain.NewError(domain.KindClient, domain.CodeInvalidAsset, "unsupported payment asset")
	ErrInvalidPubkey = domain.NewError(domain.KindClient, domain.CodeInvalidPubkey, "invalid user public key")
	ErrNoFeePayer    = domain.NewError(domain.KindExhausted, domain.CodeNoAvailableFeePayer, "no fee payer available")
)

// FeePayerPool is the subset of the fee-payer pool the engine needs.
type FeePayerPool interface {
	Reserve() (solanago.PublicKey, error)
	Release(pub solanago.PublicKey)
}

// Config holds pricing and lifetime parameters.
type Config struct {
	TTL                  time.Duration
	Grace                time.Duration // extra store lifetime so expired quotes are reported as expired
	LamportsPerSignature uint64
	Signatures           uint8 // signatures a quote pays for; zero means one
	DefaultComputeUnits  uint32
	MicroLamportsPerCU   uint64
	RewardMint           string
	EcosystemShare       float64
	BurnRatio            float64
	Treasury             string
	SweepInterval        time.Duration
}

// baseFee is the ledger fee of a transaction with the priced signature count.
func (c Config) baseFee() uint64 {
	return c.LamportsPerSignature * uint64(max(c.Signatures, 1))
}

// Request is a quote request.
type Request struct {
	UserPubkey   string
	PaymentMint  string
	ComputeUnits uint32
}

type reservation struct {
	feePayer  solanago.PublicKey
	expiresAt int64 // Unix ms
}

// Engine issues quotes.
type Engine struct {
	assets map[string]*domain.Asset
	rpc    solana.RPCClient
	pool   FeePayerPool
	store  storage.QuoteStore
	cfg    Config
	log    zerolog.Logger

	now   func() time.Time
	newID func() string

	mu           sync.Mutex
	reservations map[string]reservation // by quote id
}

// NewEngine creates a quote engine.
func NewEngine(assets map[string]*domain.Asset, rpc solana.RPCClient, pool FeePayerPool, store storage.QuoteStore, cfg Config, log zerolog.Logger) (*Engine, error) {
	if _, err := pricing.BreakEven(cfg.baseFee(), pricing.TreasuryRatio(cfg.EcosystemShare, cfg.BurnRatio)); err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("quote: ttl must be positive")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 2
	}
	return &Engine{
		assets:       assets,
		rpc:          rpc,
		pool:         pool,
		store:        store,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
		newID:        uuid.NewString,
		reservations: make(map[string]reservation),
	}, nil
}

// Quote prices the request, reserves a fee payer and persists the quote.
// Every call produces a new independent quote.
func (e *Engine) Quote(ctx context.Context, req Request) (*domain.Quote, error) {
	q, err := e.quote(ctx, req)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			observability.RecordQuoteFailure(derr.Code)
		} else {
			observability.RecordQuoteFailure(domain.CodeInternal)
		}
		return nil, err
	}
	observability.RecordQuoteIssued(e.assets[q.PaymentMint].Symbol, q.Tier.Name)
	return q, nil
}

func (e *Engine) quote(ctx context.Context, req Request) (*domain.Quote, error) {
	asset, ok := e.assets[req.PaymentMint]
	if !ok {
		return nil, ErrInvalidAsset
	}

	if _, err := ParseUserKey(req.UserPubkey); err != nil {
		return nil, err
	}

	tier, err := e.HolderTier(ctx, req.UserPubkey)
	if err != nil {
		return nil, err
	}

	networkFee := e.networkFee(req.ComputeUnits)
	feeLamports, breakEven, err := e.price(asset, tier.Discount, networkFee)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "pricing failed", err)
	}

	payer, err := e.pool.Reserve()
	if err != nil {
		if errors.Is(err, feepayer.ErrNoAvailableFeePayer) {
			return nil, ErrNoFeePayer
		}
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "reserve fee payer", err)
	}

	issued := e.now()
	q := &domain.Quote{
		QuoteID:      e.newID(),
		UserPubkey:   req.UserPubkey,
		PaymentMint:  asset.Mint,
		FeeAmount:    pricing.ToAssetAmount(feeLamports, asset),
		FeeLamports:  feeLamports,
		BreakEven:    breakEven,
		NetworkFee:   networkFee,
		FeePayer:     payer.String(),
		Tier:         tier,
		IssuedAt:     issued.UnixMilli(),
		ExpiresAt:    issued.Add(e.cfg.TTL).UnixMilli(),
		ComputeUnits: req.ComputeUnits,
	}

	// Track before Put so a sweeper racing with a slow store cannot miss it.
	e.mu.Lock()
	e.reservations[q.QuoteID] = reservation{feePayer: payer, expiresAt: q.ExpiresAt}
	e.mu.Unlock()

	if err := e.store.Put(ctx, q, e.cfg.TTL+e.cfg.Grace); err != nil {
		e.Release(q.QuoteID)
		return nil, domain.WrapError(domain.KindInternal, domain.CodeInternal, "persist quote", err)
	}

	e.log.Debug().
		Str("quote_id", q.QuoteID).
		Str("user", q.UserPubkey).
		Str("asset", asset.Symbol).
		Str("tier", tier.Name).
		Uint64("fee_lamports", feeLamports).
		Str("fee_payer", q.FeePayer).
		Msg("quote issued")

	return q, nil
}

// networkFee is what the fee payer spends on a quoted transaction: the base fee
// for the priced signatures plus the compute-unit surcharge.
func (e *Engine) networkFee(computeUnits uint32) uint64 {
	return pricing.NetworkFee(e.cfg.baseFee(), computeUnits, e.cfg.DefaultComputeUnits, e.cfg.MicroLamportsPerCU)
}

func (e *Engine) price(asset *domain.Asset, discount float64, networkFee uint64) (final, breakEven uint64, err error) {
	ratio := pricing.TreasuryRatio(e.cfg.EcosystemShare, e.cfg.BurnRatio)
	return pricing.FinalFee(networkFee, ratio, asset.Markup, discount)
}

// HolderTier reads the wallet's reward-asset balance and the asset supply
// and classifies the wallet.
func (e *Engine) HolderTier(ctx context.Context, wallet string) (domain.HolderTier, error) {
	accounts, err := e.rpc.GetTokenAccountsByOwner(ctx, wallet, solana.TokenAccountsFilter{Mint: e.cfg.RewardMint})
	if err != nil {
		return domain.HolderTier{}, upstream("read reward balance", err)
	}
	var balance uint64
	for _, acc := range accounts {
		balance += acc.Amount
	}

	var supply uint64
	if balance > 0 {
		s, err := e.rpc.GetTokenSupply(ctx, e.cfg.RewardMint)
		if err != nil {
			return domain.HolderTier{}, upstream("read reward supply", err)
		}
		supply = s.Amount
	}

	return pricing.Tier(pricing.Share(balance, supply)), nil
}

// BaselineFee returns the undiscounted fee for an asset in its smallest units.
func (e *Engine) BaselineFee(asset *domain.Asset) (amount, lamports uint64, err error) {
	lamports, _, err = e.price(asset, 0, e.networkFee(0))
	if err != nil {
		return 0, 0, err
	}
	return pricing.ToAssetAmount(lamports, asset), lamports, nil
}

// BreakEven returns the break-even floor at the default compute budget.
func (e *Engine) BreakEven() uint64 {
	be, _ := pricing.BreakEven(e.cfg.baseFee(), pricing.TreasuryRatio(e.cfg.EcosystemShare, e.cfg.BurnRatio))
	return be
}

// Asset looks up a known payment asset.
func (e *Engine) Asset(mint string) (*domain.Asset, bool) {
	a, ok := e.assets[mint]
	return a, ok
}

// Assets returns the known assets ordered by score, then symbol.
func (e *Engine) Assets() []*domain.Asset {
	out := make([]*domain.Asset, 0, len(e.assets))
	for _, a := range e.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Treasury returns the address fees are paid to.
func (e *Engine) Treasury() string {
	return e.cfg.Treasury
}

// TTL returns the quote lifetime.
func (e *Engine) TTL() time.Duration {
	return e.cfg.TTL
}

// Release returns the quote's fee-payer reservation to the pool. Only the first
// call for a quote id has an effect.
func (e *Engine) Release(quoteID string) bool {
	e.mu.Lock()
	r, ok := e.reservations[quoteID]
	if ok {
		delete(e.reservations, quoteID)
	}
	e.mu.Unlock()

	if ok {
		e.pool.Release(r.feePayer)
	}
	return ok
}

// Outstanding returns the number of tracked reservations.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reservations)
}

// Sweep releases reservations of quotes that expired at or before now.
func (e *Engine) Sweep(now time.Time) int {
	nowMs := now.UnixMilli()

	e.mu.Lock()
	var expired []string
	for id, r := range e.reservations {
		if nowMs >= r.expiresAt {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	released := 0
	for _, id := range expired {
		if e.Release(id) {
			released++
		}
	}
	if released > 0 {
		e.log.Debug().Int("released", released).Msg("released expired reservations")
	}
	return released
}

// Run sweeps expired reservations until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}

// ParseUserKey decodes a base58 public key and requires it to be on the ed25519 curve.
func ParseUserKey(s string) (solanago.PublicKey, error) {
	pk, err := solanago.PublicKeyFromBase58(s)
	if err != nil {
		return solanago.PublicKey{}, domain.WrapError(domain.KindClient, domain.CodeInvalidPubkey, "invalid user public key", err)
	}
	if !solana.IsOnCurve(pk) {
		return solanago.PublicKey{}, domain.NewError(domain.KindClient, domain.CodeInvalidPubkey, "user public key is not on the ed25519 curve")
	}
	return pk, nil
}

// upstream keeps domain errors from the RPC pool and wraps anything else.
func upstream(msg string, err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return domain.WrapError(domain.KindUpstream, domain.CodeRPCUnavailable, msg, err)
}
