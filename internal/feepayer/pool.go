// Package feepayer manages the relay's hot fee-payer wallets.
package feepayer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/solana"
)

// ErrNoAvailableFeePayer is returned when every fee payer is critical.
var ErrNoAvailableFeePayer = errors.New("no available fee payer")

// ErrUnknownFeePayer is returned for a public key the pool does not own.
var ErrUnknownFeePayer = errors.New("unknown fee payer")

// Config configures health thresholds and refresh cadence.
type Config struct {
	WarningLamports  uint64
	CriticalLamports uint64
	RefreshInterval  time.Duration
}

// DefaultConfig returns 0.5 SOL warning, 0.05 SOL critical, 30s refresh.
func DefaultConfig() Config {
	return Config{
		WarningLamports:  domain.LamportsPerSOL / 2,
		CriticalLamports: domain.LamportsPerSOL / 20,
		RefreshInterval:  30 * time.Second,
	}
}

// payer is one signing identity. Balance and health are a snapshot written by
// the refresh loop and read lock-free by Reserve.
type payer struct {
	key     solanago.PrivateKey
	pub     solanago.PublicKey
	balance atomic.Uint64
	health  atomic.Int32
	foreign atomic.Bool
}

func (p *payer) snapshotHealth() domain.Health {
	return domain.Health(p.health.Load())
}

// Pool selects and tracks fee payers.
type Pool struct {
	payers []*payer
	byKey  map[solanago.PublicKey]*payer

	// mu guards reservations only.
	mu           sync.Mutex
	reservations map[solanago.PublicKey]int

	rpc solana.RPCClient
	cfg Config
	log zerolog.Logger
}

// New creates a pool over externally funded keys. Payers start healthy until
// the first Refresh.
func New(keys []solanago.PrivateKey, rpc solana.RPCClient, cfg Config, log zerolog.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("feepayer: at least one key required")
	}
	if cfg.CriticalLamports >= cfg.WarningLamports {
		return nil, fmt.Errorf("feepayer: critical threshold %d must be below warning threshold %d", cfg.CriticalLamports, cfg.WarningLamports)
	}

	p := &Pool{
		byKey:        make(map[solanago.PublicKey]*payer, len(keys)),
		reservations: make(map[solanago.PublicKey]int, len(keys)),
		rpc:          rpc,
		cfg:          cfg,
		log:          log,
	}
	for _, k := range keys {
		pub := k.PublicKey()
		if _, dup := p.byKey[pub]; dup {
			return nil, fmt.Errorf("feepayer: duplicate key %s", pub)
		}
		fp := &payer{key: k, pub: pub}
		p.payers = append(p.payers, fp)
		p.byKey[pub] = fp
	}
	return p, nil
}

// Reserve picks a non-critical payer, preferring healthy over warning and then
// the fewest outstanding reservations, and increments its reservation count.
func (p *Pool) Reserve() (solanago.PublicKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *payer
	for _, fp := range p.payers {
		h := fp.snapshotHealth()
		if h == domain.HealthCritical {
			continue
		}
		if best == nil {
			best = fp
			continue
		}
		bh := best.snapshotHealth()
		if h < bh || (h == bh && p.reservations[fp.pub] < p.reservations[best.pub]) {
			best = fp
		}
	}

	if best == nil {
		return solanago.PublicKey{}, ErrNoAvailableFeePayer
	}

	p.reservations[best.pub]++
	observability.SetReservations(best.pub.String(), p.reservations[best.pub])
	return best.pub, nil
}

// Release returns a reservation. It never drives a count below zero.
func (p *Pool) Release(pub solanago.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.reservations[pub]
	if !ok || n == 0 {
		p.log.Warn().Str("fee_payer", pub.String()).Msg("release without reservation")
		return
	}
	p.reservations[pub] = n - 1
	observability.SetReservations(pub.String(), n-1)
}

// Signer returns the private key of an owned fee payer.
func (p *Pool) Signer(pub solanago.PublicKey) (solanago.PrivateKey, error) {
	fp, ok := p.byKey[pub]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeePayer, pub)
	}
	return fp.key, nil
}

// Owns reports whether pub is one of the pool's fee payers.
func (p *Pool) Owns(pub solanago.PublicKey) bool {
	_, ok := p.byKey[pub]
	return ok
}

// Balance returns the last observed balance of a payer.
func (p *Pool) Balance(pub solanago.PublicKey) (uint64, bool) {
	fp, ok := p.byKey[pub]
	if !ok {
		return 0, false
	}
	return fp.balance.Load(), true
}

// Classify maps a balance to a health tier.
func (c Config) Classify(lamports uint64) domain.Health {
	switch {
	case lamports < c.CriticalLamports:
		return domain.HealthCritical
	case lamports < c.WarningLamports:
		return domain.HealthWarning
	default:
		return domain.HealthHealthy
	}
}

// Refresh polls every payer's balance and token holdings and reclassifies health.
// A payer whose poll fails keeps its previous snapshot.
func (p *Pool) Refresh(ctx context.Context) error {
	var errs []error
	for _, fp := range p.payers {
		if err := p.refreshOne(ctx, fp); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", fp.pub, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) refreshOne(ctx context.Context, fp *payer) error {
	pub := fp.pub.String()

	balance, err := p.rpc.GetBalance(ctx, pub)
	if err != nil {
		return err
	}

	foreign := false
	for _, program := range []solanago.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID} {
		accounts, err := p.rpc.GetTokenAccountsByOwner(ctx, pub, solana.TokenAccountsFilter{ProgramID: program.String()})
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			if acc.Amount > 0 {
				foreign = true
				p.log.Error().
					Str("fee_payer", pub).
					Str("mint", acc.Mint).
					Uint64("amount", acc.Amount).
					Msg("fee payer holds a non-native asset, excluding from selection")
			}
		}
	}

	health := p.cfg.Classify(balance)
	if foreign {
		health = domain.HealthCritical
	}

	prev := domain.Health(fp.health.Swap(int32(health)))
	fp.balance.Store(balance)
	fp.foreign.Store(foreign)
	observability.UpdateFeePayer(pub, balance, int(health))

	if prev != health {
		ev := p.log.Info()
		switch health {
		case domain.HealthWarning:
			ev = p.log.Warn()
		case domain.HealthCritical:
			ev = p.log.Error()
		}
		ev.Str("fee_payer", pub).
			Uint64("balance", balance).
			Str("from", prev.String()).
			Str("to", health.String()).
			Msg("fee payer health changed")
	}
	return nil
}

// Run refreshes on the configured interval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Error().Err(err).Msg("fee payer refresh failed")
			}
		}
	}
}

// Status returns a snapshot of every payer.
func (p *Pool) Status() []domain.FeePayerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.FeePayerStatus, 0, len(p.payers))
	for _, fp := range p.payers {
		out = append(out, domain.FeePayerStatus{
			PublicKey:    fp.pub.String(),
			Balance:      fp.balance.Load(),
			Health:       fp.snapshotHealth().String(),
			Reservations: p.reservations[fp.pub],
			ForeignAsset: fp.foreign.Load(),
		})
	}
	return out
}

// Summary counts payers per health tier.
type Summary struct {
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// Summary returns health tier counts.
func (p *Pool) Summary() Summary {
	var s Summary
	for _, fp := range p.payers {
		switch fp.snapshotHealth() {
		case domain.HealthHealthy:
			s.Healthy++
		case domain.HealthWarning:
			s.Warning++
		default:
			s.Critical++
		}
	}
	return s
}

// LoadKey reads a key from a solana-keygen JSON file path or a base58 secret.
func LoadKey(s string) (solanago.PrivateKey, error) {
	if _, err := os.Stat(s); err == nil {
		k, err := solanago.PrivateKeyFromSolanaKeygenFile(s)
		if err != nil {
			return nil, fmt.Errorf("load keygen file: %w", err)
		}
		return k, nil
	}
	k, err := solanago.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("parse base58 key: %w", err)
	}
	return k, nil
}
