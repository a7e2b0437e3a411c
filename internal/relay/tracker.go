package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
)

const (
	defaultConfirmTimeout = 2 * time.Minute
	defaultPollInterval   = 2 * time.Second
	reconcileBatch        = 256 // getSignatureStatuses limit
)

// Tracker follows broadcast transactions to a terminal status. Confirmed
// transactions append their fee to the revenue ledger.
type Tracker struct {
	rpc       solana.RPCClient
	ws        solana.WSClient // nil disables websocket tracking
	txs       storage.TransactionStore
	revenue   storage.RevenueStore
	analytics storage.FeeAnalyticsStore // optional
	timeout   time.Duration
	poll      time.Duration
	log       zerolog.Logger
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker. ws and analytics may be nil.
func NewTracker(rpc solana.RPCClient, ws solana.WSClient, txs storage.TransactionStore, revenue storage.RevenueStore, analytics storage.FeeAnalyticsStore, cfg Config, log zerolog.Logger) *Tracker {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	base, cancel := context.WithCancel(context.Background())
	return &Tracker{
		rpc:       rpc,
		ws:        ws,
		txs:       txs,
		revenue:   revenue,
		analytics: analytics,
		timeout:   cfg.ConfirmTimeout,
		poll:      cfg.PollInterval,
		log:       log,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
	}
}

// Track follows sig in the background.
func (t *Tracker) Track(sig string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.base, t.timeout)
		defer cancel()
		t.track(ctx, sig)
	}()
}

// Close stops tracking and waits for in-flight trackers.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) track(ctx context.Context, sig string) {
	if t.ws != nil {
		ch, err := t.ws.SubscribeSignature(ctx, sig)
		if err != nil {
			t.log.Warn().Err(err).Str("signature", sig).Msg("signature subscription failed, polling")
		} else {
			select {
			case n, ok := <-ch:
				if ok {
					t.finalize(ctx, sig, n.Err)
					return
				}
			case <-ctx.Done():
				t.log.Warn().Str("signature", sig).Msg("confirmation not observed before timeout")
				return
			}
		}
	}
	t.pollStatus(ctx, sig)
}

func (t *Tracker) pollStatus(ctx context.Context, sig string) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		statuses, err := t.rpc.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) == 1 && statuses[0] != nil && statuses[0].Landed() {
			t.finalize(ctx, sig, statuses[0].Err)
			return
		}
		if err != nil && ctx.Err() == nil {
			t.log.Debug().Err(err).Str("signature", sig).Msg("signature status poll failed")
		}

		select {
		case <-ctx.Done():
			t.log.Warn().Str("signature", sig).Msg("confirmation not observed before timeout")
			return
		case <-ticker.C:
		}
	}
}

// finalize applies the terminal status and, on success, records revenue.
func (t *Tracker) finalize(ctx context.Context, sig string, txErr interface{}) {
	status := domain.TxStatusConfirmed
	if txErr != nil {
		status = domain.TxStatusFailed
	}

	now := t.now().UnixMilli()
	if err := t.txs.UpdateStatus(ctx, sig, status, now); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return // already terminal
		}
		t.log.Error().Err(err).Str("signature", sig).Msg("update transaction status")
		return
	}
	observability.RecordConfirmation(string(status))

	if status == domain.TxStatusFailed {
		t.log.Warn().Str("signature", sig).Interface("err", txErr).Msg("transaction failed on chain")
		return
	}

	rec, err := t.txs.GetBySignature(ctx, sig)
	if err != nil {
		t.log.Error().Err(err).Str("signature", sig).Msg("read confirmed transaction")
		return
	}

	// Submission time precedes landing, so the treasury verifier can only
	// observe a surplus from timing, never a deficit.
	ev := &domain.RevenueEvent{
		EventID:           sig,
		PaymentMint:       rec.PaymentToken,
		Amount:            rec.FeeAmount,
		LamportEquivalent: rec.FeeSolEquivalent,
		CreatedAt:         rec.CreatedAt,
	}
	if err := t.revenue.Insert(ctx, ev); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		t.log.Error().Err(err).Str("signature", sig).Msg("record revenue")
		return
	}
	if t.analytics != nil {
		if err := t.analytics.InsertBulk(ctx, []*domain.RevenueEvent{ev}); err != nil {
			t.log.Warn().Err(err).Str("signature", sig).Msg("fee analytics insert failed")
		}
	}

	t.log.Info().Str("signature", sig).Msg("transaction confirmed")
}

// Reconcile polls statuses for records still marked submitted, e.g. after a
// restart or a tracking timeout.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	recent, err := t.txs.ListRecent(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}

	var sigs []string
	for _, r := range recent {
		if r.Status == domain.TxStatusSubmitted {
			sigs = append(sigs, r.Signature)
		}
	}
	if len(sigs) == 0 {
		return 0, nil
	}

	statuses, err := t.rpc.GetSignatureStatuses(ctx, sigs)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i, s := range statuses {
		if i >= len(sigs) || s == nil || !s.Landed() {
			continue
		}
		t.finalize(ctx, sigs[i], s.Err)
		settled++
	}
	return settled, nil
}

// Run reconciles on interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := t.Reconcile(ctx)
			if err != nil {
				t.log.Error().Err(err).Msg("reconcile submitted transactions")
				continue
			}
			if n > 0 {
				t.log.Info().Int("count", n).Msg("reconciled submitted transactions")
			}
		}
	}
}
