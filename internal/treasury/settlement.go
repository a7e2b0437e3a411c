package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/idhash"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
)

var (
	// ErrSettlementRunning is returned when another settlement cycle holds the lock.
	ErrSettlementRunning = errors.New("settlement already running")

	// ErrInsufficientBalance is returned when the treasury holds less reward asset
	// than the pending burns require.
	ErrInsufficientBalance = errors.New("treasury reward balance below pending burns")

	// ErrNoTreasuryKey is returned when settlement is attempted without a signing key.
	ErrNoTreasuryKey = errors.New("treasury signing key not configured")
)

const (
	defaultEventBatch     = 100
	defaultBatchTimeout   = 60 * time.Second
	defaultBatchPoll      = 2 * time.Second
	defaultSettlementTick = 10 * time.Minute
)

// burnMethods is the instruction order inside a batch.
var burnMethods = []domain.BurnMethod{domain.BurnMethodEcosystem, domain.BurnMethodSwap}

// Config holds settlement parameters.
type Config struct {
	RewardMint     string
	RewardProgram  solanago.PublicKey // token program owning the reward mint
	EcosystemShare float64
	BurnRatio      float64
	EventBatch     int           // unsettled events split per cycle
	ConfirmTimeout time.Duration // how long a cycle waits for its own batch
	PollInterval   time.Duration
}

// Report summarizes one settlement cycle.
type Report struct {
	Reconciled    domain.BatchStatus `json:"reconciled,omitempty"` // outcome of a batch left open by a previous cycle
	Blocked       bool               `json:"blocked"`              // an open batch is still in flight
	EventsSettled int                `json:"eventsSettled"`
	EventsSkipped int                `json:"eventsSkipped"`
	BatchID       string             `json:"batchId,omitempty"`
	Signature     string             `json:"signature,omitempty"`
	Burned        uint64             `json:"burned"`
	Status        domain.BatchStatus `json:"status,omitempty"`
}

// Settler converts revenue events into pending burns and burns them on chain in
// one atomic transaction per cycle. Cycles are serialized.
type Settler struct {
	rpc        solana.RPCClient
	revenue    storage.RevenueStore
	burns      storage.BurnStore
	swapper    Swapper // nil leaves non-reward revenue unsettled
	key        solanago.PrivateKey
	treasury   solanago.PublicKey
	rewardMint solanago.PublicKey
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewSettler creates a settler signing with key.
func NewSettler(rpc solana.RPCClient, revenue storage.RevenueStore, burns storage.BurnStore, swapper Swapper, key solanago.PrivateKey, cfg Config, log zerolog.Logger) (*Settler, error) {
	if len(key) == 0 {
		return nil, ErrNoTreasuryKey
	}
	mint, err := solanago.PublicKeyFromBase58(cfg.RewardMint)
	if err != nil {
		return nil, fmt.Errorf("reward mint: %w", err)
	}
	if err := checkRatio("ecosystem share", cfg.EcosystemShare); err != nil {
		return nil, err
	}
	if err := checkRatio("burn ratio", cfg.BurnRatio); err != nil {
		return nil, err
	}
	if cfg.RewardProgram.IsZero() {
		cfg.RewardProgram = solana.TokenProgramID
	}
	if cfg.EventBatch <= 0 {
		cfg.EventBatch = defaultEventBatch
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultBatchTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultBatchPoll
	}

	return &Settler{
		rpc:        rpc,
		revenue:    revenue,
		burns:      burns,
		swapper:    swapper,
		key:        key,
		treasury:   key.PublicKey(),
		rewardMint: mint,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}, nil
}

// RewardAccount returns the treasury's associated token account of the reward mint.
func (s *Settler) RewardAccount() (solanago.PublicKey, error) {
	return solana.AssociatedTokenAddress(s.treasury, s.rewardMint, s.cfg.RewardProgram)
}

// Settle runs one settlement cycle:
//  1. reconcile a batch left open by a previous cycle; if it is still in flight, stop
//  2. split unsettled revenue events into pending burns
//  3. burn every pending burn in one transaction and wait for it to land
//
// Returns ErrSettlementRunning if a cycle is already in progress in this or any
// other process sharing the store.
func (s *Settler) Settle(ctx context.Context) (*Report, error) {
	if !s.mu.TryLock() {
		return nil, ErrSettlementRunning
	}
	defer s.mu.Unlock()

	release, err := s.burns.LockSettlement(ctx)
	if errors.Is(err, storage.ErrLocked) {
		return nil, ErrSettlementRunning
	}
	if err != nil {
		observability.RecordSettlementRun("error")
		return nil, fmt.Errorf("settlement lock: %w", err)
	}
	defer release()

	report := &Report{}
	err = s.settle(ctx, report)
	switch {
	case err != nil:
		observability.RecordSettlementRun("error")
	case report.Blocked:
		observability.RecordSettlementRun("blocked")
	default:
		observability.RecordSettlementRun("ok")
	}
	return report, err
}

func (s *Settler) settle(ctx context.Context, report *Report) error {
	open, err := s.reconcile(ctx, report)
	if err != nil {
		return fmt.Errorf("reconcile batch: %w", err)
	}
	if open {
		report.Blocked = true
		return nil
	}

	if err := s.splitEvents(ctx, report); err != nil {
		return fmt.Errorf("split revenue: %w", err)
	}
	if err := s.burnPending(ctx, report); err != nil {
		return fmt.Errorf("burn batch: %w", err)
	}
	return nil
}

// reconcile resolves the open batch against the ledger. It reports true while the
// batch may still land, in which case nothing else may be burned.
func (s *Settler) reconcile(ctx context.Context, report *Report) (bool, error) {
	b, err := s.burns.GetOpenBatch(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	status, err := s.resolve(ctx, b)
	if err != nil {
		return true, err
	}
	switch status {
	case domain.BatchStatusConfirmed:
		err = s.confirm(ctx, b)
	case domain.BatchStatusFailed:
		err = s.fail(ctx, b, "reconciled as failed")
	default:
		s.log.Info().Str("batch_id", b.BatchID).Str("signature", b.Signature).Msg("burn batch still in flight")
		return true, nil
	}
	if err != nil {
		return true, err
	}
	report.Reconciled = status
	return false, nil
}

// resolve maps the on-chain state of a batch to confirmed, failed, or submitted
// (unknown and not yet expired).
func (s *Settler) resolve(ctx context.Context, b *domain.BurnBatch) (domain.BatchStatus, error) {
	statuses, err := s.rpc.GetSignatureStatuses(ctx, []string{b.Signature})
	if err != nil {
		return "", err
	}
	if len(statuses) == 1 && statuses[0] != nil {
		st := statuses[0]
		if st.Err != nil {
			return domain.BatchStatusFailed, nil
		}
		if st.Landed() {
			return domain.BatchStatusConfirmed, nil
		}
	}

	height, err := s.rpc.GetBlockHeight(ctx)
	if err != nil {
		return "", err
	}
	if height > b.LastValidBlockHeight {
		return domain.BatchStatusFailed, nil
	}
	return domain.BatchStatusSubmitted, nil
}

func (s *Settler) confirm(ctx context.Context, b *domain.BurnBatch) error {
	members, err := s.burns.ListBatchBurns(ctx, b.BatchID)
	if err != nil {
		return err
	}

	now := s.now()
	byMethod := make(map[domain.BurnMethod]*domain.BurnRecord)
	for _, m := range members {
		r, ok := byMethod[m.Method]
		if !ok {
			r = &domain.BurnRecord{
				Signature: b.Signature,
				Method:    m.Method,
				BatchID:   b.BatchID,
				CreatedAt: now.UnixMilli(),
			}
			byMethod[m.Method] = r
		}
		r.AmountBurned += m.Amount
		r.TreasuryAmountRetained += m.Retained
	}

	var records []*domain.BurnRecord
	for _, method := range burnMethods {
		if r, ok := byMethod[method]; ok {
			records = append(records, r)
		}
	}
	if err := s.burns.ConfirmBatch(ctx, b.BatchID, records, now.UnixMilli()); err != nil {
		return err
	}

	for _, r := range records {
		observability.RecordBurn(string(r.Method), r.AmountBurned, now.Unix())
	}
	s.log.Info().
		Str("batch_id", b.BatchID).
		Str("signature", b.Signature).
		Uint64("burned", b.Total).
		Int("burns", len(members)).
		Msg("burn batch confirmed")
	return nil
}

func (s *Settler) fail(ctx context.Context, b *domain.BurnBatch, reason string) error {
	if err := s.burns.FailBatch(ctx, b.BatchID, s.now().UnixMilli()); err != nil {
		return err
	}
	s.log.Warn().
		Str("batch_id", b.BatchID).
		Str("signature", b.Signature).
		Str("reason", reason).
		Msg("burn batch failed, burns returned to pending")
	return nil
}

// splitEvents distributes unsettled revenue events into pending burns. Events paid
// in another asset have their burn buckets swapped into the reward asset first.
func (s *Settler) splitEvents(ctx context.Context, report *Report) error {
	events, err := s.revenue.ListUnsettled(ctx, s.cfg.EventBatch)
	if err != nil {
		return err
	}

	for _, e := range events {
		burns, ok, err := s.burnsFor(ctx, e)
		if err != nil {
			return err
		}
		if !ok {
			report.EventsSkipped++
			continue
		}
		if err := s.revenue.Settle(ctx, e.EventID, burns); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.log.Error().Bool("alert", true).Str("event_id", e.EventID).Msg("revenue event settled outside this cycle")
				continue
			}
			return fmt.Errorf("settle event %s: %w", e.EventID, err)
		}
		report.EventsSettled++
	}
	return nil
}

// burnsFor returns the pending burns of one event. ok is false when the event
// must stay unsettled for now.
func (s *Settler) burnsFor(ctx context.Context, e *domain.RevenueEvent) ([]*domain.PendingBurn, bool, error) {
	split, err := Distribute(e.Amount, s.cfg.EcosystemShare, s.cfg.BurnRatio)
	if err != nil {
		return nil, false, err
	}

	eco, swap := split.EcosystemBurn, split.SwapBurn
	if e.PaymentMint != s.rewardMint.String() && split.Burned() > 0 {
		if s.swapper == nil {
			s.log.Debug().Str("event_id", e.EventID).Str("mint", e.PaymentMint).Msg("no swapper configured, event left unsettled")
			return nil, false, nil
		}
		res, err := s.swapper.Swap(ctx, e.PaymentMint, s.rewardMint.String(), split.Burned())
		if errors.Is(err, ErrSwapUnconfirmed) {
			// The swap may still land; settling again would spend the input twice.
			return nil, false, fmt.Errorf("event %s: %w", e.EventID, err)
		}
		if err != nil {
			s.log.Error().Err(err).Str("event_id", e.EventID).Str("mint", e.PaymentMint).Msg("swap to reward asset failed")
			return nil, false, nil
		}
		eco = proportion(res.OutAmount, split.EcosystemBurn, split.Burned())
		swap = res.OutAmount - eco
		s.log.Info().
			Str("event_id", e.EventID).
			Str("signature", res.Signature).
			Uint64("in", res.InAmount).
			Uint64("out", res.OutAmount).
			Msg("revenue swapped to reward asset")
	}

	createdAt := s.now().UnixMilli()
	retained := split.Retained
	var burns []*domain.PendingBurn
	for _, m := range []struct {
		method domain.BurnMethod
		amount uint64
	}{{domain.BurnMethodEcosystem, eco}, {domain.BurnMethodSwap, swap}} {
		if m.amount == 0 {
			continue
		}
		burns = append(burns, &domain.PendingBurn{
			BurnID:    idhash.ComputeBurnID(e.EventID, m.method),
			EventID:   e.EventID,
			Method:    m.method,
			Amount:    m.amount,
			Retained:  retained,
			CreatedAt: createdAt,
		})
		retained = 0 // carried by the first burn only
	}
	return burns, true, nil
}

// proportion returns floor(total * part / whole).
func proportion(total, part, whole uint64) uint64 {
	if whole == 0 {
		return 0
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(total), new(big.Int).SetUint64(part))
	return n.Div(n, new(big.Int).SetUint64(whole)).Uint64()
}

// burnPending aggregates every pending burn into one transaction with one
// BurnChecked instruction per method, records the batch and broadcasts it.
func (s *Settler) burnPending(ctx context.Context, report *Report) error {
	pending, err := s.burns.ListPending(ctx)
	if err != nil {
		return err
	}
	totals := make(map[domain.BurnMethod]uint64)
	var total uint64
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		totals[p.Method] += p.Amount
		total += p.Amount
		ids = append(ids, p.BurnID)
	}
	if total == 0 {
		return nil
	}

	source, err := s.RewardAccount()
	if err != nil {
		return err
	}
	readAt := s.now()
	balance, err := s.rpc.GetTokenAccountBalance(ctx, source.String())
	if err != nil {
		return fmt.Errorf("read treasury reward balance: %w", err)
	}
	if balance.Amount < total {
		s.log.Error().
			Bool("alert", true).
			Uint64("balance", balance.Amount).
			Uint64("pending", total).
			Msg("treasury reward balance below pending burns")
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance.Amount, total)
	}

	bh, err := s.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return fmt.Errorf("latest blockhash: %w", err)
	}
	tx, err := s.buildBurnTx(totals, balance.Decimals, source, bh.Blockhash)
	if err != nil {
		return err
	}

	sort.Strings(ids)
	batch := &domain.BurnBatch{
		BatchID:              idhash.ComputeBatchID(ids, bh.Blockhash),
		Signature:            tx.Signatures[0].String(),
		BurnIDs:              ids,
		Total:                total,
		LastValidBlockHeight: bh.LastValidBlockHeight,
		PreBalance:           balance.Amount,
		CreatedAt:            readAt.UnixMilli(),
		UpdatedAt:            readAt.UnixMilli(),
	}
	// Recorded before broadcast so a crash after send is reconciled by signature.
	if err := s.burns.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	report.BatchID = batch.BatchID
	report.Signature = batch.Signature
	report.Status = domain.BatchStatusSubmitted

	encoded, err := solana.EncodeTransaction(tx)
	if err != nil {
		return err
	}
	if _, err := s.rpc.SendTransaction(ctx, encoded); err != nil {
		if !solana.IsRPCError(err) {
			// The node may have accepted it; only the signature can tell.
			s.log.Warn().Err(err).
				Str("batch_id", batch.BatchID).
				Str("signature", batch.Signature).
				Msg("burn batch send outcome unknown, left open for reconciliation")
			return fmt.Errorf("send burn batch: %w", err)
		}
		if ferr := s.fail(ctx, batch, err.Error()); ferr != nil {
			return errors.Join(err, ferr)
		}
		report.Status = domain.BatchStatusFailed
		return fmt.Errorf("send burn batch: %w", err)
	}
	s.log.Info().
		Str("batch_id", batch.BatchID).
		Str("signature", batch.Signature).
		Uint64("total", total).
		Int("burns", len(ids)).
		Msg("burn batch submitted")

	status, err := s.await(ctx, batch)
	if err != nil {
		return err
	}
	switch status {
	case domain.BatchStatusConfirmed:
		if err := s.confirm(ctx, batch); err != nil {
			return err
		}
		report.Burned = total
	case domain.BatchStatusFailed:
		if err := s.fail(ctx, batch, "failed or expired on chain"); err != nil {
			return err
		}
	}
	report.Status = status
	return nil
}

func (s *Settler) buildBurnTx(totals map[domain.BurnMethod]uint64, decimals uint8, source solanago.PublicKey, blockhash string) (*solanago.Transaction, error) {
	var instrs []solanago.Instruction
	for _, method := range burnMethods {
		amount := totals[method]
		if amount == 0 {
			continue
		}
		ix := token.NewBurnCheckedInstruction(amount, decimals, source, s.rewardMint, s.treasury, nil).Build()
		data, err := ix.Data()
		if err != nil {
			return nil, fmt.Errorf("encode burn: %w", err)
		}
		instrs = append(instrs, solanago.NewInstruction(s.cfg.RewardProgram, ix.Accounts(), data))
	}

	hash, err := solanago.HashFromBase58(blockhash)
	if err != nil {
		return nil, fmt.Errorf("parse blockhash: %w", err)
	}
	tx, err := solanago.NewTransaction(instrs, hash, solanago.TransactionPayer(s.treasury))
	if err != nil {
		return nil, fmt.Errorf("build burn transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(s.treasury) {
			return &s.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign burn transaction: %w", err)
	}
	return tx, nil
}

// await polls the batch until it resolves or the cycle's confirm timeout passes.
// A batch still unresolved stays open for the next cycle.
func (s *Settler) await(ctx context.Context, b *domain.BurnBatch) (domain.BatchStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.resolve(ctx, b)
		if err == nil && status != domain.BatchStatusSubmitted {
			return status, nil
		}
		if err != nil && ctx.Err() == nil {
			s.log.Debug().Err(err).Str("batch_id", b.BatchID).Msg("batch status poll failed")
		}

		select {
		case <-ctx.Done():
			s.log.Warn().Str("batch_id", b.BatchID).Msg("burn batch unresolved, left for next cycle")
			return domain.BatchStatusSubmitted, nil
		case <-ticker.C:
		}
	}
}

// Run settles on every tick until ctx is done.
func (s *Settler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSettlementTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Settle(ctx)
			if err != nil {
				if !errors.Is(err, ErrSettlementRunning) && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("settlement cycle failed")
				}
				continue
			}
			s.log.Info().
				Int("events_settled", report.EventsSettled).
				Int("events_skipped", report.EventsSkipped).
				Bool("blocked", report.Blocked).
				Uint64("burned", report.Burned).
				Msg("settlement cycle complete")
		}
	}
}
