// Package app assembles relay components from configuration. Both the relay
// service and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/config"
	"solana-gas-relay/internal/feepayer"
	"solana-gas-relay/internal/logging"
	"solana-gas-relay/internal/quote"
	"solana-gas-relay/internal/relay"
	"solana-gas-relay/internal/rpcpool"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/storage"
	chstore "solana-gas-relay/internal/storage/clickhouse"
	"solana-gas-relay/internal/storage/memory"
	"solana-gas-relay/internal/storage/migrations"
	pgstore "solana-gas-relay/internal/storage/postgres"
	redisstore "solana-gas-relay/internal/storage/redis"
	"solana-gas-relay/internal/treasury"
	"solana-gas-relay/internal/validator"
)

const (
	// quotes stay readable past expiry so late submissions get QUOTE_EXPIRED
	quoteGrace = 5 * time.Minute
	// longer than blockhash validity
	replayTTL = 3 * time.Minute

	settlementEventBatch = 100
)

// TreasuryStore is the ledger behind settlement and verification.
type TreasuryStore interface {
	storage.RevenueStore
	storage.BurnStore
}

// Stores holds the persistence backends.
type Stores struct {
	Transactions storage.TransactionStore
	Treasury     TreasuryStore
	Analytics    storage.FeeAnalyticsStore // nil without ClickHouse
	Quotes       storage.QuoteStore
	Replay       storage.ReplayGuard
}

// App is a fully wired relay.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Stores   Stores
	RPC      *rpcpool.Pool
	WS       solana.WSClient // nil without a websocket endpoint
	Pool     *feepayer.Pool
	Quotes   *quote.Engine
	Tracker  *relay.Tracker
	Relay    *relay.Service
	Settler  *treasury.Settler // nil without a treasury key
	Verifier *treasury.Verifier

	TreasuryAddress solanago.PublicKey

	closers []func()
}

// Build connects the stores and constructs every component. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (a *App, err error) {
	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	rpcCfg := rpcpool.Config{
		CallTimeout:      cfg.RPC.CallTimeout,
		MaxAttempts:      cfg.RPC.MaxAttempts,
		FailureThreshold: cfg.RPC.FailureThreshold,
		Cooldown:         cfg.RPC.Cooldown,
		RecheckInterval:  cfg.RPC.RecheckInterval,
	}
	if a.RPC, err = rpcpool.Dial(cfg.RPC.Endpoints, rpcCfg, logging.Component(log, "rpcpool")); err != nil {
		return nil, fmt.Errorf("rpc pool: %w", err)
	}

	if cfg.RPC.WSEndpoint != "" {
		wsCfg := solana.DefaultWSConfig()
		wsCfg.Logger = logging.Component(log, "ws")
		ws, err := solana.NewWSClient(ctx, cfg.RPC.WSEndpoint, &wsCfg)
		if err != nil {
			return nil, fmt.Errorf("websocket: %w", err)
		}
		a.WS = ws
		a.closers = append(a.closers, func() { ws.Close() })
	}

	keys := make([]solanago.PrivateKey, 0, len(cfg.FeePayers.Keys))
	for i, k := range cfg.FeePayers.Keys {
		key, err := feepayer.LoadKey(k)
		if err != nil {
			return nil, fmt.Errorf("fee payer key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	poolCfg := feepayer.Config{
		WarningLamports:  cfg.FeePayers.WarningLamports,
		CriticalLamports: cfg.FeePayers.CriticalLamports,
		RefreshInterval:  cfg.FeePayers.RefreshInterval,
	}
	if a.Pool, err = feepayer.New(keys, a.RPC, poolCfg, logging.Component(log, "feepayer")); err != nil {
		return nil, fmt.Errorf("fee payer pool: %w", err)
	}

	var treasuryKey solanago.PrivateKey
	if cfg.Treasury.Key != "" {
		if treasuryKey, err = feepayer.LoadKey(cfg.Treasury.Key); err != nil {
			return nil, fmt.Errorf("treasury key: %w", err)
		}
		a.TreasuryAddress = treasuryKey.PublicKey()
	} else if a.TreasuryAddress, err = solanago.PublicKeyFromBase58(cfg.Treasury.Address); err != nil {
		return nil, fmt.Errorf("treasury address: %w", err)
	}
	if a.Pool.Owns(a.TreasuryAddress) {
		return nil, errors.New("treasury must not be one of the fee payers")
	}

	quoteCfg := quote.Config{
		TTL:                  cfg.Pricing.QuoteTTL,
		Grace:                quoteGrace,
		LamportsPerSignature: cfg.Pricing.NetworkFee,
		Signatures:           cfg.Pricing.Signatures,
		DefaultComputeUnits:  cfg.Pricing.DefaultComputeUnits,
		MicroLamportsPerCU:   cfg.Pricing.MicroLamportsPerCU,
		RewardMint:           cfg.Pricing.RewardMint,
		EcosystemShare:       cfg.Pricing.EcosystemShare,
		BurnRatio:            cfg.BurnRatio(),
		Treasury:             a.TreasuryAddress.String(),
	}
	a.Quotes, err = quote.NewEngine(cfg.KnownAssets(), a.RPC, a.Pool, a.Stores.Quotes, quoteCfg, logging.Component(log, "quote"))
	if err != nil {
		return nil, err
	}

	v := validator.New(a.RPC, a.Stores.Replay, validator.Config{
		LamportsPerSignature: cfg.Pricing.NetworkFee,
		DefaultComputeUnits:  cfg.Pricing.DefaultComputeUnits,
		MicroLamportsPerCU:   cfg.Pricing.MicroLamportsPerCU,
		Treasury:             a.TreasuryAddress,
		ReplayTTL:            replayTTL,
	}, logging.Component(log, "validator"))

	relayCfg := relay.Config{ExplorerURL: cfg.Server.ExplorerURL}
	a.Tracker = relay.NewTracker(a.RPC, a.WS, a.Stores.Transactions, a.Stores.Treasury, a.Stores.Analytics, relayCfg, logging.Component(log, "tracker"))
	a.closers = append(a.closers, a.Tracker.Close)
	a.Relay = relay.NewService(a.Stores.Quotes, a.Quotes, v, a.Pool, a.RPC, a.Stores.Transactions, a.Tracker, relayCfg, logging.Component(log, "relay"))

	settleCfg := treasury.Config{
		RewardMint:     cfg.Pricing.RewardMint,
		EcosystemShare: cfg.Pricing.EcosystemShare,
		BurnRatio:      cfg.BurnRatio(),
		EventBatch:     settlementEventBatch,
	}
	if cfg.Treasury.RewardToken2022 {
		settleCfg.RewardProgram = solana.Token2022ProgramID
	}

	if treasuryKey != nil {
		swapper := treasury.NewJupiterSwapper(cfg.Treasury.JupiterURL, a.RPC, treasuryKey, cfg.Treasury.SlippageBps)
		a.Settler, err = treasury.NewSettler(a.RPC, a.Stores.Treasury, a.Stores.Treasury, swapper, treasuryKey, settleCfg, logging.Component(log, "settlement"))
		if err != nil {
			return nil, err
		}
	}
	a.Verifier, err = treasury.NewVerifier(a.RPC, a.Stores.Treasury, a.Stores.Treasury, a.Settler, a.TreasuryAddress, settleCfg, logging.Component(log, "verifier"))
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config.Storage
	log := logging.Component(a.Log, "storage")

	if cfg.UseMemory {
		ts := memory.NewTreasuryStore()
		a.Stores = Stores{
			Transactions: memory.NewTransactionStore(),
			Treasury:     ts,
			Analytics:    memory.NewFeeAnalyticsStore(),
			Quotes:       memory.NewQuoteStore(),
			Replay:       memory.NewReplayGuard(),
		}
		log.Info().Msg("using in-memory storage")
		return nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return err
	}
	a.Stores.Transactions = pgstore.NewTransactionStore(pool)
	a.Stores.Treasury = pgstore.NewTreasuryStore(pool)

	if cfg.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { conn.Close() })
		a.Stores.Analytics = chstore.NewFeeAnalyticsStore(conn)
	}

	if cfg.RedisURL != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { client.Close() })
		a.Stores.Quotes = redisstore.NewQuoteStore(client)
		a.Stores.Replay = redisstore.NewReplayGuard(client)
	} else {
		log.Warn().Msg("no redis url: quotes are local to this instance")
		a.Stores.Quotes = memory.NewQuoteStore()
		a.Stores.Replay = memory.NewReplayGuard()
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

