// Package main runs the gasless relay: the HTTP API plus the background loops
// for fee-payer balances, RPC health, quote sweeping, confirmation tracking,
// settlement and treasury verification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"solana-gas-relay/internal/api"
	"solana-gas-relay/internal/app"
	"solana-gas-relay/internal/config"
	"solana-gas-relay/internal/logging"
)

const (
	shutdownTimeout = 30 * time.Second
	trackerInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults to environment)")
	flag.Parse()

	cfg := &config.Config{}
	var err error
	if *configPath != "" {
		err = cfg.Load(*configPath)
	} else {
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()

		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			log.Error().Dur("timeout", shutdownTimeout).Msg("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, log)
	close(done)
	if err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// Balances must be known before the first quote reserves a payer.
	if err := a.Pool.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial fee payer refresh incomplete")
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(api.Deps{
			Quotes:       a.Quotes,
			Submitter:    a.Relay,
			FeePayers:    a.Pool,
			Endpoints:    a.RPC,
			Transactions: a.Stores.Transactions,
			Burns:        a.Stores.Treasury,
			Analytics:    a.Stores.Analytics,
			Treasury:     a.Verifier,
		}, api.Config{
			MetricsKey:  cfg.Server.MetricsKey,
			RateLimit:   cfg.Server.RateLimit,
			CORSOrigins: cfg.Server.CORSOrigins,
		}, logging.Component(log, "api")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RPC.Run(ctx) })
	g.Go(func() error { return a.Pool.Run(ctx) })
	g.Go(func() error { return a.Quotes.Run(ctx) })
	g.Go(func() error { return a.Tracker.Run(ctx, trackerInterval) })
	if a.Settler != nil {
		g.Go(func() error {
			a.Settler.Run(ctx, cfg.Treasury.SettlementInterval)
			return nil
		})
	} else {
		log.Warn().Msg("no treasury key: settlement disabled")
	}
	g.Go(func() error {
		a.Verifier.Run(ctx, cfg.Treasury.VerificationInterval)
		return nil
	})

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("treasury", a.TreasuryAddress.String()).
			Int("fee_payers", len(a.Pool.Status())).
			Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
