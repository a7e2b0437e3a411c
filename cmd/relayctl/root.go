package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"solana-gas-relay/internal/app"
	"solana-gas-relay/internal/config"
	"solana-gas-relay/internal/logging"
)

var (
	configPath string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults to environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "gasless relay operator CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	var err error
	if configPath != "" {
		err = cfg.Load(configPath)
	} else {
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func newLogger() zerolog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.New(level, true).With().Str("cli", "relayctl").Logger()
}

// withApp builds the relay components for a one-shot command.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
