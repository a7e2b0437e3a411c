package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"solana-gas-relay/internal/treasury"
)

func init() {
	rootCmd.AddCommand(distributeCmd)
}

var distributeCmd = &cobra.Command{
	Use:   "distribute <amount>",
	Short: "show how a fee amount splits into burns and treasury retention",
	Args:  cobra.ExactArgs(1),
	RunE:  doDistribute,
}

func doDistribute(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("amount %q: %w", args[0], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	split, err := treasury.Distribute(amount, cfg.Pricing.EcosystemShare, cfg.BurnRatio())
	if err != nil {
		return err
	}

	fmt.Printf("Amount\tEcosystemBurn\tSwapBurn\tRetained\n")
	fmt.Printf("%d\t%d\t%d\t%d\n", amount, split.EcosystemBurn, split.SwapBurn, split.Retained)
	return nil
}
