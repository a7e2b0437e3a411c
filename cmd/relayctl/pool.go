package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"solana-gas-relay/internal/app"
	"solana-gas-relay/internal/pricing"
)

func init() {
	rootCmd.AddCommand(poolCmd)
}

var poolCmd = &cobra.Command{
	Use:   "pool-status",
	Short: "refresh fee payer balances and list fee payers and RPC endpoints",
	RunE:  doPoolStatus,
}

func doPoolStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		if err := a.Pool.Refresh(cmd.Context()); err != nil {
			return err
		}

		fmt.Printf("FeePayer\tSOL\tHealth\tActive\n")
		for _, p := range a.Pool.Status() {
			fmt.Printf("%s\t%s\t%s\t%d\n", p.PublicKey, pricing.FormatAmount(p.Balance, 9), p.Health, p.Reservations)
		}

		a.RPC.Recheck(cmd.Context())
		fmt.Printf("\nEndpoint\tHealthy\tFailures\tLatencyMs\n")
		for _, e := range a.RPC.Status() {
			fmt.Printf("%s\t%s\t%d\t%d\n", e.URL, strconv.FormatBool(e.Healthy), e.ConsecutiveFailures, e.LatencyMs)
		}
		return nil
	})
}
