package main

import (
	"errors"

	"github.com/spf13/cobra"

	"solana-gas-relay/internal/app"
	"solana-gas-relay/internal/treasury"
)

func init() {
	rootCmd.AddCommand(settleCmd)
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "run one settlement cycle and print its report",
	RunE:  doSettle,
}

func doSettle(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		if a.Settler == nil {
			return treasury.ErrNoTreasuryKey
		}
		report, err := a.Settler.Settle(cmd.Context())
		if report != nil {
			if perr := printJSON(report); perr != nil {
				return errors.Join(err, perr)
			}
		}
		return err
	})
}
