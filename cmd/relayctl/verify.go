package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"solana-gas-relay/internal/app"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify-treasury",
	Short: "compare the treasury reward balance with the post-burn expectation",
	RunE:  doVerify,
}

func doVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		res, err := a.Verifier.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Checked && !res.Matched {
			return fmt.Errorf("treasury deficit of %d", res.Deficit())
		}
		return nil
	})
}
