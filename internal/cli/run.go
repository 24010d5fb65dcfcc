package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kerne-operator/internal/app"
)

var (
	runDryRun        bool
	runInterval      int
	runNoJSON        bool
	runNoValidate    bool
	runPublishInsolv bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the operator: event-driven hedging plus scheduled attestations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runInterval < 0 {
			return fmt.Errorf("--interval must not be negative")
		}
		opts := app.RunOptions{
			DryRun:        runDryRun,
			IntervalHours: runInterval,
			Attest: app.AttestOptions{
				DryRun:           runDryRun,
				NoJSON:           runNoJSON,
				NoValidate:       runNoValidate,
				PublishInsolvent: runPublishInsolv,
			},
		}
		return getApp().Run(cmd.Context(), opts)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Compute everything but place no orders and send no transactions")
	runCmd.Flags().IntVar(&runInterval, "interval", 0, "Attestation interval in hours (defaults to config)")
	runCmd.Flags().BoolVar(&runNoJSON, "no-json", false, "Do not write attestation artifacts")
	runCmd.Flags().BoolVar(&runNoValidate, "no-validate", false, "Skip signature validation after signing")
	runCmd.Flags().BoolVar(&runPublishInsolv, "publish-insolvent", false, "Publish attestations even when insolvent")
}
