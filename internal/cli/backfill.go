package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kerne-operator/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import local attestation history into the audit database",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseWindow(backfillFrom, backfillTo)
		if err != nil {
			return err
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		}

		res, err := getApp().Backfill(cmd.Context(), opts)
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d inserted=%d duplicate=%d failed=%d\n", res.Scanned, res.Inserted, res.Duplicate, res.Failed)
		return err
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, exclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Count without writing to storage")
}
