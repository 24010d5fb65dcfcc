package cli

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"kerne-operator/internal/app"
)

var (
	attestOpts app.AttestOptions

	riskGateUSD      float64
	riskLiquidityUSD float64

	rebalanceDryRun bool
)

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Produce one proof-of-reserve attestation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Attest(cmd.Context(), attestOpts)
	},
}

var riskScoreCmd = &cobra.Command{
	Use:   "risk-score",
	Short: "Score the current vault risk and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RiskScoreOptions{
			GateUSD:           decimal.NewFromFloat(riskGateUSD),
			AssetLiquidityUSD: decimal.NewFromFloat(riskLiquidityUSD),
		}
		return getApp().RiskScore(cmd.Context(), opts)
	},
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Run one hedging cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rebalance(cmd.Context(), app.RebalanceOptions{DryRun: rebalanceDryRun})
	},
}

func init() {
	attestCmd.Flags().BoolVar(&attestOpts.DryRun, "dry-run", false, "Sign and write artifacts without any on-chain call")
	attestCmd.Flags().BoolVar(&attestOpts.NoJSON, "no-json", false, "Do not write attestation artifacts")
	attestCmd.Flags().BoolVar(&attestOpts.NoValidate, "no-validate", false, "Skip signature validation after signing")
	attestCmd.Flags().BoolVar(&attestOpts.PublishInsolvent, "publish-insolvent", false, "Publish even when insolvent")

	riskScoreCmd.Flags().Float64Var(&riskGateUSD, "gate-usd", 0, "Also evaluate the execution gate for this notional")
	riskScoreCmd.Flags().Float64Var(&riskLiquidityUSD, "liquidity-usd", 0, "Observed collateral liquidity in USD")

	rebalanceCmd.Flags().BoolVar(&rebalanceDryRun, "dry-run", false, "Plan the cycle without placing orders")
}
