package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"kerne-operator/internal/events"
	"kerne-operator/internal/hedger"
	"kerne-operator/internal/por"
	"kerne-operator/internal/risk"
)

// Attest runs one proof-of-reserve attestation and prints its summary.
// An insolvent vault yields por.ErrInsolvent after the artifacts are written.
func (a *App) Attest(ctx context.Context, opts AttestOptions) error {
	op, err := a.build(ctx, modeAttest, opts.DryRun)
	if err != nil {
		return err
	}
	defer op.Close()

	// score once so the attestation carries the current sentinel tier
	if _, err := op.assess(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("risk assessment unavailable; attesting without a tier")
	}

	attestor, err := op.newAttestor()
	if err != nil {
		return err
	}
	res, err := attestor.Attest(ctx, opts)
	if res.Hash != "" {
		printAttestation(os.Stdout, res)
	}
	return err
}

func printAttestation(w io.Writer, res por.Attestation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Time\t%s\n", res.At().Format(time.RFC3339))
	fmt.Fprintf(tw, "Status\t%s\n", res.Status)
	fmt.Fprintf(tw, "Solvency ratio\t%s\n", res.SolvencyRatio)
	fmt.Fprintf(tw, "Total assets\t%s\n", res.TotalAssets.StringFixed(4))
	fmt.Fprintf(tw, "Total liabilities\t%s\n", res.TotalLiabilities.StringFixed(4))
	fmt.Fprintf(tw, "Net delta\t%s%%\n", res.NetDelta.Shift(2).StringFixed(2))
	fmt.Fprintf(tw, "Method\t%s\n", res.Method)
	if res.FallbackReason != "" {
		fmt.Fprintf(tw, "Fallback\t%s\n", res.FallbackReason)
	}
	fmt.Fprintf(tw, "Hash\t%s\n", res.Hash)
	if res.TxHash != "" {
		fmt.Fprintf(tw, "Transaction\t%s\n", res.TxHash)
	}
	fmt.Fprintf(tw, "Published\t%t\n", res.Published)
	fmt.Fprintf(tw, "Dry run\t%t\n", res.DryRun)
	tw.Flush()
}

// RiskScoreOptions configure the one-shot scoring command.
type RiskScoreOptions struct {
	// GateUSD, when positive, also asks the sentinel gate about an execution of that size.
	GateUSD decimal.Decimal
	// AssetLiquidityUSD feeds the collateral allocation score.
	AssetLiquidityUSD decimal.Decimal
}

type riskReport struct {
	Profile        risk.RiskProfile    `json:"profile"`
	Tier           risk.Tier           `json:"tier"`
	SizeMultiplier decimal.Decimal     `json:"size_multiplier"`
	Asset          risk.AssetRiskScore `json:"asset"`
	Gate           *risk.GateResult    `json:"gate,omitempty"`
}

// RiskScore scores the live state once and prints the profile as JSON. It never pauses the vault.
func (a *App) RiskScore(ctx context.Context, opts RiskScoreOptions) error {
	op, err := a.build(ctx, modeScore, true)
	if err != nil {
		return err
	}
	defer op.Close()

	decision, err := op.assess(ctx)
	if err != nil {
		return err
	}

	scorer := risk.AssetRiskScorer{
		DepegThreshold:     a.Config.Risk.DepegThreshold,
		VolatilityCeiling:  a.Config.Risk.VolatilityCeiling,
		TargetLiquidityUSD: decimal.NewFromInt(10_000_000),
		MaxOracleAge:       time.Hour,
	}
	rep := riskReport{
		Profile:        decision.Profile,
		Tier:           decision.Tier,
		SizeMultiplier: decision.SizeMultiplier,
		Asset: scorer.Score(risk.AssetMetrics{
			Asset:        a.Config.Hedge.Symbol,
			PegDeviation: decision.Profile.PegDeviation,
			Volatility:   decision.Profile.Volatility,
			LiquidityUSD: opts.AssetLiquidityUSD,
		}),
	}
	if opts.GateUSD.IsPositive() {
		g := op.sentinel.Gate(opts.GateUSD)
		rep.Gate = &g
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// Rebalance runs one manual hedging cycle and prints its report.
func (a *App) Rebalance(ctx context.Context, opts RebalanceOptions) error {
	op, err := a.build(ctx, modeTrade, opts.DryRun)
	if err != nil {
		return err
	}
	defer op.Close()

	engine, err := op.newHedger(opts.DryRun)
	if err != nil {
		return err
	}

	rep := engine.RunCycle(ctx, events.Event{Kind: events.KindManual, At: time.Now().UTC()})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Outcome == hedger.OutcomeFailed {
		if rep.OrderError != "" {
			return fmt.Errorf("rebalance failed: %s", rep.OrderError)
		}
		return fmt.Errorf("rebalance failed: %s", rep.Reason)
	}
	return nil
}
