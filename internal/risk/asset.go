package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// AssetMetrics describes one collateral asset for allocation scoring.
type AssetMetrics struct {
	Asset        string          `json:"asset"`
	PegDeviation float64         `json:"peg_deviation"`
	Volatility   float64         `json:"volatility"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	OracleAge    time.Duration   `json:"oracle_age"`
}

// AssetRiskScore is the allocation verdict for one asset. Higher score is safer.
type AssetRiskScore struct {
	Asset            string  `json:"asset"`
	Score            float64 `json:"score"`
	Grade            string  `json:"grade"`
	MaxAllocationBps int     `json:"max_allocation_bps"`
}

// AssetRiskScorer grades collateral assets; the allocation cap is monotone in the score.
type AssetRiskScorer struct {
	DepegThreshold    float64
	VolatilityCeiling float64
	// TargetLiquidityUSD is the depth at which the liquidity penalty vanishes.
	TargetLiquidityUSD decimal.Decimal
	MaxOracleAge       time.Duration
}

// Score grades m.
func (s AssetRiskScorer) Score(m AssetMetrics) AssetRiskScore {
	score := 100.0
	score -= overPenalty(m.PegDeviation, s.DepegThreshold, 40)
	score -= overPenalty(m.Volatility, s.VolatilityCeiling, 20)

	if s.TargetLiquidityUSD.IsPositive() && m.LiquidityUSD.LessThan(s.TargetLiquidityUSD) {
		shortfall := s.TargetLiquidityUSD.Sub(m.LiquidityUSD).Div(s.TargetLiquidityUSD).InexactFloat64()
		score -= 25 * math.Min(1, shortfall)
	}
	if s.MaxOracleAge > 0 && m.OracleAge > s.MaxOracleAge {
		score -= 15
	}
	score = math.Max(0, math.Min(100, score))

	grade, bps := allocationFor(score)
	return AssetRiskScore{Asset: m.Asset, Score: score, Grade: grade, MaxAllocationBps: bps}
}

func allocationFor(score float64) (string, int) {
	switch {
	case score >= 80:
		return "A", 5000
	case score >= 60:
		return "B", 2500
	case score >= 40:
		return "C", 1000
	default:
		return "D", 0
	}
}

// RateReader reads an on-chain LST exchange rate.
type RateReader interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// PegReader turns an LST rate provider into a peg ratio relative to a reference rate.
// With a zero Reference the raw rate is the ratio.
type PegReader struct {
	Source    RateReader
	Reference decimal.Decimal
}

// Peg returns the LST/ETH ratio.
func (p PegReader) Peg(ctx context.Context) (decimal.Decimal, error) {
	rate, err := p.Source.Rate(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read peg rate: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("read peg rate: non-positive rate %s", rate)
	}
	if p.Reference.IsPositive() {
		return rate.Div(p.Reference), nil
	}
	return rate, nil
}
