package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a graduated-response level.
type Tier string

const (
	TierHealthy  Tier = "HEALTHY"
	TierWarn     Tier = "WARN"
	TierElevated Tier = "ELEVATED"
	TierCritical Tier = "CRITICAL"
)

// Level orders tiers from 0 (healthy) to 3 (critical).
func (t Tier) Level() int {
	switch t {
	case TierWarn:
		return 1
	case TierElevated:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

// SizeMultiplier scales new rebalance sizes in this tier.
func (t Tier) SizeMultiplier() decimal.Decimal {
	switch t {
	case TierWarn:
		return decimal.RequireFromString("0.5")
	case TierElevated:
		return decimal.RequireFromString("0.25")
	case TierCritical:
		return decimal.Zero
	default:
		return decimal.NewFromInt(1)
	}
}

// Thresholds are the lower health bounds of each tier plus the CRITICAL exit level.
type Thresholds struct {
	Warn     float64
	Elevated float64
	Critical float64
	Recover  float64
}

// DefaultThresholds are 80 / 60 / 40 with recovery at 75.
var DefaultThresholds = Thresholds{Warn: 80, Elevated: 60, Critical: 40, Recover: 75}

// TierFor maps a health score to a tier without hysteresis.
func (th Thresholds) TierFor(health float64) Tier {
	switch {
	case health >= th.Warn:
		return TierHealthy
	case health >= th.Elevated:
		return TierWarn
	case health >= th.Critical:
		return TierElevated
	default:
		return TierCritical
	}
}

// Limits configure the penalty triggers.
type Limits struct {
	MaxNetDelta            float64
	MinLiquidationDistance float64
	DepegThreshold         float64
	VolatilityCeiling      float64
}

// DefaultLimits are 5% net delta, 20% liquidation distance, 2% depeg, 100% annual volatility.
var DefaultLimits = Limits{MaxNetDelta: 0.05, MinLiquidationDistance: 0.20, DepegThreshold: 0.02, VolatilityCeiling: 1.0}

// Inputs is the snapshot scored by the engine.
type Inputs struct {
	VaultID      string
	TargetShort  decimal.Decimal
	CurrentShort decimal.Decimal
	MarkPrice    decimal.Decimal
	// LiquidationPrice of the short; zero when there is no position.
	LiquidationPrice decimal.Decimal
	Equity           decimal.Decimal
	// PegRatio is LST/ETH; zero when unknown.
	PegRatio   decimal.Decimal
	Volatility float64
	At         time.Time
}

// Penalties broken down per factor.
type Penalties struct {
	NetDelta    float64 `json:"net_delta"`
	Liquidation float64 `json:"liquidation"`
	Peg         float64 `json:"peg"`
	Volatility  float64 `json:"volatility"`
}

// Total is the sum of every penalty.
func (p Penalties) Total() float64 {
	return p.NetDelta + p.Liquidation + p.Peg + p.Volatility
}

// RiskProfile is the scored view of one snapshot.
type RiskProfile struct {
	VaultID             string    `json:"vault_id"`
	NetDelta            float64   `json:"net_delta"`
	LiquidationDistance float64   `json:"liquidation_distance"`
	PegDeviation        float64   `json:"peg_deviation"`
	Volatility          float64   `json:"volatility"`
	HealthScore         float64   `json:"health_score"`
	Penalties           Penalties `json:"penalties"`
	Tier                Tier      `json:"tier"`
	At                  time.Time `json:"at"`
}

// Score computes the health score. It is pure and deterministic.
//
// Each factor contributes nothing inside its limit and a penalty that starts at half its
// cap on breach and grows linearly to the cap at twice the limit:
// net delta and liquidation distance up to 40 each, peg up to 30, volatility up to 10.
func Score(in Inputs, lim Limits, th Thresholds) RiskProfile {
	p := RiskProfile{
		VaultID:             in.VaultID,
		NetDelta:            netDelta(in.TargetShort, in.CurrentShort),
		LiquidationDistance: liquidationDistance(in.MarkPrice, in.LiquidationPrice),
		PegDeviation:        pegDeviation(in.PegRatio),
		Volatility:          in.Volatility,
		At:                  in.At,
	}

	p.Penalties = Penalties{
		NetDelta:    overPenalty(p.NetDelta, lim.MaxNetDelta, 40),
		Liquidation: underPenalty(p.LiquidationDistance, lim.MinLiquidationDistance, 40),
		Peg:         overPenalty(p.PegDeviation, lim.DepegThreshold, 30),
		Volatility:  overPenalty(p.Volatility, lim.VolatilityCeiling, 10),
	}
	p.HealthScore = math.Max(0, math.Min(100, 100-p.Penalties.Total()))
	p.Tier = th.TierFor(p.HealthScore)
	return p
}

// netDelta is |target - current| / target; a zero target with any position is fully off.
func netDelta(target, current decimal.Decimal) float64 {
	if !target.IsPositive() {
		if current.IsZero() {
			return 0
		}
		return 1
	}
	return target.Sub(current).Abs().Div(target).InexactFloat64()
}

// liquidationDistance is (liq - mark) / mark for a short; 1 when there is nothing to liquidate.
func liquidationDistance(mark, liq decimal.Decimal) float64 {
	if !mark.IsPositive() || !liq.IsPositive() {
		return 1
	}
	d := liq.Sub(mark).Div(mark).InexactFloat64()
	if d < 0 {
		return 0
	}
	return d
}

func pegDeviation(ratio decimal.Decimal) float64 {
	if !ratio.IsPositive() {
		return 0
	}
	return math.Abs(1 - ratio.InexactFloat64())
}

func overPenalty(v, limit, maxPenalty float64) float64 {
	if limit <= 0 || v <= limit {
		return 0
	}
	excess := math.Min(1, (v-limit)/limit)
	return maxPenalty/2 + maxPenalty/2*excess
}

func underPenalty(v, limit, maxPenalty float64) float64 {
	if limit <= 0 || v >= limit {
		return 0
	}
	shortfall := math.Min(1, (limit-v)/limit)
	return maxPenalty/2 + maxPenalty/2*shortfall
}
