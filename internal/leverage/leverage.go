// Package leverage computes the risk-adjusted target leverage (the "Scofield point")
// and the APY figures reported alongside each rebalance cycle.
//
// All rates entering this package are annualized simple rates. Venue funding
// is converted exactly once, by Annualize, at the controller boundary.
package leverage

import (
	"math"
	"time"
)

const year = 365 * 24 * time.Hour

// Inputs of the optimal leverage formula.
type Inputs struct {
	FundingAnnual float64
	StakingYield  float64
	Volatility    float64
	RiskAversion  float64
}

// Bounds clamp the optimal leverage.
type Bounds struct {
	Min float64
	Max float64
}

// Optimal returns L* = (f + s) / (σ²·λ) clamped to bounds.
// A non-positive σ or λ, or a non-positive carry, yields the minimum.
func Optimal(in Inputs, b Bounds) float64 {
	if in.Volatility <= 0 || in.RiskAversion <= 0 {
		return b.Min
	}
	carry := in.FundingAnnual + in.StakingYield
	if carry <= 0 {
		return b.Min
	}
	return clamp(carry/(in.Volatility*in.Volatility*in.RiskAversion), b.Min, b.Max)
}

// ExpectedAPY is the first-order expected annual return of a cycle.
func ExpectedAPY(lev, fundingAnnual, stakingYield, turnoverRate, spreadEdge, costRate float64) float64 {
	return lev*fundingAnnual + lev*stakingYield + turnoverRate*spreadEdge - costRate
}

// Annualize converts a per-interval rate into a simple annual rate.
func Annualize(rate float64, interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return rate * float64(year) / float64(interval)
}

// Period is one realized return over Days days.
type Period struct {
	Return float64
	Days   float64
}

// Realized is the annualized realized return plus the periods left out of it.
type Realized struct {
	APY float64
	// Excluded holds the indices of bankrupt periods (return ≤ -100%).
	Excluded []int
}

// RealizedAPY computes exp((365/ΣΔt)·Σ ln(1+r)) − 1.
// Periods with r ≤ −1 are excluded from the log sum and reported; their time still counts.
func RealizedAPY(periods []Period) Realized {
	var res Realized
	var days, logSum float64
	for i, p := range periods {
		if p.Days <= 0 {
			continue
		}
		days += p.Days
		if p.Return <= -1 {
			res.Excluded = append(res.Excluded, i)
			continue
		}
		logSum += math.Log1p(p.Return)
	}
	if days == 0 {
		return res
	}
	res.APY = math.Expm1(365 / days * logSum)
	return res
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
