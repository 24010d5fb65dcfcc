package leverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"kerne-operator/internal/venue"
)

// ErrYieldUnavailable means no staking yield could be obtained; the cycle is skipped.
var ErrYieldUnavailable = errors.New("staking yield unavailable")

// YieldSource provides the annual LST staking yield.
type YieldSource interface {
	StakingYield(ctx context.Context) (float64, error)
}

// Params configure the controller.
type Params struct {
	MinLeverage  float64
	MaxLeverage  float64
	RiskAversion float64
	TurnoverRate float64
	SpreadEdge   float64
	CostRate     float64
}

// Decision is the controller output for one cycle.
type Decision struct {
	Leverage      float64
	FundingAnnual float64
	FundingKnown  bool
	StakingYield  float64
	Volatility    float64
	ExpectedAPY   float64
	Reason        string
}

// Controller turns live funding, staking yield and volatility into a target leverage.
type Controller struct {
	params Params
	yield  YieldSource
	logger zerolog.Logger
}

// NewController builds a controller.
func NewController(params Params, yield YieldSource, logger zerolog.Logger) *Controller {
	return &Controller{params: params, yield: yield, logger: logger.With().Str("component", "leverage").Logger()}
}

// Decide computes the target leverage for the cycle.
func (c *Controller) Decide(ctx context.Context, funding venue.FundingSnapshot, volatility float64) (Decision, error) {
	s, err := c.yield.StakingYield(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrYieldUnavailable, err)
	}

	bounds := Bounds{Min: c.params.MinLeverage, Max: c.params.MaxLeverage}
	d := Decision{StakingYield: s, Volatility: volatility, FundingKnown: funding.Known()}

	switch {
	case !d.FundingKnown:
		d.Leverage = bounds.Min
		d.Reason = "funding unknown"
	default:
		d.FundingAnnual = Annualize(funding.Rate.InexactFloat64(), funding.Interval)
		if d.FundingAnnual == 0 {
			d.Leverage = bounds.Min
			d.Reason = "zero funding"
		} else {
			// negative funding still lets staking carry the position; Optimal floors a non-positive carry
			d.Leverage = Optimal(Inputs{
				FundingAnnual: d.FundingAnnual,
				StakingYield:  s,
				Volatility:    volatility,
				RiskAversion:  c.params.RiskAversion,
			}, bounds)
			d.Reason = "optimal"
		}
	}

	d.ExpectedAPY = ExpectedAPY(d.Leverage, d.FundingAnnual, s, c.params.TurnoverRate, c.params.SpreadEdge, c.params.CostRate)

	c.logger.Debug().
		Float64("leverage", d.Leverage).
		Float64("funding_annual", d.FundingAnnual).
		Float64("staking_yield", s).
		Float64("volatility", volatility).
		Float64("expected_apy", d.ExpectedAPY).
		Str("reason", d.Reason).
		Msg("leverage decided")
	return d, nil
}
