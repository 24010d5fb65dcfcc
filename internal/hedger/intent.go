package hedger

import (
	"github.com/shopspring/decimal"

	"kerne-operator/internal/venue"
)

// Action is what a rebalance intends to do with the short.
type Action string

const (
	ActionNone     Action = "none"
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
)

// RebalanceIntent is the per-cycle rebalance decision.
// Action is none iff |Delta| <= Threshold.
type RebalanceIntent struct {
	TargetShort  decimal.Decimal `json:"target_short"`
	CurrentShort decimal.Decimal `json:"current_short"`
	Delta        decimal.Decimal `json:"delta"`
	Threshold    decimal.Decimal `json:"threshold"`
	Action       Action          `json:"action"`
}

// NewIntent computes delta = target - current and the resulting action.
func NewIntent(target, current, threshold decimal.Decimal) RebalanceIntent {
	delta := target.Sub(current)
	in := RebalanceIntent{
		TargetShort:  target,
		CurrentShort: current,
		Delta:        delta,
		Threshold:    threshold,
		Action:       ActionNone,
	}
	switch {
	case delta.Abs().LessThanOrEqual(threshold):
	case delta.IsPositive():
		in.Action = ActionIncrease
	default:
		in.Action = ActionDecrease
	}
	return in
}

// Side maps the action to the venue order side: a larger short sells, a smaller one buys.
func (i RebalanceIntent) Side() venue.Side {
	if i.Action == ActionDecrease {
		return venue.SideBuy
	}
	return venue.SideSell
}

// Size scales |Delta| by the risk multiplier.
func (i RebalanceIntent) Size(multiplier decimal.Decimal) decimal.Decimal {
	if i.Action == ActionNone {
		return decimal.Zero
	}
	return i.Delta.Abs().Mul(multiplier)
}

// TargetShort is the delta-neutral short for the vault: max(0, totalTVL - pendingWithdrawals).
// Leverage changes the collateral requirement only, never the notional.
func TargetShort(totalTVL, pending decimal.Decimal) decimal.Decimal {
	active := totalTVL.Sub(pending)
	if active.IsNegative() {
		return decimal.Zero
	}
	return active
}
