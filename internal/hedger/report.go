package hedger

import (
	"time"

	"github.com/shopspring/decimal"

	"kerne-operator/internal/events"
	"kerne-operator/internal/leverage"
	"kerne-operator/internal/risk"
	"kerne-operator/internal/storage"
	"kerne-operator/internal/venue"
)

// CycleReport describes one rebalance cycle.
type CycleReport struct {
	Trigger   events.Event  `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	DryRun    bool          `json:"dry_run"`

	TotalTVL           decimal.Decimal       `json:"total_tvl"`
	PendingWithdrawals decimal.Decimal       `json:"pending_withdrawals"`
	Degraded           bool                  `json:"degraded"`
	MarkPrice          decimal.Decimal       `json:"mark_price"`
	Funding            venue.FundingSnapshot `json:"funding"`
	CurrentShort       decimal.Decimal       `json:"current_short"`

	Leverage         leverage.Decision   `json:"leverage"`
	OffChainValue    decimal.Decimal     `json:"off_chain_value"`
	TotalAssets      decimal.Decimal     `json:"total_assets"`
	TotalLiabilities decimal.Decimal     `json:"total_liabilities"`
	SolvencyRatio    decimal.NullDecimal `json:"solvency_ratio"`

	Intent         RebalanceIntent `json:"intent"`
	Tier           risk.Tier       `json:"tier"`
	HealthScore    float64         `json:"health_score"`
	SizeMultiplier decimal.Decimal `json:"size_multiplier"`

	OrderSide  venue.Side      `json:"order_side,omitempty"`
	OrderSize  decimal.Decimal `json:"order_size"`
	FilledSize decimal.Decimal `json:"filled_size"`
	OrderError string          `json:"order_error,omitempty"`

	ReportTx      string          `json:"report_tx,omitempty"`
	ReportError   string          `json:"report_error,omitempty"`
	L1SyncTx      string          `json:"l1_sync_tx,omitempty"`
	L1SyncError   string          `json:"l1_sync_error,omitempty"`
	BuybackAmount decimal.Decimal `json:"buyback_amount"`
	BuybackTx     string          `json:"buyback_tx,omitempty"`
}

func (r *CycleReport) finish(o Outcome, reason string) {
	r.Outcome = o
	r.Reason = reason
}

// OrderPlaced reports whether the cycle sent an order that the venue accepted.
func (r CycleReport) OrderPlaced() bool {
	return r.Outcome == OutcomeRebalanced || r.Outcome == OutcomePartial
}

// Record converts the report into its audit row.
func (r CycleReport) Record() storage.CycleRecord {
	return storage.CycleRecord{
		StartedAt:      r.StartedAt,
		Trigger:        string(r.Trigger.Kind),
		Outcome:        string(r.Outcome),
		Reason:         r.Reason,
		TotalTVL:       r.TotalTVL,
		CurrentShort:   r.CurrentShort,
		TargetShort:    r.Intent.TargetShort,
		Delta:          r.Intent.Delta,
		OrderSide:      string(r.OrderSide),
		OrderSize:      r.OrderSize,
		FilledSize:     r.FilledSize,
		TargetLeverage: decimal.NewFromFloat(r.Leverage.Leverage),
		RiskTier:       string(r.Tier),
		Degraded:       r.Degraded,
		Duration:       r.Duration,
	}
}
