package hedger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kerne-operator/internal/aggregator"
	"kerne-operator/internal/alerting"
	"kerne-operator/internal/events"
	"kerne-operator/internal/leverage"
	"kerne-operator/internal/metrics"
	"kerne-operator/internal/risk"
	"kerne-operator/internal/storage"
	"kerne-operator/internal/venue"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeNoop       Outcome = "noop"
	OutcomeRebalanced Outcome = "rebalanced"
	OutcomePartial    Outcome = "partial"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeAborted    Outcome = "aborted"
	OutcomeFailed     Outcome = "failed"
)

// VaultWriter is the on-chain vault surface the engine needs. *chain.Vault implements it.
type VaultWriter interface {
	Paused(ctx context.Context) (bool, error)
	ReportOffChainAssets(ctx context.Context, amount decimal.Decimal) (common.Hash, error)
}

// TVLSource supplies the multi-chain aggregate. *aggregator.Aggregator implements it.
type TVLSource interface {
	GetMultiChainTVL(ctx context.Context) (aggregator.Snapshot, error)
}

// LeverageDecider picks the target leverage. *leverage.Controller implements it.
type LeverageDecider interface {
	Decide(ctx context.Context, funding venue.FundingSnapshot, volatility float64) (leverage.Decision, error)
}

// VolatilitySource estimates annualized volatility from observed marks.
type VolatilitySource interface {
	Observe(price float64)
	Annualized() float64
}

// PegSource reads the LST/ETH ratio. risk.PegReader implements it.
type PegSource interface {
	Peg(ctx context.Context) (decimal.Decimal, error)
}

// RiskEvaluator is the sentinel. *risk.Engine implements it.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, in risk.Inputs) risk.Decision
}

// Alerter delivers operator alerts. *alerting.Dispatcher implements it.
type Alerter interface {
	Send(ctx context.Context, a alerting.Alert) bool
	// Resolve clears the cooldown of a condition that has ended.
	Resolve(ctx context.Context, component, category string)
}

// Options tune the engine.
type Options struct {
	VaultID string
	Symbol  string
	// Threshold is the minimum |delta| in base units that triggers an order.
	Threshold       decimal.Decimal
	BuybackCooldown time.Duration
	// LockKey, when non-zero with a Locker, serializes cycles across operator instances.
	LockKey int64
	// DryRun computes every decision but places no order and sends no transaction.
	DryRun bool
}

// Deps are the engine's collaborators. L1, Peg, Buyback, Fees, Cycles, Locker and Alerts are optional.
type Deps struct {
	Vault      VaultWriter
	L1         VaultWriter
	TVL        TVLSource
	Venue      venue.PerpVenue
	Leverage   LeverageDecider
	Volatility VolatilitySource
	Peg        PegSource
	Risk       RiskEvaluator
	Buyback    Buyback
	Fees       FeeSource
	Cycles     storage.CycleStore
	Locker     storage.AdvisoryLocker
	Alerts     Alerter
}

// Engine runs rebalance cycles. Cycles never overlap.
type Engine struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastBuyback time.Time
	latest      CycleReport
}

// New wires an engine.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Vault == nil || deps.TVL == nil || deps.Venue == nil || deps.Leverage == nil || deps.Risk == nil {
		return nil, errors.New("hedger requires vault, tvl source, venue, leverage controller and risk engine")
	}
	if deps.Volatility == nil {
		deps.Volatility = leverage.NewVolatilityTracker(48, 30*time.Minute, 0.6)
	}
	if opts.BuybackCooldown <= 0 {
		opts.BuybackCooldown = 24 * time.Hour
	}
	return &Engine{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "hedger").Logger(),
		now:    time.Now,
	}, nil
}

// Latest returns the most recent cycle report.
func (e *Engine) Latest() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Run consumes the queue one event at a time until ctx is done or the queue is closed.
func (e *Engine) Run(ctx context.Context, q *events.Queue) error {
	for {
		ev, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		e.RunCycle(ctx, ev)
	}
}

// Drain runs a cycle for every event still queued, bounded by ctx.
func (e *Engine) Drain(ctx context.Context, q *events.Queue) (int, error) {
	return q.Drain(ctx, func(ctx context.Context, ev events.Event) {
		e.RunCycle(ctx, ev)
	})
}

type collected struct {
	snap    aggregator.Snapshot
	snapErr error
	pos     venue.Position
	funding venue.FundingSnapshot
	mark    decimal.Decimal
}

// RunCycle executes one rebalance cycle for trigger. It never panics on bad data: every early exit
// is recorded in the report.
func (e *Engine) RunCycle(ctx context.Context, trigger events.Event) CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	rep := CycleReport{Trigger: trigger, StartedAt: e.now().UTC(), DryRun: e.opts.DryRun}
	log := e.logger.With().Str("trigger", string(trigger.Kind)).Str("chain", trigger.Chain).Logger()

	unlock, proceed, err := e.acquireLock(ctx)
	switch {
	case err != nil:
		rep.finish(OutcomeFailed, err.Error())
	case !proceed:
		rep.finish(OutcomeSkipped, "advisory lock held by another operator")
	default:
		if unlock != nil {
			defer unlock()
		}
		e.cycle(ctx, &rep, log)
	}

	rep.Duration = e.now().Sub(rep.StartedAt)
	metrics.CyclesTotal.WithLabelValues(string(rep.Outcome)).Inc()
	metrics.CycleDuration.Observe(rep.Duration.Seconds())

	ev := log.Info()
	if rep.Outcome == OutcomeAborted || rep.Outcome == OutcomeFailed {
		ev = log.Warn()
	}
	ev.Str("outcome", string(rep.Outcome)).
		Str("reason", rep.Reason).
		Str("delta", rep.Intent.Delta.String()).
		Str("tier", string(rep.Tier)).
		Dur("duration", rep.Duration).
		Msg("rebalance cycle finished")

	e.record(ctx, rep)
	e.latest = rep
	return rep
}

func (e *Engine) cycle(ctx context.Context, rep *CycleReport, log zerolog.Logger) {
	// 1. guard
	paused, err := e.deps.Vault.Paused(ctx)
	if err != nil {
		rep.finish(OutcomeAborted, fmt.Sprintf("vault status unavailable: %v", err))
		return
	}
	if paused {
		rep.finish(OutcomeAborted, "vault paused")
		return
	}

	// 2. collect
	c := e.collect(ctx)
	if c.snapErr != nil {
		rep.finish(OutcomeAborted, fmt.Sprintf("aggregate unavailable: %v", c.snapErr))
		return
	}
	rep.TotalTVL = c.snap.TotalTVL
	rep.PendingWithdrawals = c.snap.PendingWithdrawals
	rep.Degraded = c.snap.Degraded
	rep.MarkPrice = c.mark
	rep.Funding = c.funding

	// 3. safety gate
	if c.snap.ZeroAnomaly {
		rep.finish(OutcomeAborted, aggregator.ErrZeroAnomaly.Error())
		log.Warn().Strs("stale_chains", c.snap.StaleChains).Msg("zero TVL without confirmed drain; aborting cycle")
		e.alert(ctx, alerting.SeverityWarning, "zero_anomaly", "aggregate TVL read zero without a confirmed drain", nil)
		return
	}
	if !c.mark.IsPositive() {
		rep.finish(OutcomeSkipped, "mark price unavailable")
		return
	}
	if !c.pos.Known() {
		rep.finish(OutcomeSkipped, "venue position unavailable")
		return
	}
	rep.CurrentShort = c.pos.ShortSize()
	// samples must be tick_interval apart; event-driven cycles only read the estimate
	if rep.Trigger.Kind == events.KindTick {
		e.deps.Volatility.Observe(c.mark.InexactFloat64())
	}
	vol := e.deps.Volatility.Annualized()

	// 4. leverage
	lev, err := e.deps.Leverage.Decide(ctx, c.funding, vol)
	if err != nil {
		log.Warn().Err(err).Msg("leverage decision unavailable; skipping cycle")
		if errors.Is(err, leverage.ErrYieldUnavailable) {
			e.alert(ctx, alerting.SeverityWarning, "yield_unavailable", err.Error(), nil)
		}
		rep.finish(OutcomeSkipped, err.Error())
		return
	}
	rep.Leverage = lev
	metrics.TargetLeverage.Set(lev.Leverage)

	// 5. solvency
	rep.OffChainValue = c.pos.MarginEquity.Div(c.mark).Round(8)
	rep.TotalAssets = c.snap.KnownTVL.Add(rep.OffChainValue)
	rep.TotalLiabilities = c.snap.TotalLiabilities
	if rep.TotalLiabilities.IsPositive() {
		rep.SolvencyRatio = decimal.NewNullDecimal(rep.TotalAssets.Div(rep.TotalLiabilities).Round(8))
	}

	// 6. target
	target := TargetShort(c.snap.TotalTVL, c.snap.PendingWithdrawals)
	rep.Intent = NewIntent(target, rep.CurrentShort, e.opts.Threshold)
	metrics.NetDelta.Set(rep.Intent.Delta.InexactFloat64())

	// 7. risk
	peg := e.peg(ctx, log)
	decision := e.deps.Risk.Evaluate(ctx, risk.Inputs{
		VaultID:          e.opts.VaultID,
		TargetShort:      target,
		CurrentShort:     rep.CurrentShort,
		MarkPrice:        c.mark,
		LiquidationPrice: c.pos.LiquidationPrice,
		Equity:           c.pos.MarginEquity,
		PegRatio:         peg,
		Volatility:       vol,
		At:               rep.StartedAt,
	})
	rep.Tier = decision.Tier
	rep.HealthScore = decision.Profile.HealthScore
	rep.SizeMultiplier = decision.SizeMultiplier
	if decision.Entered {
		fields := map[string]string{"health": fmt.Sprintf("%.1f", decision.Profile.HealthScore)}
		if decision.PauseErr != nil {
			fields["pause_error"] = decision.PauseErr.Error()
		}
		e.alert(ctx, alerting.SeverityCritical, "tier_critical", "sentinel entered CRITICAL; vault pause requested", fields)
	}
	if decision.Exited {
		if e.deps.Alerts != nil {
			e.deps.Alerts.Resolve(ctx, "hedger", "tier_critical")
		}
		e.alert(ctx, alerting.SeverityInfo, "tier_recovered", "sentinel left CRITICAL", nil)
	}

	// 8. rebalance
	e.rebalance(ctx, rep, decision, log)

	// 9. report, 10. buyback
	if !e.opts.DryRun {
		e.report(ctx, rep, log)
		e.buyback(ctx, rep, decision, log)
	}
}

func (e *Engine) collect(ctx context.Context) collected {
	var (
		c  collected
		wg sync.WaitGroup
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		c.snap, c.snapErr = e.deps.TVL.GetMultiChainTVL(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pos = e.deps.Venue.AggregatePosition(ctx, e.opts.Symbol)
	}()
	go func() {
		defer wg.Done()
		c.funding = e.deps.Venue.FundingRate(ctx, e.opts.Symbol)
	}()
	go func() {
		defer wg.Done()
		c.mark = e.deps.Venue.MarkPrice(ctx, e.opts.Symbol)
	}()
	wg.Wait()
	return c
}

func (e *Engine) peg(ctx context.Context, log zerolog.Logger) decimal.Decimal {
	if e.deps.Peg == nil {
		return decimal.Zero
	}
	p, err := e.deps.Peg.Peg(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("peg read failed; scoring without it")
		return decimal.Zero
	}
	return p
}

func (e *Engine) rebalance(ctx context.Context, rep *CycleReport, decision risk.Decision, log zerolog.Logger) {
	intent := rep.Intent
	switch {
	case intent.Action == ActionNone:
		rep.finish(OutcomeNoop, "within threshold")
		return
	case !decision.AllowOrders():
		rep.finish(OutcomeBlocked, "risk tier CRITICAL")
		return
	case rep.Degraded && intent.Action == ActionDecrease:
		rep.finish(OutcomeBlocked, "degraded aggregate forbids unwinding")
		return
	}

	size := intent.Size(decision.SizeMultiplier)
	if !size.IsPositive() {
		rep.finish(OutcomeBlocked, "risk multiplier is zero")
		return
	}
	rep.OrderSide = intent.Side()
	rep.OrderSize = size

	if e.opts.DryRun {
		rep.finish(OutcomeNoop, "dry run")
		log.Info().Str("side", string(rep.OrderSide)).Str("size", size.String()).Msg("dry run: order not placed")
		return
	}

	var (
		fill venue.Fill
		err  error
	)
	if rep.OrderSide == venue.SideSell {
		fill, err = e.deps.Venue.ExecuteShort(ctx, e.opts.Symbol, size)
	} else {
		fill, err = e.deps.Venue.ExecuteBuy(ctx, e.opts.Symbol, size)
	}
	if err != nil {
		result, category := "error", "order_failed"
		if venue.IsBusiness(err) {
			result, category = "rejected", "order_rejected"
		}
		metrics.OrdersTotal.WithLabelValues(string(rep.OrderSide), result).Inc()
		rep.OrderError = err.Error()
		rep.finish(OutcomeFailed, "order failed")
		e.alert(ctx, alerting.SeverityWarning, category, err.Error(), map[string]string{
			"side": string(rep.OrderSide),
			"size": size.String(),
		})
		return
	}

	rep.FilledSize = fill.Filled
	if fill.Partial() {
		// the remainder is picked up by the next cycle
		metrics.OrdersTotal.WithLabelValues(string(rep.OrderSide), "partial").Inc()
		rep.finish(OutcomePartial, "partial fill")
		log.Warn().Str("requested", fill.Requested.String()).Str("filled", fill.Filled.String()).Msg("order partially filled")
	} else {
		metrics.OrdersTotal.WithLabelValues(string(rep.OrderSide), "filled").Inc()
		rep.finish(OutcomeRebalanced, "")
	}
}

// report pushes the off-chain value to the home vault and then the L1 vault. Failures never abort.
func (e *Engine) report(ctx context.Context, rep *CycleReport, log zerolog.Logger) {
	tx, err := e.deps.Vault.ReportOffChainAssets(ctx, rep.OffChainValue)
	if err != nil {
		rep.ReportError = err.Error()
		log.Warn().Err(err).Msg("failed to report off-chain assets")
	} else {
		rep.ReportTx = tx.Hex()
	}

	if e.deps.L1 == nil {
		return
	}
	tx, err = e.deps.L1.ReportOffChainAssets(ctx, rep.OffChainValue)
	if err != nil {
		rep.L1SyncError = err.Error()
		log.Warn().Err(err).Msg("failed to sync L1 assets")
		return
	}
	rep.L1SyncTx = tx.Hex()
}

func (e *Engine) buyback(ctx context.Context, rep *CycleReport, decision risk.Decision, log zerolog.Logger) {
	if e.deps.Buyback == nil || e.deps.Fees == nil || decision.SuspendHarvest {
		return
	}
	now := e.now()
	if !e.lastBuyback.IsZero() && now.Sub(e.lastBuyback) < e.opts.BuybackCooldown {
		return
	}

	amount, err := e.deps.Fees.FeesSince(ctx, e.lastBuyback)
	if err != nil {
		log.Warn().Err(err).Msg("fee revenue unavailable; buyback skipped")
		return
	}
	if !amount.IsPositive() {
		return
	}
	tx, err := e.deps.Buyback.Buyback(ctx, amount)
	if err != nil {
		log.Warn().Err(err).Str("amount", amount.String()).Msg("buyback failed")
		return
	}
	e.lastBuyback = now
	rep.BuybackAmount = amount
	rep.BuybackTx = tx.Hex()
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, e.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (e *Engine) record(ctx context.Context, rep CycleReport) {
	if e.deps.Cycles == nil || rep.DryRun {
		return
	}
	if _, err := e.deps.Cycles.InsertCycle(ctx, rep.Record()); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist cycle report")
	}
}

func (e *Engine) alert(ctx context.Context, sev alerting.Severity, category, msg string, fields map[string]string) {
	if e.deps.Alerts == nil {
		return
	}
	e.deps.Alerts.Send(ctx, alerting.Alert{
		Severity:  sev,
		Component: "hedger",
		Category:  category,
		Message:   msg,
		Fields:    fields,
	})
}
