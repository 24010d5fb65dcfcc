package hedger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerne-operator/internal/aggregator"
	"kerne-operator/internal/alerting"
	"kerne-operator/internal/events"
	"kerne-operator/internal/leverage"
	"kerne-operator/internal/metrics"
	"kerne-operator/internal/risk"
	"kerne-operator/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVault struct {
	mu        sync.Mutex
	paused    bool
	pausedErr error
	reportErr error
	reports   []decimal.Decimal
	// ordersAtReport records how many venue orders existed when each report was sent.
	ordersAtReport []int
	venue          *venue.Fake
	pauses         int
}

func (v *fakeVault) Paused(context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused, v.pausedErr
}

func (v *fakeVault) ReportOffChainAssets(_ context.Context, amount decimal.Decimal) (common.Hash, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.venue != nil {
		v.ordersAtReport = append(v.ordersAtReport, len(v.venue.Placed()))
	}
	if v.reportErr != nil {
		return common.Hash{}, v.reportErr
	}
	v.reports = append(v.reports, amount)
	return common.HexToHash("0xabc"), nil
}

func (v *fakeVault) Pause(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pauses++
	v.paused = true
	return nil
}

type fakeTVL struct {
	snap aggregator.Snapshot
	err  error
}

func (f *fakeTVL) GetMultiChainTVL(context.Context) (aggregator.Snapshot, error) {
	return f.snap, f.err
}

func snapshot(tvl string) aggregator.Snapshot {
	return aggregator.Snapshot{
		TotalTVL:         d(tvl),
		KnownTVL:         d(tvl),
		TotalLiabilities: d(tvl),
		AsOf:             time.Now(),
	}
}

type fixedVol float64

func (fixedVol) Observe(float64)        {}
func (v fixedVol) Annualized() float64 { return float64(v) }

type countingVol struct {
	fixedVol
	samples int
}

func (v *countingVol) Observe(float64) { v.samples++ }

type fixedPeg decimal.Decimal

func (p fixedPeg) Peg(context.Context) (decimal.Decimal, error) { return decimal.Decimal(p), nil }

type failingYield struct{}

func (failingYield) StakingYield(context.Context) (float64, error) {
	return 0, errors.New("yield endpoint down")
}

type recordingAlerter struct {
	mu       sync.Mutex
	alerts   []alerting.Alert
	resolved []string
}

func (r *recordingAlerter) Resolve(_ context.Context, component, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, component+"/"+category)
}

func (r *recordingAlerter) resolvedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resolved...)
}

func (r *recordingAlerter) Send(_ context.Context, a alerting.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return true
}

func (r *recordingAlerter) categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Category)
	}
	return out
}

type fakeFees struct {
	amount decimal.Decimal
	since  []time.Time
}

func (f *fakeFees) FeesSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	f.since = append(f.since, since)
	return f.amount, nil
}

type fakeBuyback struct{ amounts []decimal.Decimal }

func (b *fakeBuyback) Buyback(_ context.Context, amount decimal.Decimal) (common.Hash, error) {
	b.amounts = append(b.amounts, amount)
	return common.HexToHash("0xb0b"), nil
}

type fakeLocker struct{ acquired bool }

func (l fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, l.acquired, nil
}

type harness struct {
	engine *Engine
	vault  *fakeVault
	l1     *fakeVault
	tvl    *fakeTVL
	venue  *venue.Fake
	risk   *risk.Engine
	alerts *recordingAlerter
}

type harnessOption func(*Options, *Deps)

func newHarness(t *testing.T, tvl string, opts ...harnessOption) *harness {
	t.Helper()

	fv := venue.NewFake("ETH", d("3000"), d("100"))
	vault := &fakeVault{venue: fv}
	l1 := &fakeVault{}
	src := &fakeTVL{snap: snapshot(tvl)}
	alerts := &recordingAlerter{}
	sentinel := risk.NewEngine(risk.Options{
		Limits:       risk.DefaultLimits,
		Thresholds:   risk.DefaultThresholds,
		TickInterval: time.Minute,
	}, vault, zerolog.Nop())

	o := Options{VaultID: "kerne-eth", Symbol: "ETH", Threshold: d("0.01")}
	deps := Deps{
		Vault:      vault,
		L1:         l1,
		TVL:        src,
		Venue:      fv,
		Leverage:   leverage.NewController(leverage.Params{MinLeverage: 1, MaxLeverage: 5, RiskAversion: 2}, leverage.StaticYield(0.035), zerolog.Nop()),
		Volatility: fixedVol(0.4),
		Risk:       sentinel,
		Alerts:     alerts,
	}
	for _, fn := range opts {
		fn(&o, &deps)
	}

	e, err := New(o, deps, zerolog.Nop())
	require.NoError(t, err)
	return &harness{engine: e, vault: vault, l1: l1, tvl: src, venue: fv, risk: sentinel, alerts: alerts}
}

func tick() events.Event { return events.Event{Kind: events.KindTick, At: time.Now()} }

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(Options{}, Deps{}, zerolog.Nop())
	require.Error(t, err)
}

func TestBalancedCycleIsNoop(t *testing.T) {
	h := newHarness(t, "100")

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.True(t, rep.Intent.Delta.IsZero())
	assert.Equal(t, ActionNone, rep.Intent.Action)
	assert.Empty(t, h.venue.Placed())
	assert.Equal(t, risk.TierHealthy, rep.Tier)
	assert.Empty(t, h.alerts.categories())
	// off-chain value is still reported
	require.Len(t, h.vault.reports, 1)
	assert.True(t, h.vault.reports[0].Equal(d("50")))
	require.Len(t, h.l1.reports, 1)
}

func TestDepositIncreasesShort(t *testing.T) {
	h := newHarness(t, "102")

	rep := h.engine.RunCycle(context.Background(), events.Event{Kind: events.KindDeposit, Chain: "base", Block: 10})

	require.Equal(t, OutcomeRebalanced, rep.Outcome, rep.Reason)
	placed := h.venue.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, venue.SideSell, placed[0].Side)
	assert.True(t, placed[0].Requested.Equal(d("2")))
	assert.True(t, h.venue.AggregatePosition(context.Background(), "ETH").Size.Equal(d("-102")))
	assert.Equal(t, []int{1}, h.vault.ordersAtReport, "report goes out after the order")
	assert.Equal(t, common.HexToHash("0xabc").Hex(), rep.ReportTx)
	assert.True(t, rep.OrderPlaced())
	assert.Empty(t, h.alerts.categories())
}

func TestWithdrawalDecreasesShort(t *testing.T) {
	h := newHarness(t, "100")
	h.tvl.snap.PendingWithdrawals = d("4")

	rep := h.engine.RunCycle(context.Background(), tick())

	require.Equal(t, OutcomeRebalanced, rep.Outcome, rep.Reason)
	placed := h.venue.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, venue.SideBuy, placed[0].Side)
	assert.True(t, placed[0].Requested.Equal(d("4")))
	assert.True(t, rep.Intent.TargetShort.Equal(d("96")))
}

func TestZeroAnomalyAbortsWithoutOrders(t *testing.T) {
	h := newHarness(t, "0")
	h.tvl.snap.ZeroAnomaly = true

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomeAborted, rep.Outcome)
	assert.Empty(t, h.venue.Placed())
	assert.True(t, h.venue.AggregatePosition(context.Background(), "ETH").Size.Equal(d("-100")))
	assert.Empty(t, h.vault.reports)
	assert.Equal(t, []string{"zero_anomaly"}, h.alerts.categories())
}

// recoveringRisk reports a single exit from CRITICAL.
type recoveringRisk struct{}

func (recoveringRisk) Evaluate(context.Context, risk.Inputs) risk.Decision {
	return risk.Decision{Tier: risk.TierElevated, SizeMultiplier: decimal.NewFromInt(1), Exited: true}
}

func TestLeavingCriticalResolvesAlertCooldown(t *testing.T) {
	h := newHarness(t, "102", func(_ *Options, deps *Deps) {
		deps.Risk = recoveringRisk{}
	})

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, risk.TierElevated, rep.Tier)
	assert.Equal(t, []string{"hedger/tier_critical"}, h.alerts.resolvedKeys())
	assert.Contains(t, h.alerts.categories(), "tier_recovered")
}

func TestCriticalTierBlocksOrdersAndPauses(t *testing.T) {
	h := newHarness(t, "102", func(_ *Options, deps *Deps) {
		deps.Volatility = fixedVol(2.5)
		deps.Peg = fixedPeg(d("0.95"))
	})
	h.venue.Pos.LiquidationPrice = d("3450")
	h.venue.Funding.Rate = decimal.Zero

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomeBlocked, rep.Outcome)
	assert.Equal(t, risk.TierCritical, rep.Tier)
	assert.InDelta(t, 35, rep.HealthScore, 0.01)
	assert.Equal(t, 1.0, rep.Leverage.Leverage, "collapsed funding sits at minimum leverage")
	assert.Empty(t, h.venue.Placed())
	assert.Equal(t, 1, h.vault.pauses)
	assert.Contains(t, h.alerts.categories(), "tier_critical")

	// the paused vault aborts the next cycle and the pause is not repeated
	rep = h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeAborted, rep.Outcome)
	assert.Equal(t, "vault paused", rep.Reason)
	assert.Equal(t, 1, h.vault.pauses)
}

func TestVolatilitySampledOnTicksOnly(t *testing.T) {
	vol := &countingVol{fixedVol: 0.4}
	h := newHarness(t, "100", func(_ *Options, deps *Deps) { deps.Volatility = vol })

	h.engine.RunCycle(context.Background(), events.Event{Kind: events.KindDeposit, Chain: "base", Block: 10})
	h.engine.RunCycle(context.Background(), events.Event{Kind: events.KindWithdraw, Chain: "base", Block: 11})
	h.engine.RunCycle(context.Background(), events.Event{Kind: events.KindManual})
	assert.Equal(t, 0, vol.samples)

	h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, 1, vol.samples)
}

func TestThresholdBoundary(t *testing.T) {
	h := newHarness(t, "100.01")
	rep := h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.Empty(t, h.venue.Placed())

	h = newHarness(t, "100.011")
	rep = h.engine.RunCycle(context.Background(), tick())
	require.Equal(t, OutcomeRebalanced, rep.Outcome)
	require.Len(t, h.venue.Placed(), 1)
	assert.True(t, h.venue.Placed()[0].Requested.Equal(d("0.011")))
}

func TestDegradedAggregateNeverUnwinds(t *testing.T) {
	h := newHarness(t, "98")
	h.tvl.snap.Degraded = true
	h.tvl.snap.StaleChains = []string{"arbitrum"}

	rep := h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeBlocked, rep.Outcome)
	assert.Empty(t, h.venue.Placed())

	h = newHarness(t, "103")
	h.tvl.snap.Degraded = true
	rep = h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeRebalanced, rep.Outcome)
}

func TestUnavailableInputsSkip(t *testing.T) {
	h := newHarness(t, "102")
	h.venue.Unavailable = true
	rep := h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	assert.Equal(t, "mark price unavailable", rep.Reason)

	h = newHarness(t, "102", func(_ *Options, deps *Deps) {
		deps.Leverage = leverage.NewController(leverage.Params{MinLeverage: 1, MaxLeverage: 5}, failingYield{}, zerolog.Nop())
	})
	rep = h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	assert.Contains(t, rep.Reason, leverage.ErrYieldUnavailable.Error())
	assert.Empty(t, h.venue.Placed())
	assert.Contains(t, h.alerts.categories(), "yield_unavailable")

	h = newHarness(t, "102")
	h.vault.pausedErr = errors.New("rpc timeout")
	rep = h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeAborted, rep.Outcome)

	h = newHarness(t, "102")
	h.tvl.err = errors.New("all chains down")
	rep = h.engine.RunCycle(context.Background(), tick())
	assert.Equal(t, OutcomeAborted, rep.Outcome)
}

func TestOrderRejectionStillReports(t *testing.T) {
	h := newHarness(t, "102")
	h.venue.Reject = &venue.OrderError{Side: venue.SideSell, Symbol: "ETH", Business: true, Err: venue.ErrRejected, Msg: "insufficient margin"}
	rejected := metrics.OrdersTotal.WithLabelValues("sell", "rejected")
	before := testutil.ToFloat64(rejected)

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, before+1, testutil.ToFloat64(rejected))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.NotEmpty(t, rep.OrderError)
	assert.Equal(t, []string{"order_rejected"}, h.alerts.categories())
	assert.Len(t, h.vault.reports, 1)
}

func TestPartialFill(t *testing.T) {
	h := newHarness(t, "104")
	h.venue.FillRatio = d("0.5")

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomePartial, rep.Outcome)
	assert.True(t, rep.FilledSize.Equal(d("2")))
	assert.True(t, rep.OrderPlaced())
}

func TestReportFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, "102")
	h.vault.reportErr = errors.New("nonce too low")

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomeRebalanced, rep.Outcome)
	assert.Equal(t, "nonce too low", rep.ReportError)
	assert.Len(t, h.l1.reports, 1)
	assert.NotEmpty(t, rep.L1SyncTx)
}

func TestDryRunPlacesNothing(t *testing.T) {
	h := newHarness(t, "102", func(o *Options, _ *Deps) { o.DryRun = true })

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.Equal(t, "dry run", rep.Reason)
	assert.Equal(t, venue.SideSell, rep.OrderSide)
	assert.True(t, rep.OrderSize.Equal(d("2")))
	assert.Empty(t, h.venue.Placed())
	assert.Empty(t, h.vault.reports)
	assert.True(t, rep.DryRun)
}

func TestAdvisoryLockHeldSkips(t *testing.T) {
	h := newHarness(t, "102", func(o *Options, deps *Deps) {
		o.LockKey = 42
		deps.Locker = fakeLocker{acquired: false}
	})

	rep := h.engine.RunCycle(context.Background(), tick())

	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	assert.Empty(t, h.venue.Placed())
}

func TestBuybackCooldown(t *testing.T) {
	fees := &fakeFees{amount: d("5")}
	bb := &fakeBuyback{}
	h := newHarness(t, "100", func(_ *Options, deps *Deps) {
		deps.Fees = fees
		deps.Buyback = bb
	})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	h.engine.now = func() time.Time { return now }

	rep := h.engine.RunCycle(context.Background(), tick())
	assert.True(t, rep.BuybackAmount.Equal(d("5")))

	now = start.Add(time.Hour)
	rep = h.engine.RunCycle(context.Background(), tick())
	assert.True(t, rep.BuybackAmount.IsZero())

	now = start.Add(25 * time.Hour)
	h.engine.RunCycle(context.Background(), tick())

	require.Len(t, bb.amounts, 2)
	require.Len(t, fees.since, 2)
	assert.True(t, fees.since[0].IsZero())
	assert.Equal(t, start, fees.since[1])
}

func TestDrainHandlesQueuedEvents(t *testing.T) {
	h := newHarness(t, "100")
	q := events.NewQueue(8)
	q.Publish(events.Event{Kind: events.KindDeposit, Chain: "base", Block: 1})
	q.Publish(events.Event{Kind: events.KindDeposit, Chain: "base", Block: 2})
	q.Publish(tick())

	n, err := h.engine.Drain(context.Background(), q)

	require.NoError(t, err)
	assert.Equal(t, 2, n, "same-chain deposits coalesce")
	assert.Equal(t, events.KindTick, h.engine.Latest().Trigger.Kind)
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	h := newHarness(t, "100")
	q := events.NewQueue(8)
	q.Publish(tick())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background(), q) }()

	require.Eventually(t, func() bool {
		return h.engine.Latest().Outcome != ""
	}, time.Second, 5*time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestIntent(t *testing.T) {
	in := NewIntent(d("100"), d("100.5"), d("0.01"))
	assert.Equal(t, ActionDecrease, in.Action)
	assert.Equal(t, venue.SideBuy, in.Side())
	assert.True(t, in.Size(d("0.5")).Equal(d("0.25")))

	assert.True(t, TargetShort(d("10"), d("12")).IsZero())
	assert.True(t, NewIntent(d("1"), d("1"), decimal.Zero).Size(decimal.NewFromInt(1)).IsZero())
}
