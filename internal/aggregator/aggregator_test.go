package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerne-operator/internal/chain"
	"kerne-operator/internal/events"
)

type fakeReader struct {
	mu      sync.Mutex
	name    string
	assets  decimal.Decimal
	supply  decimal.Decimal
	pending decimal.Decimal
	balance decimal.Decimal
	block   uint64
	err     error
	at      time.Time
}

func newReader(name, assets string) *fakeReader {
	a := decimal.RequireFromString(assets)
	return &fakeReader{name: name, assets: a, supply: a, balance: a, block: 100}
}

func (r *fakeReader) Name() string { return r.name }

func (r *fakeReader) VaultState(_ context.Context, vault common.Address) (chain.VaultState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return chain.VaultState{}, r.err
	}
	r.block++
	return chain.VaultState{Vault: vault, TotalAssets: r.assets, TotalSupply: r.supply, Block: r.block, At: r.at}, nil
}

func (r *fakeReader) AssetBalance(context.Context, common.Address) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance, r.err
}

func (r *fakeReader) PendingWithdrawals(context.Context, common.Address) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.err
}

func (r *fakeReader) set(fn func(r *fakeReader)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func newAggregator(t *testing.T, readers ...*fakeReader) *Aggregator {
	t.Helper()
	sources := make([]Source, len(readers))
	for i, r := range readers {
		sources[i] = Source{Reader: r, Vault: common.HexToAddress("0x1"), Critical: i == 0}
	}
	a, err := New(sources, Options{Staleness: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetMultiChainTVLSumsChains(t *testing.T) {
	base := newReader("base", "60")
	arb := newReader("arbitrum", "40")
	arb.pending = dec("5")
	a := newAggregator(t, base, arb)

	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.TotalTVL.Equal(dec("100")))
	assert.True(t, snap.PendingWithdrawals.Equal(dec("5")))
	assert.True(t, snap.TotalLiabilities.Equal(dec("100")))
	assert.False(t, snap.Degraded)
	assert.False(t, snap.ZeroAnomaly)
	assert.NoError(t, snap.Err())
	assert.Len(t, snap.PerChain, 2)
	assert.Equal(t, uint64(101), snap.Blocks()["base"])
}

func TestFailedChainKeepsLastValueAndDegrades(t *testing.T) {
	base := newReader("base", "60")
	arb := newReader("arbitrum", "40")
	a := newAggregator(t, base, arb)

	_, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	arb.set(func(r *fakeReader) { r.err = chain.ErrAllEndpointsFailed })
	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.Degraded)
	assert.False(t, snap.CriticalStale, "arbitrum is not critical")
	assert.Equal(t, []string{"arbitrum"}, snap.StaleChains)
	assert.True(t, snap.TotalTVL.Equal(dec("60")), "stale chains are excluded from the total")
	assert.True(t, snap.KnownTVL.Equal(dec("100")))
	assert.True(t, snap.PerChain["arbitrum"].TVL.Equal(dec("40")), "last known value retained")
	assert.False(t, snap.PerChain["arbitrum"].Healthy)
}

func TestCriticalChainStale(t *testing.T) {
	base := newReader("base", "60")
	base.err = errors.New("timeout")
	a := newAggregator(t, base, newReader("arbitrum", "40"))

	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.CriticalStale)
	assert.True(t, snap.Degraded)
}

func TestStalenessWindow(t *testing.T) {
	base := newReader("base", "60")
	old := time.Now().Add(-5 * time.Minute)
	base.at = old
	a := newAggregator(t, base)

	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.PerChain["base"].Stale)
	assert.True(t, snap.Degraded)
}

// All RPCs rate-limited to zero: the aggregate must never hand a plain zero to the engine.
func TestZeroReadAnomaly(t *testing.T) {
	base := newReader("base", "60")
	arb := newReader("arbitrum", "40")
	a := newAggregator(t, base, arb)

	_, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	for _, r := range []*fakeReader{base, arb} {
		r.set(func(r *fakeReader) {
			r.assets = decimal.Zero
			r.supply = decimal.Zero
		})
	}
	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.Degraded)
	assert.True(t, snap.ZeroAnomaly)
	assert.ErrorIs(t, snap.Err(), ErrZeroAnomaly)
	assert.True(t, snap.PerChain["base"].TVL.Equal(dec("60")))
	assert.True(t, snap.KnownTVL.Equal(dec("100")))
}

func TestZeroReadAcceptedAfterDrainEvent(t *testing.T) {
	base := newReader("base", "60")
	a := newAggregator(t, base)
	_, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	base.set(func(r *fakeReader) { r.assets = decimal.Zero; r.supply = decimal.Zero })
	a.ObserveEvent(events.Event{Kind: events.KindWithdraw, Chain: "base", Block: 120})

	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.False(t, snap.ZeroAnomaly)
	assert.True(t, snap.TotalTVL.IsZero())

	// the confirmation is consumed by the accepted read; a later refill then zero is rejected again
	base.set(func(r *fakeReader) { r.assets = dec("10"); r.supply = dec("10") })
	_, err = a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	base.set(func(r *fakeReader) { r.assets = decimal.Zero })
	snap, err = a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.ZeroAnomaly)
}

func TestDepositDoesNotConfirmZeroRead(t *testing.T) {
	base := newReader("base", "100")
	a := newAggregator(t, base)
	_, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	base.set(func(r *fakeReader) { r.assets = decimal.Zero })
	a.ObserveEvent(events.Event{Kind: events.KindDeposit, Chain: "base", Block: 120})

	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.ZeroAnomaly)
	assert.True(t, snap.Degraded)
	assert.True(t, snap.PerChain["base"].TVL.Equal(dec("100")), "last value is kept")
}

func TestWithdrawWithSharesOutstandingDoesNotConfirmZeroRead(t *testing.T) {
	base := newReader("base", "100")
	a := newAggregator(t, base)
	_, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	base.set(func(r *fakeReader) { r.assets = decimal.Zero })
	a.ObserveEvent(events.Event{Kind: events.KindWithdraw, Chain: "base", Block: 120})

	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.ZeroAnomaly)
}

func TestTickEventsDoNotConfirmDrain(t *testing.T) {
	base := newReader("base", "60")
	a := newAggregator(t, base)
	_, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)

	a.ObserveEvent(events.Event{Kind: events.KindTick})
	base.set(func(r *fakeReader) { r.assets = decimal.Zero })
	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.ZeroAnomaly)
}

func TestEmptyVaultIsNotAnomalous(t *testing.T) {
	a := newAggregator(t, newReader("base", "0"))
	snap, err := a.GetMultiChainTVL(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.False(t, snap.ZeroAnomaly)
}

func TestOnChainAssetsAndPending(t *testing.T) {
	base := newReader("base", "60")
	base.balance = dec("58.5")
	base.pending = dec("2")
	arb := newReader("arbitrum", "40")
	arb.balance = dec("39")
	a := newAggregator(t, base, arb)

	assets, err := a.GetOnChainAssets(context.Background())
	require.NoError(t, err)
	assert.True(t, assets.Equal(dec("97.5")))

	pending, err := a.GetPendingWithdrawals(context.Background())
	require.NoError(t, err)
	assert.True(t, pending.Equal(dec("2")))

	arb.set(func(r *fakeReader) { r.err = errors.New("boom") })
	assets, err = a.GetOnChainAssets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arbitrum")
	assert.True(t, assets.Equal(dec("58.5")))
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]Source{{Reader: newReader("base", "1")}, {Reader: newReader("base", "2")}}, Options{}, zerolog.Nop())
	require.Error(t, err)
}
