package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kerne-operator/internal/chain"
	"kerne-operator/internal/events"
	"kerne-operator/internal/metrics"
)

// ErrZeroAnomaly is reported when the aggregate reads zero without a confirmed drain.
var ErrZeroAnomaly = errors.New("aggregate TVL is zero without a confirmed drain")

// ChainReader reads one chain's vault; *chain.Client satisfies it.
type ChainReader interface {
	Name() string
	VaultState(ctx context.Context, vault common.Address) (chain.VaultState, error)
	AssetBalance(ctx context.Context, vault common.Address) (decimal.Decimal, error)
	PendingWithdrawals(ctx context.Context, vault common.Address) (decimal.Decimal, error)
}

// Source is one configured chain.
type Source struct {
	Reader   ChainReader
	Vault    common.Address
	Critical bool
}

// ChainState is the aggregator's view of one chain. TVL is the last accepted value.
type ChainState struct {
	Chain       string          `json:"chain"`
	Vault       string          `json:"vault"`
	TVL         decimal.Decimal `json:"tvl"`
	TotalSupply decimal.Decimal `json:"total_supply"`
	Pending     decimal.Decimal `json:"pending_withdrawals"`
	Block       uint64          `json:"block"`
	// AsOf is when TVL was last accepted; LastPoll is the last read attempt.
	AsOf      time.Time `json:"as_of"`
	LastPoll  time.Time `json:"last_poll"`
	Healthy   bool      `json:"rpc_healthy"`
	Stale     bool      `json:"stale"`
	Critical  bool      `json:"critical"`
	LastError string    `json:"last_error,omitempty"`

	everNonZero bool
	// drained is set by a withdraw event since the last accepted read; together with zero shares
	// outstanding it confirms a zero reading.
	drained bool
}

// Snapshot is an immutable aggregate view handed to readers.
type Snapshot struct {
	PerChain map[string]ChainState `json:"per_chain"`
	// TotalTVL sums fresh chains only.
	TotalTVL decimal.Decimal `json:"total_tvl"`
	// KnownTVL and TotalLiabilities sum the last known values of every chain.
	KnownTVL           decimal.Decimal `json:"known_tvl"`
	TotalLiabilities   decimal.Decimal `json:"total_liabilities"`
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"`
	Degraded           bool            `json:"degraded"`
	CriticalStale      bool            `json:"critical_stale"`
	ZeroAnomaly        bool            `json:"zero_anomaly"`
	StaleChains        []string        `json:"stale_chains,omitempty"`
	AsOf               time.Time       `json:"as_of"`
}

// Blocks returns the block height of every chain.
func (s Snapshot) Blocks() map[string]uint64 {
	out := make(map[string]uint64, len(s.PerChain))
	for name, st := range s.PerChain {
		out[name] = st.Block
	}
	return out
}

// Err returns ErrZeroAnomaly for an anomalous snapshot.
func (s Snapshot) Err() error {
	if s.ZeroAnomaly {
		return ErrZeroAnomaly
	}
	return nil
}

// Options tune the aggregator.
type Options struct {
	Staleness time.Duration
	PoolSize  int
}

// Aggregator owns every ChainState. Reads for different chains run concurrently on a worker pool.
type Aggregator struct {
	sources []Source
	opts    Options
	pool    *ants.Pool
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*ChainState
	latest Snapshot
}

// New builds an aggregator over sources.
func New(sources []Source, opts Options, logger zerolog.Logger) (*Aggregator, error) {
	if len(sources) == 0 {
		return nil, errors.New("aggregator needs at least one chain")
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 2 * time.Minute
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = len(sources) * 2
	}
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create read pool: %w", err)
	}

	states := make(map[string]*ChainState, len(sources))
	for _, src := range sources {
		name := src.Reader.Name()
		if _, dup := states[name]; dup {
			pool.Release()
			return nil, fmt.Errorf("duplicate chain %q", name)
		}
		states[name] = &ChainState{Chain: name, Vault: src.Vault.Hex(), Critical: src.Critical, Stale: true}
	}

	return &Aggregator{
		sources: sources,
		opts:    opts,
		pool:    pool,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		now:     time.Now,
		states:  states,
	}, nil
}

// Close releases the worker pool.
func (a *Aggregator) Close() { a.pool.Release() }

type chainRead struct {
	state   chain.VaultState
	pending decimal.Decimal
	err     error
}

// GetMultiChainTVL refreshes every chain and returns the aggregate.
func (a *Aggregator) GetMultiChainTVL(ctx context.Context) (Snapshot, error) {
	reads := make([]chainRead, len(a.sources))
	a.fanOut(func(i int, src Source) {
		st, err := src.Reader.VaultState(ctx, src.Vault)
		if err != nil {
			reads[i] = chainRead{err: err}
			return
		}
		pending, err := src.Reader.PendingWithdrawals(ctx, src.Vault)
		if err != nil {
			// pending withdrawals are optional; a failing view must not stale the chain
			a.logger.Debug().Err(err).Str("chain", src.Reader.Name()).Msg("pending withdrawals unavailable")
			pending = decimal.Zero
		}
		reads[i] = chainRead{state: st, pending: pending}
	})
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for i, src := range a.sources {
		a.apply(a.states[src.Reader.Name()], reads[i], now)
	}
	a.latest = a.snapshotLocked(now)
	a.record(a.latest)
	return a.latest, nil
}

// apply folds one read into the chain state, enforcing the zero-read guard.
func (a *Aggregator) apply(cs *ChainState, r chainRead, now time.Time) {
	cs.LastPoll = now
	if r.err != nil {
		cs.Healthy = false
		cs.LastError = r.err.Error()
		a.logger.Warn().Err(r.err).Str("chain", cs.Chain).Msg("chain read failed on every endpoint; keeping last value")
		return
	}
	cs.Healthy = true
	cs.LastError = ""

	if r.state.TotalAssets.IsZero() && !a.zeroConfirmed(cs, r.state) {
		metrics.ZeroReadsRejected.WithLabelValues(cs.Chain).Inc()
		cs.LastError = "zero TVL without observed drain"
		a.logger.Warn().
			Str("chain", cs.Chain).
			Str("last_tvl", cs.TVL.String()).
			Uint64("block", r.state.Block).
			Msg("rejected zero TVL read; treating chain as stale")
		return
	}

	cs.TVL = r.state.TotalAssets
	cs.TotalSupply = r.state.TotalSupply
	cs.Pending = r.pending
	cs.Block = r.state.Block
	cs.AsOf = r.state.At
	if cs.AsOf.IsZero() {
		cs.AsOf = now
	}
	cs.drained = false
	if cs.TVL.IsPositive() {
		cs.everNonZero = true
	}
}

// zeroConfirmed accepts a zero reading only when no shares are outstanding and either a withdraw
// was observed since the last accepted read or the vault never held assets.
func (a *Aggregator) zeroConfirmed(cs *ChainState, st chain.VaultState) bool {
	if !st.TotalSupply.IsZero() {
		return false
	}
	return cs.drained || !cs.everNonZero
}

func (a *Aggregator) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		PerChain:           make(map[string]ChainState, len(a.states)),
		TotalTVL:           decimal.Zero,
		KnownTVL:           decimal.Zero,
		TotalLiabilities:   decimal.Zero,
		PendingWithdrawals: decimal.Zero,
		AsOf:               now,
	}
	for name, cs := range a.states {
		cs.Stale = !cs.Healthy || cs.LastError != "" || cs.AsOf.IsZero() || now.Sub(cs.AsOf) > a.opts.Staleness
		snap.PerChain[name] = *cs

		snap.KnownTVL = snap.KnownTVL.Add(cs.TVL)
		snap.TotalLiabilities = snap.TotalLiabilities.Add(cs.TotalSupply)
		if cs.Stale {
			snap.Degraded = true
			snap.StaleChains = append(snap.StaleChains, name)
			if cs.Critical {
				snap.CriticalStale = true
			}
			continue
		}
		snap.TotalTVL = snap.TotalTVL.Add(cs.TVL)
		snap.PendingWithdrawals = snap.PendingWithdrawals.Add(cs.Pending)
	}
	sort.Strings(snap.StaleChains)
	snap.ZeroAnomaly = snap.TotalTVL.IsZero() && snap.Degraded
	return snap
}

func (a *Aggregator) record(s Snapshot) {
	for name, cs := range s.PerChain {
		stale := 0.0
		if cs.Stale {
			stale = 1
		}
		metrics.ChainStale.WithLabelValues(name).Set(stale)
		metrics.ChainTVL.WithLabelValues(name).Set(cs.TVL.InexactFloat64())
	}
	metrics.TotalTVL.Set(s.TotalTVL.InexactFloat64())

	if s.ZeroAnomaly {
		a.logger.Warn().Strs("stale_chains", s.StaleChains).Msg("aggregate TVL reads zero without confirmed drain")
	} else if s.Degraded {
		a.logger.Warn().Strs("stale_chains", s.StaleChains).Str("total_tvl", s.TotalTVL.String()).Msg("aggregate degraded")
	}
}

// Latest returns the last computed snapshot without touching the network.
func (a *Aggregator) Latest() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// GetOnChainAssets sums the vaults' concrete asset token balances. Chains that fail are reported
// in the joined error; the sum covers the chains that answered.
func (a *Aggregator) GetOnChainAssets(ctx context.Context) (decimal.Decimal, error) {
	return a.sum(ctx, func(ctx context.Context, src Source) (decimal.Decimal, error) {
		return src.Reader.AssetBalance(ctx, src.Vault)
	})
}

// GetPendingWithdrawals sums queued withdrawals across chains.
func (a *Aggregator) GetPendingWithdrawals(ctx context.Context) (decimal.Decimal, error) {
	return a.sum(ctx, func(ctx context.Context, src Source) (decimal.Decimal, error) {
		return src.Reader.PendingWithdrawals(ctx, src.Vault)
	})
}

func (a *Aggregator) sum(ctx context.Context, read func(context.Context, Source) (decimal.Decimal, error)) (decimal.Decimal, error) {
	values := make([]decimal.Decimal, len(a.sources))
	errs := make([]error, len(a.sources))
	a.fanOut(func(i int, src Source) {
		v, err := read(ctx, src)
		if err != nil {
			errs[i] = fmt.Errorf("%s: %w", src.Reader.Name(), err)
			return
		}
		values[i] = v
	})

	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total, errors.Join(errs...)
}

// fanOut runs fn for every source on the pool and waits for all of them.
func (a *Aggregator) fanOut(fn func(i int, src Source)) {
	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		i, src := i, src
		task := func() {
			defer wg.Done()
			fn(i, src)
		}
		if err := a.pool.Submit(task); err != nil {
			a.logger.Warn().Err(err).Str("chain", src.Reader.Name()).Msg("read pool unavailable, reading inline")
			task()
		}
	}
	wg.Wait()
}

// ObserveEvent records withdrawals so a following zero reading can be accepted.
func (a *Aggregator) ObserveEvent(ev events.Event) {
	if ev.Kind != events.KindWithdraw {
		return
	}
	a.NoteDrain(ev.Chain)
}

// NoteDrain confirms that a chain's vault may legitimately read zero on its next refresh.
func (a *Aggregator) NoteDrain(chainName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cs, ok := a.states[chainName]; ok {
		cs.drained = true
	}
}

var _ events.Observer = (*Aggregator)(nil)
